package broker

import (
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"tradelab/internal/config"
	"tradelab/pkg/types"
)

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		FeeBps:        0, // no fees unless a test opts in
		MinFee:        0,
		SlippageBps:   0, // deterministic fills at the reference price
		LimitFillProb: 1.0,
		DefaultPrices: map[string]float64{"equity": 100.0},
	}
}

func newTestBroker() *Broker {
	return New(testBrokerConfig(), 42, slog.Default())
}

func marketOrder(id string, side types.Side, qty int64) types.Order {
	return types.Order{
		ClientID: id,
		Symbol:   "AAPL",
		Side:     side,
		Qty:      qty,
		Type:     types.OrderTypeMarket,
	}
}

func TestSubmitBuyOpensPosition(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	fill, err := b.Submit(marketOrder("s1", types.BUY, 10))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if fill.AvgPrice != 100.0 {
		t.Errorf("AvgPrice = %v, want 100 (default equity price)", fill.AvgPrice)
	}

	pos := b.Positions()["AAPL"]
	if pos.Qty != 10 {
		t.Errorf("Qty = %v, want 10", pos.Qty)
	}
	if pos.AvgPrice != 100.0 {
		t.Errorf("AvgPrice = %v, want 100", pos.AvgPrice)
	}
}

func TestSubmitUsesLastCloseAsReference(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	b.RecordBar(types.Bar{Symbol: "AAPL", Timestamp: time.Now(), Open: 50, High: 50, Low: 50, Close: 50, Volume: 1})

	fill, err := b.Submit(marketOrder("s1", types.BUY, 2))
	if err != nil {
		t.Fatal(err)
	}
	if fill.AvgPrice != 50.0 {
		t.Errorf("AvgPrice = %v, want last close 50", fill.AvgPrice)
	}
}

func TestSubmitWeightedAverageEntry(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	if _, err := b.Submit(marketOrder("s1", types.BUY, 10)); err != nil {
		t.Fatal(err)
	}
	b.RecordBar(types.Bar{Symbol: "AAPL", Close: 110, High: 110, Low: 110})
	if _, err := b.Submit(marketOrder("s2", types.BUY, 10)); err != nil {
		t.Fatal(err)
	}

	pos := b.Positions()["AAPL"]
	// avg = (100*10 + 110*10) / 20 = 105
	if math.Abs(pos.AvgPrice-105.0) > 1e-9 {
		t.Errorf("AvgPrice = %v, want 105", pos.AvgPrice)
	}
}

func TestSubmitSellRealizesPnL(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	if _, err := b.Submit(marketOrder("s1", types.BUY, 10)); err != nil {
		t.Fatal(err)
	}
	b.RecordBar(types.Bar{Symbol: "AAPL", Close: 110, High: 110, Low: 110})
	if _, err := b.Submit(marketOrder("s2", types.SELL, 4)); err != nil {
		t.Fatal(err)
	}

	sum := b.PerformanceSummary()
	// realized = (110 - 100) * 4 = 40
	if math.Abs(sum.RealizedPnL-40.0) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want 40", sum.RealizedPnL)
	}

	pos := b.Positions()["AAPL"]
	if pos.Qty != 6 {
		t.Errorf("Qty = %v, want 6 after partial close", pos.Qty)
	}
	if pos.AvgPrice != 100.0 {
		t.Errorf("AvgPrice = %v, want unchanged 100 after reduce", pos.AvgPrice)
	}
}

func TestSubmitShortRealizesPnLInverse(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	if _, err := b.Submit(marketOrder("s1", types.SELL, 10)); err != nil {
		t.Fatal(err)
	}
	b.RecordBar(types.Bar{Symbol: "AAPL", Close: 90, High: 90, Low: 90})
	if _, err := b.Submit(marketOrder("s2", types.BUY, 10)); err != nil {
		t.Fatal(err)
	}

	sum := b.PerformanceSummary()
	// short 10 @ 100, cover @ 90: realized = (90 - 100) * 10 * (-1) = 100
	if math.Abs(sum.RealizedPnL-100.0) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want 100", sum.RealizedPnL)
	}
	if _, open := b.Positions()["AAPL"]; open {
		t.Error("position should be flat after full cover")
	}
}

func TestSubmitFlipThroughZero(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	if _, err := b.Submit(marketOrder("s1", types.BUY, 5)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Submit(marketOrder("s2", types.SELL, 8)); err != nil {
		t.Fatal(err)
	}

	pos := b.Positions()["AAPL"]
	if pos.Qty != -3 {
		t.Errorf("Qty = %v, want -3 after flip", pos.Qty)
	}
	if pos.AvgPrice != 100.0 {
		t.Errorf("AvgPrice = %v, want fill price 100 for the flipped remainder", pos.AvgPrice)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	tests := []struct {
		name    string
		order   types.Order
		wantErr error
	}{
		{"empty symbol", types.Order{ClientID: "x", Side: types.BUY, Qty: 1, Type: types.OrderTypeMarket}, ErrInvalidSymbol},
		{"zero qty", types.Order{ClientID: "x", Symbol: "AAPL", Side: types.BUY, Qty: 0, Type: types.OrderTypeMarket}, ErrInvalidQty},
		{"bad side", types.Order{ClientID: "x", Symbol: "AAPL", Side: "HOLD", Qty: 1, Type: types.OrderTypeMarket}, ErrInvalidSide},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Submit(tt.order)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(b.Positions()) != 0 {
		t.Error("position book must not be mutated on error")
	}
}

func TestSubmitOrderIDCollision(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	if _, err := b.Submit(marketOrder("dup", types.BUY, 1)); err != nil {
		t.Fatal(err)
	}
	_, err := b.Submit(marketOrder("dup", types.BUY, 1))
	if !errors.Is(err, ErrOrderIDCollision) {
		t.Errorf("Submit() error = %v, want ErrOrderIDCollision", err)
	}

	if got := b.Positions()["AAPL"].Qty; got != 1 {
		t.Errorf("Qty = %v, want 1 (collision must not mutate book)", got)
	}
}

func TestSubmitLimitNotMarketable(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	order := marketOrder("s1", types.BUY, 1)
	order.Type = types.OrderTypeLimit
	order.LimitPrice = 90 // ref is 100, buy limit below ref does not cross

	_, err := b.Submit(order)
	if !errors.Is(err, ErrLimitNotFillable) {
		t.Errorf("Submit() error = %v, want ErrLimitNotFillable", err)
	}
}

func TestFeesBpsWithMinimum(t *testing.T) {
	t.Parallel()
	cfg := testBrokerConfig()
	cfg.FeeBps = 10 // 10 bps
	cfg.MinFee = 0.5
	b := New(cfg, 42, slog.Default())

	fill, err := b.Submit(marketOrder("s1", types.BUY, 10))
	if err != nil {
		t.Fatal(err)
	}
	// notional 1000 * 10bps = 1.0 > min 0.5
	if math.Abs(fill.Fees-1.0) > 1e-9 {
		t.Errorf("Fees = %v, want 1.0", fill.Fees)
	}

	small, err := b.Submit(marketOrder("s2", types.BUY, 1))
	if err != nil {
		t.Fatal(err)
	}
	// notional 100 * 10bps = 0.1 < min 0.5 → floor applies
	if math.Abs(small.Fees-0.5) > 1e-9 {
		t.Errorf("Fees = %v, want min fee 0.5", small.Fees)
	}
}

func TestPerformanceSummary(t *testing.T) {
	t.Parallel()
	b := newTestBroker()

	if _, err := b.Submit(marketOrder("s1", types.BUY, 10)); err != nil {
		t.Fatal(err)
	}
	b.RecordBar(types.Bar{Symbol: "AAPL", Close: 105, High: 105, Low: 105})

	sum := b.PerformanceSummary()
	// unrealized = (105 - 100) * 10 = 50
	if math.Abs(sum.UnrealizedPnL-50.0) > 1e-9 {
		t.Errorf("UnrealizedPnL = %v, want 50", sum.UnrealizedPnL)
	}
	if sum.NumPositions != 1 {
		t.Errorf("NumPositions = %v, want 1", sum.NumPositions)
	}
	if sum.NumFills != 1 {
		t.Errorf("NumFills = %v, want 1", sum.NumFills)
	}
	if math.Abs(sum.NetPnL-50.0) > 1e-9 {
		t.Errorf("NetPnL = %v, want 50 (no fees)", sum.NetPnL)
	}
}
