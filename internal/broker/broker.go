// Package broker simulates order execution against a configurable cost model.
//
// The broker owns the position book and the order store. Submit executes
// market orders immediately at a synthetic reference price adjusted by
// slippage and fees; limit orders fill only when the reference price
// satisfies the limit, subject to a configured fill probability. All state
// mutations happen atomically with the fill: on any error the position book
// is untouched and the caller gets the error back — the broker never silently
// drops an order.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/rand"

	"tradelab/internal/config"
	"tradelab/pkg/types"
)

// Sentinel errors returned by Submit. Callers branch on these.
var (
	ErrInvalidSymbol    = fmt.Errorf("invalid symbol")
	ErrInvalidQty       = fmt.Errorf("qty must be > 0")
	ErrInvalidSide      = fmt.Errorf("invalid side")
	ErrOrderIDCollision = fmt.Errorf("order id already submitted")
	ErrLimitNotFillable = fmt.Errorf("limit price not marketable")
)

// Summary aggregates broker performance from the position book and fills.
type Summary struct {
	NetPnL        float64 `json:"net_pnl"`
	TotalFees     float64 `json:"total_fees"`
	NumPositions  int     `json:"num_positions"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	NumFills      int     `json:"num_fills"`
}

// Broker is the simulated execution venue. Thread-safe via a single mutex:
// the broker serializes its own state mutations, so fills for one symbol are
// applied in the order Submit returns them.
type Broker struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu        sync.Mutex
	positions map[string]*types.Position
	orders    map[string]types.Order // client-id -> order, for collision detection
	fills     []types.Fill
	lastBars  map[string]types.Bar // latest bar per symbol, for ref price + spread
	classes   map[string]types.AssetClass

	realizedPnL float64
	totalFees   float64

	rng *rand.Rand
}

// New creates a paper broker. Seed fixes the slippage and limit-fill draws so
// test runs are reproducible.
func New(cfg config.BrokerConfig, seed uint64, logger *slog.Logger) *Broker {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Broker{
		cfg:       cfg,
		logger:    logger.With("component", "broker"),
		positions: make(map[string]*types.Position),
		orders:    make(map[string]types.Order),
		lastBars:  make(map[string]types.Bar),
		classes:   make(map[string]types.AssetClass),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// RecordBar updates the broker's view of a symbol's latest bar. The last
// close becomes the reference price; the high-low range drives the slippage
// scale.
func (b *Broker) RecordBar(bar types.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastBars[bar.Symbol] = bar
}

// SetInstrument registers an instrument's asset class for default pricing.
func (b *Broker) SetInstrument(inst types.Instrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.classes[inst.Symbol] = inst.Class
}

// ReferencePrice returns the synthetic reference price for a symbol: the last
// close when bars have been seen, otherwise the configured default for the
// symbol's asset class.
func (b *Broker) ReferencePrice(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refPriceLocked(symbol)
}

func (b *Broker) refPriceLocked(symbol string) float64 {
	if bar, ok := b.lastBars[symbol]; ok && bar.Close > 0 {
		return bar.Close
	}
	class := b.classes[symbol]
	if class == "" {
		class = types.AssetEquity
	}
	if p, ok := b.cfg.DefaultPrices[string(class)]; ok && p > 0 {
		return p
	}
	return 100.0
}

// Submit executes an order and returns the fill. Validation failures and
// unmarketable limits are errors; the position book is not mutated on error.
func (b *Broker) Submit(order types.Order) (types.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if order.Symbol == "" {
		return types.Fill{}, ErrInvalidSymbol
	}
	if order.Qty <= 0 {
		return types.Fill{}, ErrInvalidQty
	}
	if !order.Side.Valid() {
		return types.Fill{}, ErrInvalidSide
	}
	if _, ok := b.orders[order.ClientID]; ok {
		return types.Fill{}, fmt.Errorf("%w: %s", ErrOrderIDCollision, order.ClientID)
	}

	ref := b.refPriceLocked(order.Symbol)

	if order.Type == types.OrderTypeLimit {
		if order.LimitPrice <= 0 {
			return types.Fill{}, fmt.Errorf("limit order requires a positive limit price")
		}
		marketable := (order.Side == types.BUY && order.LimitPrice >= ref) ||
			(order.Side == types.SELL && order.LimitPrice <= ref)
		if !marketable || b.rng.Float64() > b.cfg.LimitFillProb {
			return types.Fill{}, fmt.Errorf("%w: limit %.4f vs ref %.4f", ErrLimitNotFillable, order.LimitPrice, ref)
		}
	}

	slipBps := b.drawSlippageBpsLocked(order.Symbol)
	price := applySlippage(ref, order.Side, slipBps)
	fees := b.computeFees(price, order.Qty)

	fill := types.Fill{
		OrderID:     order.ClientID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Qty:         order.Qty,
		AvgPrice:    price,
		Fees:        fees,
		SlippageBps: slipBps,
		FillTime:    time.Now().UTC(),
	}

	// Fill and book update are one atomic step under the lock.
	b.applyFillLocked(fill)
	b.orders[order.ClientID] = order
	b.fills = append(b.fills, fill)
	b.totalFees += fees

	return fill, nil
}

// drawSlippageBpsLocked samples slippage from a bounded distribution whose
// scale is proportional to the estimated bid-ask spread (half the high-low
// range of the last bar, in bps). Without bars it falls back to the
// configured constant, which is what tests rely on.
func (b *Broker) drawSlippageBpsLocked(symbol string) float64 {
	scale := b.cfg.SlippageBps
	if bar, ok := b.lastBars[symbol]; ok && bar.Close > 0 && bar.High > bar.Low {
		scale = (bar.High - bar.Low) / bar.Close * 10_000 / 2
	}
	if scale <= 0 {
		return 0
	}
	return b.rng.Float64() * scale
}

// applySlippage adjusts the reference price against the taker: buys pay up,
// sells receive less. The result is rounded to cents via decimal so fills
// never carry float dust into the position book.
func applySlippage(ref float64, side types.Side, slipBps float64) float64 {
	adj := decimal.NewFromFloat(ref).
		Mul(decimal.NewFromFloat(1 + side.Sign()*slipBps/10_000)).
		Round(2)
	f, _ := adj.Float64()
	return f
}

// computeFees charges basis points of notional with a per-fill minimum.
func (b *Broker) computeFees(price float64, qty int64) float64 {
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	fee := notional.Mul(decimal.NewFromFloat(b.cfg.FeeBps)).Div(decimal.NewFromInt(10_000))
	minFee := decimal.NewFromFloat(b.cfg.MinFee)
	if fee.LessThan(minFee) {
		fee = minFee
	}
	f, _ := fee.Round(4).Float64()
	return f
}

// applyFillLocked updates the signed position for a fill. Aggregating fills
// recalculate the average price weighted by quantity; closing fills realize
// PnL = (exit − avg entry) × closed qty for longs, inverse for shorts.
func (b *Broker) applyFillLocked(fill types.Fill) {
	pos, ok := b.positions[fill.Symbol]
	if !ok {
		pos = &types.Position{Symbol: fill.Symbol}
		b.positions[fill.Symbol] = pos
	}

	delta := fill.Qty
	if fill.Side == types.SELL {
		delta = -delta
	}

	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, delta):
		// Opening or extending: weighted average entry.
		total := pos.AvgPrice*absF(pos.Qty) + fill.AvgPrice*absF(delta)
		pos.Qty += delta
		if pos.Qty != 0 {
			pos.AvgPrice = total / absF(pos.Qty)
		}
	default:
		// Reducing or flipping.
		closed := min64(abs64(pos.Qty), abs64(delta))
		direction := float64(1)
		if pos.Qty < 0 {
			direction = -1
		}
		b.realizedPnL += (fill.AvgPrice - pos.AvgPrice) * float64(closed) * direction
		pos.Qty += delta
		if pos.Qty == 0 {
			pos.AvgPrice = 0
		} else if !sameSign(pos.Qty-delta, pos.Qty) {
			// Flipped through zero: remainder opens at the fill price.
			pos.AvgPrice = fill.AvgPrice
		}
	}
}

// Positions returns a read-only snapshot of the position book. Flat positions
// are omitted: qty 0 is equivalent to no position.
func (b *Broker) Positions() map[string]types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]types.Position, len(b.positions))
	for sym, pos := range b.positions {
		if pos.Qty == 0 {
			continue
		}
		out[sym] = *pos
	}
	return out
}

// RestorePositions replaces the position book from a snapshot. Fill
// history and PnL counters are not restored; a restarted lab starts its
// accounting fresh on top of the inherited book.
func (b *Broker) RestorePositions(positions []types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[string]*types.Position, len(positions))
	for _, pos := range positions {
		if pos.Qty == 0 {
			continue
		}
		copied := pos
		b.positions[pos.Symbol] = &copied
	}
}

// Fills returns a copy of the fill history.
func (b *Broker) Fills() []types.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Fill, len(b.fills))
	copy(out, b.fills)
	return out
}

// PerformanceSummary computes aggregate PnL from the position book and the
// fill history, marking open positions at the current reference price.
func (b *Broker) PerformanceSummary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	var unrealized float64
	numPositions := 0
	for sym, pos := range b.positions {
		if pos.Qty == 0 {
			continue
		}
		numPositions++
		mark := b.refPriceLocked(sym)
		unrealized += (mark - pos.AvgPrice) * float64(pos.Qty)
	}

	return Summary{
		NetPnL:        b.realizedPnL + unrealized - b.totalFees,
		TotalFees:     b.totalFees,
		NumPositions:  numPositions,
		RealizedPnL:   b.realizedPnL,
		UnrealizedPnL: unrealized,
		NumFills:      len(b.fills),
	}
}

func sameSign(a, b int64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absF(v int64) float64 { return float64(abs64(v)) }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
