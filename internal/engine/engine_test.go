package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"tradelab/internal/bandit"
	"tradelab/internal/broker"
	"tradelab/internal/config"
	"tradelab/internal/features"
	"tradelab/internal/guardrails"
	"tradelab/internal/theory"
	"tradelab/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testEngine(t *testing.T, cfg config.EngineConfig) *Engine {
	t.Helper()
	logger := testLogger()
	deps := Deps{
		Broker:   broker.New(config.BrokerConfig{FeeBps: 1, MinFee: 0.01}, 7, logger),
		Registry: theory.NewDefaultRegistry(logger),
		Bandit:   bandit.New(bandit.Config{Seed: 7}, logger),
		Guards:   guardrails.NewManager(guardrails.Config{}, logger),
		Pipeline: features.NewPipeline(500),
	}
	return New(cfg, deps, logger)
}

func testParams() types.RunParams {
	return types.RunParams{
		Universe:           []string{"AAPL"},
		Theories:           []string{"mean_reversion", "breakout"},
		HorizonsMin:        []int{5, 15},
		MaxConcurrency:     2,
		MaxTradesPerMinute: 100,
		MicrotradeNotional: 1000,
		MaxExposure:        5000,
		MaxOpenTrades:      10,
		MaxTradesPerSym:    5,
		Seed:               7,
	}
}

func testBar(symbol string, ts time.Time, close float64) types.Bar {
	return types.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      close,
		High:      close * 1.001,
		Low:       close * 0.999,
		Close:     close,
		Volume:    1000,
	}
}

func testSignal(symbol string) types.Signal {
	return types.Signal{
		ID:         "sig-1",
		TheoryID:   "breakout",
		Symbol:     symbol,
		Side:       types.BUY,
		Confidence: 0.8,
		HorizonMin: 5,
		CreatedAt:  time.Now(),
	}
}

// pinFillTime rewrites the pending fills onto a fixed clock so labeling
// can be driven deterministically against pipeline bar timestamps.
func pinFillTime(e *Engine, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.pending {
		e.pending[i].fill.FillTime = at
		e.pending[i].dueAt = at.Add(time.Duration(e.pending[i].signal.HorizonMin) * time.Minute)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

var errTest = errors.New("simulated feed failure")

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	cases := []struct {
		name   string
		mutate func(*types.RunParams)
	}{
		{"empty universe", func(p *types.RunParams) { p.Universe = nil }},
		{"no theories", func(p *types.RunParams) { p.Theories = nil }},
		{"unknown theory", func(p *types.RunParams) { p.Theories = []string{"astrology"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := testParams()
			tc.mutate(&params)
			if _, err := e.Start(params); err == nil {
				t.Fatalf("Start accepted invalid params")
			}
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	if got := e.Status().Status; got != types.RunInitializing {
		t.Fatalf("initial status = %v", got)
	}

	runID, err := e.Start(testParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runID == "" {
		t.Fatalf("empty run id")
	}
	if got := e.Status().Status; got != types.RunRunning {
		t.Fatalf("status after start = %v", got)
	}

	if _, err := e.Start(testParams()); err != ErrAlreadyRunning {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	summary := e.Stop()
	if summary.RunID != runID {
		t.Fatalf("summary run id = %q, want %q", summary.RunID, runID)
	}
	if got := e.Status().Status; got != types.RunStopped {
		t.Fatalf("status after stop = %v", got)
	}

	// A stopped engine can start a fresh run.
	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	e.Stop()
}

func TestSubmitSignalRejections(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	if res := e.SubmitSignal(testSignal("AAPL")); res.OK {
		t.Fatalf("signal accepted before start")
	}

	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	bad := testSignal("AAPL")
	bad.Side = "HOLD"
	if res := e.SubmitSignal(bad); res.OK {
		t.Fatalf("invalid side accepted")
	}

	outside := testSignal("AAPL")
	outside.TheoryID = "news_shock_guard"
	if res := e.SubmitSignal(outside); res.OK {
		t.Fatalf("signal from theory outside the run accepted")
	}
}

func TestSignalExecutesTrade(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})
	e.deps.Broker.RecordBar(testBar("AAPL", time.Now(), 100))

	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if res := e.SubmitSignal(testSignal("AAPL")); !res.OK {
		t.Fatalf("signal rejected: %s", res.Reason)
	}
	if !waitFor(t, 2*time.Second, func() bool { return e.Status().TradesExecuted == 1 }) {
		t.Fatalf("trade never executed: %+v", e.Status())
	}

	fills := e.deps.Broker.Fills()
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].OrderID != "sig-1" || fills[0].Side != types.BUY {
		t.Fatalf("unexpected fill %+v", fills[0])
	}
	// Microtrade of $1000 at ~$100 ref is about 10 shares.
	if fills[0].Qty < 5 || fills[0].Qty > 15 {
		t.Fatalf("fill qty = %d, want near 10", fills[0].Qty)
	}

	st := e.Status()
	if st.TheoryStats["breakout"].Trades != 1 {
		t.Fatalf("theory stats = %+v", st.TheoryStats)
	}
	if st.PendingLabels != 1 {
		t.Fatalf("pending labels = %d, want 1", st.PendingLabels)
	}
}

func TestExposureCapHolds(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})
	e.deps.Broker.RecordBar(testBar("AAPL", time.Now(), 100))

	params := testParams()
	params.MicrotradeNotional = 1000
	params.MaxExposure = 2500
	if _, err := e.Start(params); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	for i := 0; i < 6; i++ {
		sig := testSignal("AAPL")
		sig.ID = "sig-" + string(rune('a'+i))
		e.SubmitSignal(sig)
	}
	waitFor(t, 2*time.Second, func() bool {
		st := e.Status()
		return st.TradesExecuted+st.GuardrailBlocks >= 6 && st.QueueDepth == 0
	})

	for sym, exp := range e.Exposure() {
		if abs(exp) > params.MaxExposure*1.01 {
			t.Fatalf("exposure for %s = %.2f exceeds cap %.2f", sym, exp, params.MaxExposure)
		}
	}
	if e.Status().GuardrailBlocks == 0 {
		t.Fatalf("expected at least one exposure block")
	}
}

func TestRateLimitStrict(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})
	e.deps.Broker.RecordBar(testBar("AAPL", time.Now(), 100))

	params := testParams()
	params.MaxTradesPerMinute = 1
	if _, err := e.Start(params); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		sig := testSignal("AAPL")
		sig.ID = "sig-" + string(rune('a'+i))
		e.SubmitSignal(sig)
	}
	waitFor(t, time.Second, func() bool { return e.Status().TradesExecuted >= 1 })
	time.Sleep(100 * time.Millisecond)

	if got := e.Status().TradesExecuted; got != 1 {
		t.Fatalf("executed %d trades inside the window, want 1", got)
	}
	// Stop drains the queue; throttled requests are dropped, not executed.
	e.Stop()
	if got := len(e.deps.Broker.Fills()); got != 1 {
		t.Fatalf("fills after stop = %d, want 1", got)
	}
}

func TestLabelingChain(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.deps.Broker.RecordBar(testBar("AAPL", base, 100))
	e.deps.Pipeline.AddBar(testBar("AAPL", base, 100))

	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sig := testSignal("AAPL")
	sig.HorizonMin = 5
	e.SubmitSignal(sig)
	if !waitFor(t, 2*time.Second, func() bool { return e.Status().TradesExecuted == 1 }) {
		t.Fatalf("trade never executed")
	}
	pinFillTime(e, base)

	// Price drifts up over the horizon, so the buy labels as a winner.
	for i := 1; i <= 7; i++ {
		bar := testBar("AAPL", base.Add(time.Duration(i)*time.Minute), 100+float64(i)*0.2)
		e.deps.Pipeline.AddBar(bar)
	}
	e.sweepLabels(base.Add(10 * time.Minute))

	if got := e.Status().PendingLabels; got != 0 {
		t.Fatalf("pending labels = %d, want 0", got)
	}
	arms := e.deps.Bandit.State()
	var arm *bandit.Arm
	for i := range arms {
		if arms[i].TheoryID == "breakout" {
			arm = &arms[i]
		}
	}
	if arm == nil || arm.TotalTrades != 1 {
		t.Fatalf("bandit never updated: %+v", arms)
	}
	if arm.WinningTrades != 1 {
		t.Fatalf("winning trades = %d, want 1 (pnl %.1f bps)", arm.WinningTrades, arm.TotalPnLBps)
	}
	e.Stop()
}

func TestLabelWaitsForForwardBars(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.deps.Broker.RecordBar(testBar("AAPL", base, 100))
	e.deps.Pipeline.AddBar(testBar("AAPL", base, 100))

	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.SubmitSignal(testSignal("AAPL"))
	if !waitFor(t, 2*time.Second, func() bool { return e.Status().TradesExecuted == 1 }) {
		t.Fatalf("trade never executed")
	}
	pinFillTime(e, base)

	// Horizon has passed on the clock but the forward bars are missing, so
	// the label stays pending.
	e.sweepLabels(base.Add(10 * time.Minute))
	if got := e.Status().PendingLabels; got != 1 {
		t.Fatalf("pending labels = %d, want 1", got)
	}
}

func TestProcessBarFeedsPipeline(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		e.ProcessBar(testBar("AAPL", base.Add(time.Duration(i)*time.Minute), 100+float64(i)*0.1))
	}

	if _, ok := e.deps.Pipeline.LastBar("AAPL"); !ok {
		t.Fatalf("pipeline never saw the bars")
	}
	if ref := e.deps.Broker.ReferencePrice("AAPL"); ref < 102 || ref > 103.5 {
		t.Fatalf("reference price = %.2f", ref)
	}
}

func TestProcessBarAllocatesWhileRunning(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		e.ProcessBar(testBar("AAPL", base.Add(time.Duration(i)*time.Minute), 100))
	}

	alloc := e.LastAllocation()
	if len(alloc.Weights) != 2 {
		t.Fatalf("allocation weights = %v", alloc.Weights)
	}
	sum := 0.0
	for _, w := range alloc.Weights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("weights sum to %.4f", sum)
	}
}

func TestFailEntersErrorState(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})

	if _, err := e.Start(testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Fail(errTest)

	st := e.Status()
	if st.Status != types.RunError {
		t.Fatalf("status = %v, want error", st.Status)
	}
	if st.LastError == "" {
		t.Fatalf("last error not recorded")
	}

	summary := e.Stop()
	if summary.LastError == "" {
		t.Fatalf("summary lost the error")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	e := testEngine(t, config.EngineConfig{})
	e.deps.Broker.RecordBar(testBar("AAPL", time.Now(), 100))

	params := testParams()
	if _, err := e.Start(params); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.SubmitSignal(testSignal("AAPL"))
	waitFor(t, 2*time.Second, func() bool { return e.Status().TradesExecuted == 1 })
	e.Stop()

	raw, err := e.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	blob := mustJSON(t, raw)

	restored := testEngine(t, config.EngineConfig{})
	if err := restored.SetState(blob); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if got := restored.RestoredParams().MicrotradeNotional; got != params.MicrotradeNotional {
		t.Fatalf("restored notional = %v", got)
	}
	pos := restored.deps.Broker.Positions()
	if len(pos) != 1 || pos["AAPL"].Qty <= 0 {
		t.Fatalf("positions not restored: %+v", pos)
	}
}

func TestReserveExposurePartialSizing(t *testing.T) {
	t.Parallel()

	e := testEngine(t, config.EngineConfig{})
	params := testParams()
	params.MaxExposure = 300
	sig := testSignal("AAPL")

	// Full headroom: whole shares of the desired notional.
	qty, ok := e.reserveExposure(sig, 250, 100, params)
	if !ok || qty != 2 {
		t.Fatalf("first reservation = %d shares (ok %v), want 2", qty, ok)
	}
	// 100 of headroom left: the desired 250 clamps down to one share.
	qty, ok = e.reserveExposure(sig, 250, 100, params)
	if !ok || qty != 1 {
		t.Fatalf("clamped reservation = %d shares (ok %v), want 1", qty, ok)
	}
	// Exhausted capacity drops the signal and counts as a block.
	if _, ok := e.reserveExposure(sig, 250, 100, params); ok {
		t.Fatal("reservation with no headroom accepted")
	}
	if e.guardrailBlocks.Load() == 0 {
		t.Error("exhausted capacity not counted as a block")
	}
}

func TestReserveExposureMinimumOneShare(t *testing.T) {
	t.Parallel()

	e := testEngine(t, config.EngineConfig{})
	params := testParams()
	params.MaxExposure = 1000

	// A notional below one share's price still trades a single share when
	// the cap has room for it.
	qty, ok := e.reserveExposure(testSignal("AAPL"), 25, 100, params)
	if !ok || qty != 1 {
		t.Fatalf("sub-share notional = %d shares (ok %v), want 1", qty, ok)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	l := newRateLimiter(2, time.Minute)

	if !l.Allow(now) || !l.Allow(now.Add(time.Second)) {
		t.Fatalf("first two allows rejected")
	}
	if l.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("third allow inside window accepted")
	}
	// An event exactly window-old still occupies its slot.
	if l.Allow(now.Add(60 * time.Second)) {
		t.Fatalf("allow at the window boundary accepted")
	}
	// Rejected attempts are not recorded, so the slot frees exactly when
	// the first event leaves the window.
	if !l.Allow(now.Add(61 * time.Second)) {
		t.Fatalf("allow after window rejected")
	}
	if got := l.Count(now.Add(61 * time.Second)); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}
