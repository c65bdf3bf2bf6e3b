package engine

import (
	"context"
	"sort"
	"time"

	"tradelab/internal/guardrails"
	"tradelab/internal/learner"
	"tradelab/internal/quality"
	"tradelab/pkg/types"
)

// rateBackoffBase is the wait before re-checking the per-minute trade
// limiter; a jitter of the same magnitude is added on top so queued
// executors do not thunder in lockstep.
const rateBackoffBase = 200 * time.Millisecond

// labelGrace is how long past its due time a pending label is kept while
// waiting for horizon bars before it is abandoned.
const labelGrace = 24 * time.Hour

// ————————————————————————————————————————————————————————————————————————
// Signal processor
// ————————————————————————————————————————————————————————————————————————

// signalProcessor sizes accepted signals into trade requests and runs them
// through the guardrails. On shutdown it drains whatever is queued.
func (e *Engine) signalProcessor() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			for {
				select {
				case sig := <-e.signalQ:
					e.handleSignal(sig)
				default:
					return
				}
			}
		case sig := <-e.signalQ:
			e.handleSignal(sig)
		}
	}
}

// handleSignal turns one signal into a queued trade request, or drops it.
// Exposure is reserved here, before execution, so that concurrent signals
// cannot jointly breach the per-symbol cap; the reservation is trued up or
// released by the executor.
func (e *Engine) handleSignal(sig types.Signal) {
	refPrice := e.deps.Broker.ReferencePrice(sig.Symbol)
	if refPrice <= 0 {
		e.logger.Debug("signal dropped, no reference price", "symbol", sig.Symbol, "signal", sig.ID)
		return
	}

	e.mu.Lock()
	params := e.params
	alloc := e.lastAlloc
	regime := string(e.regimes[sig.Symbol])
	e.mu.Unlock()

	notional := params.MicrotradeNotional
	if w, ok := alloc.Weights[sig.TheoryID]; ok {
		notional *= w / maxWeight(alloc.Weights)
	}
	notional *= e.deps.Registry.RiskMultiplier(sig.TheoryID, sig.Features)

	qty, ok := e.reserveExposure(sig, notional, refPrice, params)
	if !ok {
		return
	}
	signedQty := qty
	if sig.Side == types.SELL {
		signedQty = -qty
	}

	check := e.deps.Guards.CheckTrade(sig.Symbol, signedQty, refPrice, regime)
	if !check.Allowed {
		e.releaseExposure(sig.Symbol, sig.Side, qty, refPrice)
		e.guardrailBlocks.Add(1)
		e.logger.Warn("trade blocked by guardrails",
			"signal", sig.ID, "theory", sig.TheoryID,
			"symbol", sig.Symbol, "violations", check.Violations)
		e.publish(ChannelAlerts, map[string]any{
			"type":       "guardrail_block",
			"signal_id":  sig.ID,
			"theory_id":  sig.TheoryID,
			"symbol":     sig.Symbol,
			"violations": check.Violations,
		})
		return
	}

	req := types.TradeRequest{
		Signal:     sig,
		Notional:   float64(qty) * refPrice,
		Qty:        qty,
		RefPrice:   refPrice,
		EnqueuedAt: time.Now(),
	}
	select {
	case e.tradeQ <- req:
	default:
		e.releaseExposure(sig.Symbol, sig.Side, qty, refPrice)
		e.signalsDropped.Add(1)
		e.logger.Warn("trade queue full, signal dropped", "signal", sig.ID)
	}
}

// reserveExposure sizes and books the signal against the open trade caps
// and the per-symbol exposure cap under one lock hold. The desired notional
// is clamped to the symbol's remaining headroom in the trade's direction,
// so a nearly full cap still admits a smaller trade; only exhausted
// capacity drops the signal. With integer shares the smallest admissible
// trade is one share. Returns the reserved quantity.
func (e *Engine) reserveExposure(sig types.Signal, notional, refPrice float64, params types.RunParams) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	totalOpen := 0
	for _, n := range e.openOrders {
		totalOpen += n
	}
	if totalOpen >= params.MaxOpenTrades {
		e.logger.Debug("signal dropped, open trade cap", "signal", sig.ID, "open", totalOpen)
		return 0, false
	}
	if e.openOrders[sig.Symbol] >= params.MaxTradesPerSym {
		e.logger.Debug("signal dropped, per-symbol trade cap", "signal", sig.ID, "symbol", sig.Symbol)
		return 0, false
	}

	sign := sig.Side.Sign()
	remaining := params.MaxExposure - sign*e.exposure[sig.Symbol]
	if notional > remaining {
		notional = remaining
	}
	qty := int64(notional / refPrice)
	if qty <= 0 && notional > 0 && refPrice <= remaining {
		qty = 1
	}
	if qty <= 0 {
		e.guardrailBlocks.Add(1)
		e.logger.Warn("signal dropped, exposure cap",
			"signal", sig.ID, "symbol", sig.Symbol,
			"current", e.exposure[sig.Symbol], "cap", params.MaxExposure)
		return 0, false
	}

	e.exposure[sig.Symbol] += sign * float64(qty) * refPrice
	e.openOrders[sig.Symbol]++
	return qty, true
}

// releaseExposure undoes a reservation that never executed.
func (e *Engine) releaseExposure(symbol string, side types.Side, qty int64, refPrice float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exposure[symbol] -= side.Sign() * float64(qty) * refPrice
	e.openOrders[symbol]--
}

// ————————————————————————————————————————————————————————————————————————
// Trade executor
// ————————————————————————————————————————————————————————————————————————

// tradeExecutor submits queued trade requests to the paper broker, honoring
// the rolling per-minute rate cap and the concurrency semaphore. On shutdown
// it waits for the processor to finish draining signals, then drains the
// trade queue itself.
func (e *Engine) tradeExecutor() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.drainTrades()
			return
		case req := <-e.tradeQ:
			e.executeWithLimits(req)
		}
	}
}

// executeWithLimits blocks until the rate limiter admits the trade, then
// dispatches it on a semaphore permit.
func (e *Engine) executeWithLimits(req types.TradeRequest) {
	for !e.limiter.Allow(time.Now()) {
		select {
		case <-e.ctx.Done():
			// Shutdown while throttled: the drain pass picks this up.
			e.releaseExposure(req.Signal.Symbol, req.Signal.Side, req.Qty, req.RefPrice)
			e.signalsDropped.Add(1)
			return
		case <-time.After(e.jitter(rateBackoffBase, rateBackoffBase)):
		}
	}

	if err := e.sem.Acquire(context.Background(), 1); err != nil {
		e.releaseExposure(req.Signal.Symbol, req.Signal.Side, req.Qty, req.RefPrice)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.executeTrade(req)
	}()
}

// drainTrades flushes the remaining queue at shutdown. The rate cap still
// applies; requests it cannot admit are released and counted as dropped.
func (e *Engine) drainTrades() {
	for {
		select {
		case req := <-e.tradeQ:
			if !e.limiter.Allow(time.Now()) {
				e.releaseExposure(req.Signal.Symbol, req.Signal.Side, req.Qty, req.RefPrice)
				e.signalsDropped.Add(1)
				continue
			}
			e.executeTrade(req)
		default:
			return
		}
	}
}

// executeTrade submits one order and records the outcome: exposure true-up,
// per-theory stats, execution quality, the learner's prediction, and the
// pending label for the janitor.
func (e *Engine) executeTrade(req types.TradeRequest) {
	sig := req.Signal
	order := types.Order{
		ClientID: sig.ID,
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Qty:      req.Qty,
		Type:     types.OrderTypeMarket,
	}

	fill, err := e.deps.Broker.Submit(order)
	if err != nil {
		e.releaseExposure(sig.Symbol, sig.Side, req.Qty, req.RefPrice)
		e.submitErrors.Add(1)
		e.logger.Error("order submit failed", "signal", sig.ID, "symbol", sig.Symbol, "error", err)
		return
	}

	pUp := 0.5
	if e.deps.Learner != nil && sig.Features != nil {
		pUp = e.deps.Learner.Predict(sig.Features.Values).Probability
	}

	e.mu.Lock()
	// True up the reservation from the estimated to the executed notional.
	e.exposure[sig.Symbol] += sig.Side.Sign() * (fill.Notional() - float64(req.Qty)*req.RefPrice)
	e.openOrders[sig.Symbol]--
	if st, ok := e.theoryStats[sig.TheoryID]; ok {
		st.Trades++
		st.Notional += fill.Notional()
		st.Fees += fill.Fees
	}
	e.pending = append(e.pending, pendingLabel{
		signal: sig,
		fill:   fill,
		pUp:    pUp,
		dueAt:  fill.FillTime.Add(time.Duration(sig.HorizonMin) * time.Minute),
	})
	e.mu.Unlock()

	e.tradesExecuted.Add(1)
	e.deps.Guards.RecordTradeExecution(sig.Symbol, fill.Notional(), fill.FillTime)

	if e.deps.Quality != nil {
		e.deps.Quality.RecordExecution(quality.ExecutionInput{
			OrderID:   fill.OrderID,
			Venue:     paperVenue,
			Symbol:    fill.Symbol,
			Side:      fill.Side,
			Qty:       fill.Qty,
			FillPrice: fill.AvgPrice,
			SubmitMid: req.RefPrice,
			FillMid:   e.deps.Broker.ReferencePrice(fill.Symbol),
			FillTime:  fill.FillTime,
		})
	}

	e.publish(ChannelTrades, map[string]any{
		"signal_id": sig.ID,
		"theory_id": sig.TheoryID,
		"fill":      fill,
		"p_up":      pUp,
	})
	e.logger.Info("trade executed",
		"signal", sig.ID, "theory", sig.TheoryID, "symbol", fill.Symbol,
		"side", fill.Side, "qty", fill.Qty, "price", fill.AvgPrice, "fees", fill.Fees)
}

// ————————————————————————————————————————————————————————————————————————
// Stats updater
// ————————————————————————————————————————————————————————————————————————

// statsUpdater periodically feeds the portfolio view to the guardrails and
// publishes run stats to the hub.
func (e *Engine) statsUpdater() {
	defer e.wg.Done()

	interval := e.cfg.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.updateStats(time.Now())
		}
	}
}

func (e *Engine) updateStats(now time.Time) {
	summary := e.deps.Broker.PerformanceSummary()
	equity := equityBase + summary.NetPnL

	e.mu.Lock()
	gross := 0.0
	for _, v := range e.exposure {
		gross += abs(v)
	}
	inFlight := 0
	for _, n := range e.openOrders {
		inFlight += n
	}
	e.mu.Unlock()

	e.deps.Guards.UpdateRiskMetrics(guardrails.RiskMetrics{
		Equity:         equity,
		Cash:           equity - gross,
		GrossExposure:  gross,
		InFlightOrders: inFlight,
	}, now)

	e.publish(ChannelStats, e.Status())
}

// ————————————————————————————————————————————————————————————————————————
// Janitor
// ————————————————————————————————————————————————————————————————————————

// janitor matures pending labels: once a fill's horizon has passed and the
// pipeline holds the forward bars, it labels the trade, trains the learner,
// updates the bandit, and appends the durable event.
func (e *Engine) janitor() {
	defer e.wg.Done()

	interval := e.cfg.JanitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			// One final sweep so short test runs still label what matured.
			e.sweepLabels(time.Now())
			return
		case <-ticker.C:
			e.sweepLabels(time.Now())
		}
	}
}

// sweepLabels processes due pending labels and keeps the rest.
func (e *Engine) sweepLabels(now time.Time) {
	e.mu.Lock()
	horizons := e.params.HorizonsMin
	due := make([]pendingLabel, 0)
	keep := e.pending[:0]
	for _, p := range e.pending {
		if now.Before(p.dueAt) {
			keep = append(keep, p)
			continue
		}
		due = append(due, p)
	}
	e.pending = keep
	e.mu.Unlock()

	for _, p := range due {
		if !e.labelTrade(p, horizons, now) && now.Before(p.dueAt.Add(labelGrace)) {
			e.mu.Lock()
			e.pending = append(e.pending, p)
			e.mu.Unlock()
		}
	}
}

// labelTrade scores one matured fill. Returns false when the forward bars
// are not yet available so the caller can retry.
func (e *Engine) labelTrade(p pendingLabel, horizons []int, now time.Time) bool {
	ls := e.deps.Pipeline.LabelFill(p.fill, horizons, 0)
	if ls == nil {
		return false
	}
	label, ok := ls.Labels[p.signal.HorizonMin]
	if !ok {
		return false
	}

	returnBps := label.Return * 10_000
	feesBps := 0.0
	if n := p.fill.Notional(); n > 0 {
		feesBps = p.fill.Fees / n * 10_000
	}
	netBps := returnBps - feesBps

	e.deps.Bandit.UpdatePerformance(p.signal.TheoryID, returnBps, feesBps, netBps > 0, now)

	var weights []types.FeatureWeight
	if e.deps.Learner != nil && p.signal.Features != nil {
		target := 0.0
		if label.Direction == types.DirectionUp {
			target = 1.0
		}
		e.deps.Learner.PartialFit([]learner.Sample{{
			Features: p.signal.Features.Values,
			Target:   target,
			Weight:   1,
		}})
		weights = topWeights(e.deps.Learner.Explain(p.signal.Features.Values).Importance, 10)
	}

	ev := types.LabeledTrade{
		SignalID:   p.signal.ID,
		TheoryID:   p.signal.TheoryID,
		Symbol:     p.fill.Symbol,
		Side:       p.fill.Side,
		PUp:        p.pUp,
		Outcome:    label.Direction,
		ReturnBps:  returnBps,
		FeesBps:    feesBps,
		Weights:    weights,
		LabeledAt:  now,
		ExecutedAt: p.fill.FillTime,
	}
	if e.deps.Events != nil {
		if err := e.deps.Events.Append(context.Background(), ev); err != nil {
			e.logger.Error("event log append failed", "signal", p.signal.ID, "error", err)
		}
	}
	e.publish(ChannelLabels, ev)
	e.logger.Info("trade labeled",
		"signal", p.signal.ID, "theory", p.signal.TheoryID,
		"outcome", label.Direction, "return_bps", returnBps, "net_bps", netBps)
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func maxWeight(weights map[string]float64) float64 {
	max := 0.0
	for _, w := range weights {
		if w > max {
			max = w
		}
	}
	if max <= 0 {
		return 1
	}
	return max
}

// topWeights converts an importance map into the event log's sorted
// weight-list form, keeping the n heaviest features.
func topWeights(importance map[string]float64, n int) []types.FeatureWeight {
	out := make([]types.FeatureWeight, 0, len(importance))
	for name, w := range importance {
		out = append(out, types.FeatureWeight{Name: name, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if abs(out[i].Weight) != abs(out[j].Weight) {
			return abs(out[i].Weight) > abs(out[j].Weight)
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
