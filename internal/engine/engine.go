// Package engine is the orchestration core of the lab. It turns bars into
// features, features into theory signals, signals into sized micro-trade
// requests, and requests into simulated fills, under the concurrency, rate,
// and exposure limits of the active run.
//
// Run lifecycle:
//
//	initializing → running → stopping → stopped
//	running/stopping → error → stopped
//
// Stopping rejects new signals but drains in-flight work before the run
// summary is produced.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/semaphore"

	"tradelab/internal/bandit"
	"tradelab/internal/broker"
	"tradelab/internal/config"
	"tradelab/internal/eventlog"
	"tradelab/internal/features"
	"tradelab/internal/guardrails"
	"tradelab/internal/hub"
	"tradelab/internal/learner"
	"tradelab/internal/quality"
	"tradelab/internal/theory"
	"tradelab/pkg/types"
)

var (
	ErrAlreadyRunning = errors.New("engine: run already active")
	ErrNotRunning     = errors.New("engine: no active run")
)

// equityBase is the paper account's starting equity in dollars.
const equityBase = 100_000.0

// paperVenue names the simulated venue in execution-quality records.
const paperVenue = "paper"

// backpressureRatio is the hub queue fill level above which the engine
// skips publishing a tick instead of enqueueing it.
const backpressureRatio = 0.8

// Hub channels the engine publishes on.
const (
	ChannelBars   = "bars"
	ChannelTrades = "trades"
	ChannelStats  = "stats"
	ChannelLabels = "labels"
	ChannelAlerts = "alerts"
)

// Deps wires the engine to its collaborators. Quality, Learner, Hub, and
// Events are optional; a nil field disables that integration.
type Deps struct {
	Broker   *broker.Broker
	Registry *theory.Registry
	Bandit   *bandit.Allocator
	Guards   *guardrails.Manager
	Pipeline *features.Pipeline
	Quality  *quality.Tracker
	Learner  *learner.Learner
	Hub      *hub.Hub
	Events   *eventlog.Log
}

// TheoryStats are the per-theory execution counters of one run.
type TheoryStats struct {
	Signals  int64   `json:"signals"`
	Trades   int64   `json:"trades"`
	Notional float64 `json:"notional"`
	Fees     float64 `json:"fees"`
}

// Status is the observable engine state.
type Status struct {
	Status          types.RunStatus        `json:"status"`
	RunID           string                 `json:"run_id,omitempty"`
	UptimeSeconds   float64                `json:"uptime_seconds"`
	QueueDepth      int                    `json:"queue_depth"`
	TradeQueueDepth int                    `json:"trade_queue_depth"`
	SignalsAccepted int64                  `json:"signals_accepted"`
	SignalsDropped  int64                  `json:"signals_dropped"`
	TradesExecuted  int64                  `json:"trades_executed"`
	GuardrailBlocks int64                  `json:"guardrail_blocks"`
	SubmitErrors    int64                  `json:"submit_errors"`
	TradesLastMin   int                    `json:"trades_last_minute"`
	OpenPositions   int                    `json:"open_positions"`
	PendingLabels   int                    `json:"pending_labels"`
	LastError       string                 `json:"last_error,omitempty"`
	Equity          float64                `json:"equity"`
	TheoryStats     map[string]TheoryStats `json:"theory_stats"`
}

// RunSummary is produced by Stop.
type RunSummary struct {
	RunID          string                 `json:"run_id"`
	StartedAt      time.Time              `json:"started_at"`
	StoppedAt      time.Time              `json:"stopped_at"`
	SignalsDropped int64                  `json:"signals_dropped"`
	TradesExecuted int64                  `json:"trades_executed"`
	TheoryStats    map[string]TheoryStats `json:"theory_stats"`
	Broker         broker.Summary         `json:"broker"`
	LastError      string                 `json:"last_error,omitempty"`
}

// pendingLabel is a fill waiting for its primary horizon to mature.
type pendingLabel struct {
	signal types.Signal
	fill   types.Fill
	pUp    float64
	dueAt  time.Time
}

// Engine owns the run state machine and the background workers.
type Engine struct {
	cfg    config.EngineConfig
	logger *slog.Logger
	deps   Deps

	mu          sync.Mutex
	status      types.RunStatus
	runID       string
	params      types.RunParams
	startedAt   time.Time
	lastError   string
	exposure    map[string]float64
	openOrders  map[string]int // per-symbol outstanding submissions
	theoryStats map[string]*TheoryStats
	pending     []pendingLabel
	regimes     map[string]types.VolRegime
	lastAlloc   bandit.Allocation
	activeSet   map[string]bool // theory IDs of the active run

	signalQ chan types.Signal
	tradeQ  chan types.TradeRequest
	sem     *semaphore.Weighted
	limiter *rateLimiter

	signalsAccepted atomic.Int64
	signalsDropped  atomic.Int64
	tradesExecuted  atomic.Int64
	guardrailBlocks atomic.Int64
	submitErrors    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rng    *rand.Rand
	rngMu  sync.Mutex
}

func New(cfg config.EngineConfig, deps Deps, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		deps:        deps,
		status:      types.RunInitializing,
		exposure:    make(map[string]float64),
		openOrders:  make(map[string]int),
		theoryStats: make(map[string]*TheoryStats),
		regimes:     make(map[string]types.VolRegime),
		activeSet:   make(map[string]bool),
		rng:         rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

// applyDefaults fills zero run-param fields from the engine config.
func (e *Engine) applyDefaults(p *types.RunParams) {
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = e.cfg.MaxConcurrency
	}
	if p.MaxTradesPerMinute <= 0 {
		p.MaxTradesPerMinute = e.cfg.MaxTradesPerMinute
	}
	if p.MicrotradeNotional <= 0 {
		p.MicrotradeNotional = e.cfg.MicrotradeNotional
	}
	if p.MaxExposure <= 0 {
		p.MaxExposure = e.cfg.MaxExposure
	}
	if p.MaxOpenTrades <= 0 {
		p.MaxOpenTrades = e.cfg.MaxOpenTrades
	}
	if p.MaxTradesPerSym <= 0 {
		p.MaxTradesPerSym = e.cfg.MaxTradesPerSym
	}
	if len(p.HorizonsMin) == 0 {
		p.HorizonsMin = append([]int(nil), features.DefaultHorizons...)
	}
}

func validateParams(p types.RunParams) error {
	if len(p.Universe) == 0 {
		return fmt.Errorf("run params: empty universe")
	}
	if len(p.Theories) == 0 {
		return fmt.Errorf("run params: no theories selected")
	}
	if p.MaxConcurrency <= 0 || p.MaxTradesPerMinute <= 0 ||
		p.MicrotradeNotional <= 0 || p.MaxExposure <= 0 {
		return fmt.Errorf("run params: throughput and exposure limits must be positive")
	}
	return nil
}

// Start validates the run parameters, resets the per-run state, and launches
// the background workers. Returns the run ID.
func (e *Engine) Start(params types.RunParams) (string, error) {
	e.applyDefaults(&params)
	if err := validateParams(params); err != nil {
		return "", err
	}
	for _, id := range params.Theories {
		if _, err := e.deps.Registry.Get(id); err != nil {
			return "", fmt.Errorf("run params: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == types.RunRunning || e.status == types.RunStopping {
		return "", ErrAlreadyRunning
	}

	queueSize := e.cfg.SignalQueueSize
	if queueSize <= 0 {
		queueSize = 10_000
	}

	e.params = params
	e.runID = uuid.NewString()
	e.startedAt = time.Now()
	e.lastError = ""
	e.signalQ = make(chan types.Signal, queueSize)
	e.tradeQ = make(chan types.TradeRequest, queueSize)
	e.sem = semaphore.NewWeighted(params.MaxConcurrency)
	e.limiter = newRateLimiter(params.MaxTradesPerMinute, time.Minute)
	e.openOrders = make(map[string]int)
	e.theoryStats = make(map[string]*TheoryStats, len(params.Theories))
	e.activeSet = make(map[string]bool, len(params.Theories))
	e.pending = nil
	for _, id := range params.Theories {
		e.theoryStats[id] = &TheoryStats{}
		e.activeSet[id] = true
		e.deps.Bandit.AddTheory(id)
	}
	if params.Seed != 0 {
		e.rng = rand.New(rand.NewSource(params.Seed))
	}
	e.signalsAccepted.Store(0)
	e.signalsDropped.Store(0)
	e.tradesExecuted.Store(0)
	e.guardrailBlocks.Store(0)
	e.submitErrors.Store(0)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.status = types.RunRunning

	e.wg.Add(4)
	go e.signalProcessor()
	go e.tradeExecutor()
	go e.statsUpdater()
	go e.janitor()

	e.logger.Info("run started",
		"run_id", e.runID,
		"universe", len(params.Universe),
		"theories", params.Theories,
		"max_concurrency", params.MaxConcurrency,
		"max_trades_per_minute", params.MaxTradesPerMinute)
	return e.runID, nil
}

// SubmitSignal enqueues one signal. Rejected when the run is not in the
// running state, the theory is not part of the run, or the queue is full.
// A full queue drops the newest signal.
func (e *Engine) SubmitSignal(sig types.Signal) types.OpResult {
	if !sig.Side.Valid() {
		return types.Rejected("invalid side")
	}
	if sig.Symbol == "" {
		return types.Rejected("missing symbol")
	}

	e.mu.Lock()
	running := e.status == types.RunRunning
	active := e.activeSet[sig.TheoryID]
	q := e.signalQ
	e.mu.Unlock()

	if !running || q == nil {
		return types.Rejected("engine not running")
	}
	if !active {
		return types.Rejected("theory not in active run")
	}
	select {
	case q <- sig:
		e.signalsAccepted.Add(1)
		return types.Accepted()
	default:
		e.signalsDropped.Add(1)
		return types.Rejected("signal queue full")
	}
}

// Fail transitions the run to the error state. Workers stay up so that Stop
// can still drain and summarize.
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != types.RunRunning && e.status != types.RunStopping {
		return
	}
	e.status = types.RunError
	e.lastError = err.Error()
	e.logger.Error("run entered error state", "run_id", e.runID, "error", err)
}

// Stop drains in-flight work and produces the run summary. Safe to call from
// the running or error states; calling it on a stopped engine just re-reads
// the last summary inputs.
func (e *Engine) Stop() RunSummary {
	e.mu.Lock()
	if e.status == types.RunRunning || e.status == types.RunError {
		e.status = types.RunStopping
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.wg.Wait()
		// The processor's drain may have queued requests after the executor
		// exited; flush them here, single-threaded.
		e.drainTrades()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.status = types.RunStopped
	summary := RunSummary{
		RunID:          e.runID,
		StartedAt:      e.startedAt,
		StoppedAt:      time.Now(),
		SignalsDropped: e.signalsDropped.Load(),
		TradesExecuted: e.tradesExecuted.Load(),
		TheoryStats:    e.theoryStatsCopyLocked(),
		Broker:         e.deps.Broker.PerformanceSummary(),
		LastError:      e.lastError,
	}
	e.logger.Info("run stopped",
		"run_id", summary.RunID,
		"trades", summary.TradesExecuted,
		"net_pnl", summary.Broker.NetPnL)
	return summary
}

func (e *Engine) theoryStatsCopyLocked() map[string]TheoryStats {
	out := make(map[string]TheoryStats, len(e.theoryStats))
	for id, st := range e.theoryStats {
		out[id] = *st
	}
	return out
}

// Status reports the observable run state.
func (e *Engine) Status() Status {
	summary := e.deps.Broker.PerformanceSummary()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Status:          e.status,
		RunID:           e.runID,
		SignalsAccepted: e.signalsAccepted.Load(),
		SignalsDropped:  e.signalsDropped.Load(),
		TradesExecuted:  e.tradesExecuted.Load(),
		GuardrailBlocks: e.guardrailBlocks.Load(),
		SubmitErrors:    e.submitErrors.Load(),
		LastError:       e.lastError,
		TheoryStats:     e.theoryStatsCopyLocked(),
		OpenPositions:   summary.NumPositions,
		PendingLabels:   len(e.pending),
		Equity:          equityBase + summary.NetPnL,
	}
	if !e.startedAt.IsZero() && e.status == types.RunRunning {
		st.UptimeSeconds = time.Since(e.startedAt).Seconds()
	}
	if e.signalQ != nil {
		st.QueueDepth = len(e.signalQ)
	}
	if e.tradeQ != nil {
		st.TradeQueueDepth = len(e.tradeQ)
	}
	if e.limiter != nil {
		st.TradesLastMin = e.limiter.Count(time.Now())
	}
	return st
}

// Exposure returns a copy of the per-symbol signed exposure map.
func (e *Engine) Exposure() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.exposure))
	for sym, v := range e.exposure {
		out[sym] = v
	}
	return out
}

// LastAllocation returns the most recent bandit allocation the engine used.
func (e *Engine) LastAllocation() bandit.Allocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAlloc
}

// ————————————————————————————————————————————————————————————————————————
// Bar ingestion
// ————————————————————————————————————————————————————————————————————————

// ProcessBar threads one bar through the whole chain: broker reference
// prices, the feature pipeline, the quality tracker's VWAP window, theory
// signal generation, and bandit allocation. Called by the market data feed.
func (e *Engine) ProcessBar(bar types.Bar) {
	e.deps.Broker.RecordBar(bar)
	e.deps.Pipeline.AddBar(bar)
	if e.deps.Quality != nil {
		e.deps.Quality.RecordTick(bar.Symbol, bar.Close, bar.Volume, bar.Timestamp)
	}
	e.publish(ChannelBars, bar)

	e.mu.Lock()
	running := e.status == types.RunRunning
	e.mu.Unlock()
	if !running {
		return
	}

	fs := e.deps.Pipeline.ComputeFeatures(bar.Symbol)
	if fs == nil {
		return
	}

	e.mu.Lock()
	e.regimes[bar.Symbol] = fs.Vol
	available := make([]string, 0, len(e.activeSet))
	for id := range e.activeSet {
		if e.deps.Registry.IsEnabled(id) {
			available = append(available, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(available)

	alloc := e.deps.Bandit.Allocate(available)
	e.mu.Lock()
	e.lastAlloc = alloc
	e.mu.Unlock()

	for _, sig := range e.deps.Registry.GenerateAll(fs) {
		e.mu.Lock()
		if st, ok := e.theoryStats[sig.TheoryID]; ok {
			st.Signals++
		}
		e.mu.Unlock()
		e.SubmitSignal(sig)
	}
}

// publish sends a payload on a hub channel unless the channel's queue is
// already past the backpressure threshold.
func (e *Engine) publish(channelName string, payload any) {
	if e.deps.Hub == nil {
		return
	}
	if _, _, ratio := e.deps.Hub.GetQueueUtilization(channelName); ratio >= backpressureRatio {
		return
	}
	e.deps.Hub.BroadcastToType(payload, channelName)
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot integration
// ————————————————————————————————————————————————————————————————————————

// persistedState is the engine's snapshot section: the last run parameters
// and the broker's position book. In-flight signals and trade requests are
// deliberately dropped.
type persistedState struct {
	Params    types.RunParams  `json:"params"`
	Positions []types.Position `json:"positions"`
}

// GetState implements snapshot.Component.
func (e *Engine) GetState() (any, error) {
	e.mu.Lock()
	params := e.params
	e.mu.Unlock()

	positions := e.deps.Broker.Positions()
	st := persistedState{
		Params:    params,
		Positions: make([]types.Position, 0, len(positions)),
	}
	syms := make([]string, 0, len(positions))
	for sym := range positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		st.Positions = append(st.Positions, positions[sym])
	}
	return st, nil
}

// SetState implements snapshot.Component. Restores the run parameters and
// the broker position book; refuses while a run is active.
func (e *Engine) SetState(raw json.RawMessage) error {
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("parse engine state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == types.RunRunning || e.status == types.RunStopping {
		return ErrAlreadyRunning
	}
	e.params = st.Params
	e.deps.Broker.RestorePositions(st.Positions)
	for _, pos := range st.Positions {
		e.exposure[pos.Symbol] = float64(pos.Qty) * pos.AvgPrice
	}
	return nil
}

// RestoredParams returns the run parameters recovered by SetState, for a
// caller that wants to resume the previous run shape.
func (e *Engine) RestoredParams() types.RunParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// jitter returns a duration in [base, base+spread) from the engine's rng.
func (e *Engine) jitter(base, spread time.Duration) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return base + time.Duration(e.rng.Int63n(int64(spread)))
}
