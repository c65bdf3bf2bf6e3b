// Trade Lab — an autonomous paper-trading laboratory that runs competing
// trading theories against simulated executions and learns which ones work.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/              — orchestrator: bars → features → signals → sized micro-trades → fills
//	theory/              — signal-generating theories behind a common interface, with builtins
//	bandit/              — multi-armed bandit allocating capital across theories
//	guardrails/          — pre-trade risk checks with a sticky emergency stop
//	broker/              — paper broker: reference prices, slippage, fees, position book
//	features/            — rolling bar windows, indicator computation, forward-return labeling
//	learner/             — online linear model predicting labeled-trade outcomes
//	quality/             — execution-quality scoring against submit/fill mids and VWAP
//	nightly/             — calibration report over the labeled-trade event log
//	eventlog/            — SQLite log of labeled trades
//	snapshot/            — periodic atomic JSON snapshots of component state
//	hub/                 — channelized WebSocket broadcast fan-out
//	api/                 — HTTP control plane and WebSocket streaming
//	feed/                — bar sources: synthetic random walk or HTTP replay
//
// How it learns:
//
//	Every executed micro-trade is labeled once its horizon matures: did the
//	price move with or against the fill? Labels feed an online learner and
//	a bandit allocator, so capital drifts toward the theories whose signals
//	keep winning, and the nightly job scores how well-calibrated the
//	learner's probabilities actually are.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradelab/internal/api"
	"tradelab/internal/bandit"
	"tradelab/internal/broker"
	"tradelab/internal/config"
	"tradelab/internal/engine"
	"tradelab/internal/eventlog"
	"tradelab/internal/features"
	"tradelab/internal/feed"
	"tradelab/internal/guardrails"
	"tradelab/internal/hub"
	"tradelab/internal/jobs"
	"tradelab/internal/learner"
	"tradelab/internal/nightly"
	"tradelab/internal/quality"
	"tradelab/internal/snapshot"
	"tradelab/internal/theory"
)

const (
	exitOK             = 0
	exitStartupFailure = 1
	exitRestoreFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("LAB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitStartupFailure
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitStartupFailure
	}

	logger := newLogger(cfg.Logging)

	events, err := eventlog.Open(cfg.EventLog.Path, logger)
	if err != nil {
		logger.Error("failed to open event log", "error", err, "path", cfg.EventLog.Path)
		return exitStartupFailure
	}
	defer events.Close()

	// Core components.
	registry := theory.NewDefaultRegistry(logger)
	allocator := bandit.New(bandit.Config{
		Algorithm:     cfg.Bandit.Algorithm,
		DecayFactor:   cfg.Bandit.DecayFactor,
		MinAllocation: cfg.Bandit.MinAllocation,
		UCBC:          cfg.Bandit.UCBC,
		Epsilon:       cfg.Bandit.Epsilon,
	}, logger)
	guards := guardrails.NewManager(guardrails.Config{
		MaxDailyDrawdown:    cfg.Risk.MaxDailyDrawdown,
		MaxWeeklyDrawdown:   cfg.Risk.MaxWeeklyDrawdown,
		MaxGrossExposure:    cfg.Risk.MaxGrossExposure,
		MaxSingleTradeRisk:  cfg.Risk.MaxSingleTradeRisk,
		MaxDailyTrades:      cfg.Risk.DailyTradeLimit,
		MaxConcurrentOrders: cfg.Risk.MaxConcurrentOrder,
		MinCashReserve:      cfg.Risk.MinCashReserve,
		StatePath:           cfg.Risk.StatePath,
	}, logger)
	if err := guards.Load(); err != nil {
		logger.Warn("guardrail state not restored", "error", err)
	}
	tracker := quality.NewTracker(quality.Config{
		VWAPWindow:  cfg.Quality.VWAPWindow,
		BucketWidth: time.Duration(cfg.Quality.BucketMinutes) * time.Minute,
		Retention:   time.Duration(cfg.Quality.RetentionDays) * 24 * time.Hour,
		MaxHistory:  cfg.Quality.MaxExecutions,
		StatePath:   cfg.Quality.StatePath,
	}, logger)
	if err := tracker.Load(); err != nil {
		logger.Warn("quality state not restored", "error", err)
	}
	model := learner.New(learner.Config{
		Backend:      cfg.Learner.Backend,
		Task:         cfg.Learner.Task,
		LearningRate: cfg.Learner.LearningRate,
		BufferSize:   cfg.Learner.BufferSize,
	}, logger)
	broadcast := hub.New(hub.Config{
		QueueSize:         cfg.Hub.QueueSize,
		EnqueueTimeout:    cfg.Hub.EnqueueTimeout,
		SendTimeout:       cfg.Hub.SendTimeout,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
	}, logger)

	eng := engine.New(cfg.Engine, engine.Deps{
		Broker:   broker.New(cfg.Broker, 0, logger),
		Registry: registry,
		Bandit:   allocator,
		Guards:   guards,
		Pipeline: features.NewPipeline(0),
		Quality:  tracker,
		Learner:  model,
		Hub:      broadcast,
		Events:   events,
	}, logger)

	// Snapshot restore before anything trades.
	snap := snapshot.NewManager(cfg.Snapshot.Path, logger)
	snap.Register("engine", eng)
	snap.Register("bandit", snapshot.Func{
		Get: func() (any, error) { return allocator.State(), nil },
		Set: func(raw json.RawMessage) error {
			var arms []bandit.Arm
			if err := json.Unmarshal(raw, &arms); err != nil {
				return err
			}
			allocator.SetState(arms)
			return nil
		},
	})
	snap.Register("learner", snapshot.Func{
		Get: func() (any, error) { return model.GetState(), nil },
		Set: func(raw json.RawMessage) error {
			var st learner.State
			if err := json.Unmarshal(raw, &st); err != nil {
				return err
			}
			if !model.SetState(st) {
				return fmt.Errorf("learner rejected snapshot state")
			}
			return nil
		},
	})

	restored, err := snap.Restore()
	if err != nil {
		if cfg.Snapshot.RequireRestore {
			logger.Error("snapshot restore failed and is required", "error", err)
			return exitRestoreFailure
		}
		logger.Warn("snapshot restore failed, starting fresh", "error", err)
	} else if restored > 0 {
		logger.Info("snapshot restored", "components", restored, "path", cfg.Snapshot.Path)
	}

	// Market data feed.
	universe := defaultUniverse()
	provider, err := feed.New(cfg.Feed, universe, 0, logger)
	if err != nil {
		logger.Error("failed to build feed", "error", err)
		return exitStartupFailure
	}
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	go func() {
		if err := provider.Run(feedCtx, eng.ProcessBar); err != nil && feedCtx.Err() == nil {
			logger.Error("feed terminated", "provider", provider.Name(), "error", err)
			eng.Fail(err)
		}
	}()

	// Background jobs.
	sched := jobs.NewScheduler(logger)
	sched.Every(cfg.Snapshot.Interval, jobs.Func{
		JobName: "snapshot",
		Fn: func(ctx context.Context) error {
			if err := snap.Save(); err != nil {
				return err
			}
			if err := guards.Save(); err != nil {
				return err
			}
			return tracker.Save()
		},
	})
	nightlyJob := nightly.NewJob(nightly.Config{
		ReportPath:     cfg.Nightly.ReportPath,
		DriftThreshold: cfg.Nightly.DriftThreshold,
	}, events, logger)
	if err := sched.Add(cfg.Nightly.Schedule, jobs.Func{
		JobName: "nightly-learning-report",
		Fn: func(ctx context.Context) error {
			report, err := nightlyJob.Run(ctx)
			if err != nil {
				return err
			}
			allocator.SetSoftPriors(report.TheoryPriors(registry.IDs(), registry.Families))
			return nil
		},
	}); err != nil {
		logger.Error("failed to schedule nightly job", "error", err)
		return exitStartupFailure
	}
	sched.Start()

	// Control plane.
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, api.Deps{
			Engine:   eng,
			Registry: registry,
			Bandit:   allocator,
			Guards:   guards,
			Quality:  tracker,
			Learner:  model,
			Hub:      broadcast,
		}, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("control plane failed", "error", err)
			}
		}()
		logger.Info("control plane started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, runs must be started explicitly via the api")
	}

	logger.Info("trade lab started",
		"universe", universe,
		"feed", cfg.Feed.Mode,
		"bandit", cfg.Bandit.Algorithm,
		"microtrade_notional", cfg.Engine.MicrotradeNotional,
		"max_exposure", cfg.Engine.MaxExposure,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Shutdown order: stop intake first, then drain, then persist.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop control plane", "error", err)
		}
	}
	stopFeed()
	sched.Stop()
	eng.Stop()
	broadcast.Stop()

	if err := snap.Save(); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	if err := guards.Save(); err != nil {
		logger.Error("guardrail state save failed", "error", err)
	}
	if err := tracker.Save(); err != nil {
		logger.Error("quality state save failed", "error", err)
	}
	return exitOK
}

// defaultUniverse is the symbol set fed by the synthetic generator when no
// run narrows it. LAB_UNIVERSE overrides it with a comma-separated list.
func defaultUniverse() []string {
	if env := os.Getenv("LAB_UNIVERSE"); env != "" {
		var out []string
		for _, part := range strings.Split(env, ",") {
			if sym := strings.TrimSpace(part); sym != "" {
				out = append(out, strings.ToUpper(sym))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"AAPL", "MSFT", "NVDA", "SPY", "TSLA"}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
