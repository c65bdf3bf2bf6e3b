// Package config defines all configuration for the paper-trading lab.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via LAB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Bandit    BanditConfig    `mapstructure:"bandit"`
	Hub       HubConfig       `mapstructure:"hub"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Learner   LearnerConfig   `mapstructure:"learner"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Nightly   NightlyConfig   `mapstructure:"nightly"`
	Feed      FeedConfig      `mapstructure:"feed"`
	EventLog  EventLogConfig  `mapstructure:"event_log"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// EngineConfig bounds the trade engine's throughput and exposure.
//
//   - MaxConcurrency: semaphore permits for in-flight broker submissions.
//   - MaxTradesPerMinute: hard cap on submissions in any rolling 60s window.
//   - MicrotradeNotional: target dollar size of one micro-trade.
//   - MaxExposureNotional: per-symbol cap on |signed exposure|.
//   - MaxOpenTrades: engine-wide cap on open trades.
//   - MaxTradesPerSymbol: cap on concurrent outstanding orders per symbol.
type EngineConfig struct {
	MaxConcurrency     int64         `mapstructure:"max_concurrency"`
	MaxTradesPerMinute int           `mapstructure:"max_trades_per_minute"`
	MicrotradeNotional float64       `mapstructure:"microtrade_notional"`
	MaxExposure        float64       `mapstructure:"max_exposure_notional"`
	MaxOpenTrades      int           `mapstructure:"max_open_trades"`
	MaxTradesPerSym    int           `mapstructure:"max_trades_per_symbol"`
	SignalQueueSize    int           `mapstructure:"signal_queue_size"`
	StatsInterval      time.Duration `mapstructure:"stats_interval"`
	JanitorInterval    time.Duration `mapstructure:"janitor_interval"`
}

// BrokerConfig tunes the simulated execution cost model.
//
//   - FeeBps: commission in basis points of notional.
//   - MinFee: per-fill commission floor in dollars.
//   - SlippageBps: fixed slippage scale used when no live bars exist (test mode).
//   - LimitFillProb: probability a marketable limit order fills.
//   - DefaultPrices: fallback reference price per asset class.
type BrokerConfig struct {
	FeeBps        float64            `mapstructure:"fee_bps"`
	MinFee        float64            `mapstructure:"min_fee"`
	SlippageBps   float64            `mapstructure:"slippage_bps"`
	LimitFillProb float64            `mapstructure:"limit_fill_prob"`
	DefaultPrices map[string]float64 `mapstructure:"default_prices"`
}

// RiskConfig sets the guardrail limits evaluated on every trade.
type RiskConfig struct {
	MaxDailyDrawdown   float64 `mapstructure:"max_daily_drawdown"`    // fraction of portfolio, default 0.03
	MaxWeeklyDrawdown  float64 `mapstructure:"max_weekly_drawdown"`   // default 0.06
	MaxGrossExposure   float64 `mapstructure:"max_gross_exposure"`    // ratio of portfolio value, default 1.5
	MaxSingleTradeRisk float64 `mapstructure:"max_single_trade_risk"` // fraction of portfolio, default 0.01
	DailyTradeLimit    int     `mapstructure:"daily_trade_limit"`
	MaxConcurrentOrder int     `mapstructure:"max_concurrent_orders"`
	MinCashReserve     float64 `mapstructure:"min_cash_reserve"` // fraction of portfolio, default 0.05
	StatePath          string  `mapstructure:"state_path"`       // persisted counters (atomic JSON)
}

// BanditConfig selects and tunes the allocation algorithm.
type BanditConfig struct {
	Algorithm     string  `mapstructure:"algorithm"` // thompson | ucb1 | epsilon_greedy
	DecayFactor   float64 `mapstructure:"decay_factor"`
	MinAllocation float64 `mapstructure:"min_allocation"`
	UCBC          float64 `mapstructure:"ucb_c"`
	Epsilon       float64 `mapstructure:"epsilon"`
}

// HubConfig bounds the broadcast hub's queues and timeouts.
type HubConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	EnqueueTimeout    time.Duration `mapstructure:"enqueue_timeout"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// QualityConfig tunes execution-quality accounting.
type QualityConfig struct {
	VWAPWindow    time.Duration `mapstructure:"vwap_window"`
	BucketMinutes int           `mapstructure:"bucket_minutes"`
	RetentionDays int           `mapstructure:"retention_days"`
	MaxExecutions int           `mapstructure:"max_executions"`
	StatePath     string        `mapstructure:"state_path"`
}

// LearnerConfig selects the online-learner backend at construction time.
// An unknown backend degrades to "fallback" with a single log line.
type LearnerConfig struct {
	Backend      string  `mapstructure:"backend"` // sgd | fallback
	Task         string  `mapstructure:"task"`    // classification | regression
	LearningRate float64 `mapstructure:"learning_rate"`
	BufferSize   int     `mapstructure:"buffer_size"` // replay ring buffer, in batches
}

// SnapshotConfig controls the durability manager.
type SnapshotConfig struct {
	Path           string        `mapstructure:"path"`
	Interval       time.Duration `mapstructure:"interval"`
	RequireRestore bool          `mapstructure:"require_restore"` // exit 2 if restore fails
}

// NightlyConfig controls the nightly learning report job.
type NightlyConfig struct {
	ReportPath     string  `mapstructure:"report_path"`
	DriftThreshold float64 `mapstructure:"drift_threshold"`
	Schedule       string  `mapstructure:"schedule"` // cron expression with seconds field
}

// FeedConfig selects the bar source: a synthetic random walk for lab mode or
// an HTTP replay endpoint serving OHLCV JSON.
type FeedConfig struct {
	Mode        string        `mapstructure:"mode"` // synthetic | http
	URL         string        `mapstructure:"url"`
	BarInterval time.Duration `mapstructure:"bar_interval"`
}

// EventLogConfig locates the SQLite labeled-trade event log.
type EventLogConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP/WebSocket dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides (LAB_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Missing file is fine: defaults cover every field.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if os.Getenv("LAB_DRY_RUN") == "true" || os.Getenv("LAB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	if p := os.Getenv("LAB_SNAPSHOT_PATH"); p != "" {
		cfg.Snapshot.Path = p
	}
	if p := os.Getenv("LAB_LEARN_REPORT_PATH"); p != "" {
		cfg.Nightly.ReportPath = p
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_concurrency", 64)
	v.SetDefault("engine.max_trades_per_minute", 600)
	v.SetDefault("engine.microtrade_notional", 25.0)
	v.SetDefault("engine.max_exposure_notional", 10_000.0)
	v.SetDefault("engine.max_open_trades", 1000)
	v.SetDefault("engine.max_trades_per_symbol", 50)
	v.SetDefault("engine.signal_queue_size", 10_000)
	v.SetDefault("engine.stats_interval", 10*time.Second)
	v.SetDefault("engine.janitor_interval", 5*time.Second)

	v.SetDefault("broker.fee_bps", 1.0)
	v.SetDefault("broker.min_fee", 0.01)
	v.SetDefault("broker.slippage_bps", 2.0)
	v.SetDefault("broker.limit_fill_prob", 0.7)
	v.SetDefault("broker.default_prices", map[string]float64{
		"equity": 100.0,
		"crypto": 1000.0,
		"fx":     1.0,
	})

	v.SetDefault("risk.max_daily_drawdown", 0.03)
	v.SetDefault("risk.max_weekly_drawdown", 0.06)
	v.SetDefault("risk.max_gross_exposure", 1.5)
	v.SetDefault("risk.max_single_trade_risk", 0.01)
	v.SetDefault("risk.daily_trade_limit", 5000)
	v.SetDefault("risk.max_concurrent_orders", 200)
	v.SetDefault("risk.min_cash_reserve", 0.05)
	v.SetDefault("risk.state_path", "data/guardrails.json")

	v.SetDefault("bandit.algorithm", "thompson")
	v.SetDefault("bandit.decay_factor", 0.995)
	v.SetDefault("bandit.min_allocation", 0.05)
	v.SetDefault("bandit.ucb_c", 1.0)
	v.SetDefault("bandit.epsilon", 0.1)

	v.SetDefault("hub.queue_size", 100)
	v.SetDefault("hub.enqueue_timeout", 50*time.Millisecond)
	v.SetDefault("hub.send_timeout", 2500*time.Millisecond)
	v.SetDefault("hub.heartbeat_interval", 25*time.Second)

	v.SetDefault("quality.vwap_window", 300*time.Second)
	v.SetDefault("quality.bucket_minutes", 15)
	v.SetDefault("quality.retention_days", 30)
	v.SetDefault("quality.max_executions", 1000)
	v.SetDefault("quality.state_path", "data/quality.json")

	v.SetDefault("learner.backend", "sgd")
	v.SetDefault("learner.task", "classification")
	v.SetDefault("learner.learning_rate", 0.01)
	v.SetDefault("learner.buffer_size", 32)

	v.SetDefault("snapshot.path", "data/snapshot.json")
	v.SetDefault("snapshot.interval", 5*time.Minute)
	v.SetDefault("snapshot.require_restore", false)

	v.SetDefault("nightly.report_path", "data/learning_report.json")
	v.SetDefault("nightly.drift_threshold", 0.02)
	v.SetDefault("nightly.schedule", "0 30 2 * * *")

	v.SetDefault("feed.mode", "synthetic")
	v.SetDefault("feed.bar_interval", time.Second)

	v.SetDefault("event_log.path", "data/events.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be > 0")
	}
	if c.Engine.MaxTradesPerMinute <= 0 {
		return fmt.Errorf("engine.max_trades_per_minute must be > 0")
	}
	if c.Engine.MicrotradeNotional <= 0 {
		return fmt.Errorf("engine.microtrade_notional must be > 0")
	}
	if c.Engine.MaxExposure <= 0 {
		return fmt.Errorf("engine.max_exposure_notional must be > 0")
	}
	switch c.Bandit.Algorithm {
	case "thompson", "ucb1", "epsilon_greedy":
	default:
		return fmt.Errorf("bandit.algorithm must be one of: thompson, ucb1, epsilon_greedy")
	}
	if c.Bandit.DecayFactor <= 0 || c.Bandit.DecayFactor > 1 {
		return fmt.Errorf("bandit.decay_factor must be in (0, 1]")
	}
	if c.Bandit.MinAllocation < 0 || c.Bandit.MinAllocation >= 0.5 {
		return fmt.Errorf("bandit.min_allocation must be in [0, 0.5)")
	}
	switch c.Learner.Task {
	case "classification", "regression":
	default:
		return fmt.Errorf("learner.task must be classification or regression")
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be > 0")
	}
	if c.Feed.Mode == "http" && c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required when feed.mode is http")
	}
	return nil
}
