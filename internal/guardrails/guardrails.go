// Package guardrails evaluates every proposed trade against the current
// risk state. check-trade is pure with respect to its inputs; the manager
// tracks the evolving state (drawdowns, exposure, counters) that the
// checks read. The emergency stop is sticky: once tripped, every trade is
// rejected until Resume.
package guardrails

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Violation identifies one failed risk check.
type Violation string

const (
	DailyDrawdownExceeded       Violation = "daily-drawdown-exceeded"
	WeeklyDrawdownExceeded      Violation = "weekly-drawdown-exceeded"
	ExposureLimitExceeded       Violation = "exposure-limit-exceeded"
	SingleTradeRiskExceeded     Violation = "single-trade-risk-exceeded"
	DailyTradeLimitExceeded     Violation = "daily-trade-limit-exceeded"
	ConcurrentOrderLimit        Violation = "concurrent-order-limit-exceeded"
	CashReserveInsufficient     Violation = "cash-reserve-insufficient"
	RegimeKillSwitchActive      Violation = "regime-kill-switch-active"
	RegimeExposureLimitExceeded Violation = "regime-exposure-limit-exceeded"
)

// Config carries the risk limits. Zero values select the defaults.
type Config struct {
	MaxDailyDrawdown    float64            `mapstructure:"max_daily_drawdown"`
	MaxWeeklyDrawdown   float64            `mapstructure:"max_weekly_drawdown"`
	MaxGrossExposure    float64            `mapstructure:"max_gross_exposure"`
	MaxSingleTradeRisk  float64            `mapstructure:"max_single_trade_risk"`
	MaxDailyTrades      int                `mapstructure:"max_daily_trades"`
	MaxConcurrentOrders int                `mapstructure:"max_concurrent_orders"`
	MinCashReserve      float64            `mapstructure:"min_cash_reserve"`
	RegimeExposureCaps  map[string]float64 `mapstructure:"regime_exposure_caps"`
	BlockedRegimes      []string           `mapstructure:"blocked_regimes"`
	StatePath           string             `mapstructure:"state_path"`
}

func (c *Config) applyDefaults() {
	if c.MaxDailyDrawdown <= 0 {
		c.MaxDailyDrawdown = 0.03
	}
	if c.MaxWeeklyDrawdown <= 0 {
		c.MaxWeeklyDrawdown = 0.06
	}
	if c.MaxGrossExposure <= 0 {
		c.MaxGrossExposure = 1.5
	}
	if c.MaxSingleTradeRisk <= 0 {
		c.MaxSingleTradeRisk = 0.01
	}
	if c.MaxDailyTrades <= 0 {
		c.MaxDailyTrades = 500
	}
	if c.MaxConcurrentOrders <= 0 {
		c.MaxConcurrentOrders = 64
	}
	if c.MinCashReserve <= 0 {
		c.MinCashReserve = 0.05
	}
}

// RiskMetrics is the portfolio view the checks evaluate against.
type RiskMetrics struct {
	Equity         float64 `json:"equity"`
	Cash           float64 `json:"cash"`
	GrossExposure  float64 `json:"gross_exposure"`
	InFlightOrders int     `json:"in_flight_orders"`
}

// CheckResult is the outcome of one check-trade call.
type CheckResult struct {
	Allowed    bool               `json:"allowed"`
	Violations []Violation        `json:"violations,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
}

// state is the persisted portion of the manager.
type state struct {
	Equity           float64   `json:"equity"`
	Cash             float64   `json:"cash"`
	GrossExposure    float64   `json:"gross_exposure"`
	InFlightOrders   int       `json:"in_flight_orders"`
	DayOpenEquity    float64   `json:"day_open_equity"`
	WeekOpenEquity   float64   `json:"week_open_equity"`
	DayStart         time.Time `json:"day_start"`
	WeekStart        time.Time `json:"week_start"`
	DailyTrades      int       `json:"daily_trades"`
	TradesChecked    int64     `json:"trades_checked"`
	TradesRejected   int64     `json:"trades_rejected"`
	EmergencyStopped bool      `json:"emergency_stopped"`
}

// Manager evaluates trades and tracks the risk state.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	st     state

	blocked map[string]bool
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	blocked := make(map[string]bool, len(cfg.BlockedRegimes))
	for _, r := range cfg.BlockedRegimes {
		blocked[r] = true
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "guardrails"),
		blocked: blocked,
	}
}

// UpdateRiskMetrics refreshes the portfolio view. Day and week anchors
// roll over when the timestamp crosses a boundary.
func (m *Manager) UpdateRiskMetrics(metrics RiskMetrics, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.Equity = metrics.Equity
	m.st.Cash = metrics.Cash
	m.st.GrossExposure = metrics.GrossExposure
	m.st.InFlightOrders = metrics.InFlightOrders

	day := now.UTC().Truncate(24 * time.Hour)
	if m.st.DayStart.IsZero() || day.After(m.st.DayStart) {
		m.st.DayStart = day
		m.st.DayOpenEquity = metrics.Equity
		m.st.DailyTrades = 0
	}

	year, week := now.UTC().ISOWeek()
	sy, sw := m.st.WeekStart.ISOWeek()
	if m.st.WeekStart.IsZero() || year != sy || week != sw {
		m.st.WeekStart = day
		m.st.WeekOpenEquity = metrics.Equity
	}
}

// RecordTradeExecution counts one executed trade against the daily cap.
func (m *Manager) RecordTradeExecution(symbol string, notional float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.DailyTrades++
	m.logger.Debug("trade recorded",
		"symbol", symbol, "notional", notional, "daily_trades", m.st.DailyTrades)
}

// EmergencyStop trips the sticky kill switch.
func (m *Manager) EmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.st.EmergencyStopped {
		m.st.EmergencyStopped = true
		m.logger.Warn("emergency stop tripped", "reason", reason)
	}
}

// Resume clears the emergency stop.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.EmergencyStopped {
		m.st.EmergencyStopped = false
		m.logger.Info("emergency stop cleared")
	}
}

// Stopped reports whether the emergency stop is active.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.EmergencyStopped
}

// CheckTrade evaluates a proposed trade. Positive qty buys, negative
// sells. The result lists every violated limit, not just the first.
func (m *Manager) CheckTrade(symbol string, signedQty int64, estPrice float64, regime string) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.TradesChecked++

	notional := math.Abs(float64(signedQty)) * estPrice
	equity := m.st.Equity

	var violations []Violation

	if m.st.EmergencyStopped || m.blocked[regime] {
		violations = append(violations, RegimeKillSwitchActive)
	}

	dailyDD, weeklyDD := 0.0, 0.0
	if m.st.DayOpenEquity > 0 {
		dailyDD = (m.st.DayOpenEquity - equity) / m.st.DayOpenEquity
		if dailyDD >= m.cfg.MaxDailyDrawdown {
			violations = append(violations, DailyDrawdownExceeded)
		}
	}
	if m.st.WeekOpenEquity > 0 {
		weeklyDD = (m.st.WeekOpenEquity - equity) / m.st.WeekOpenEquity
		if weeklyDD >= m.cfg.MaxWeeklyDrawdown {
			violations = append(violations, WeeklyDrawdownExceeded)
		}
	}

	exposureAfter := 0.0
	if equity > 0 {
		exposureAfter = (m.st.GrossExposure + notional) / equity
		if exposureAfter > m.cfg.MaxGrossExposure {
			violations = append(violations, ExposureLimitExceeded)
		}
		if notional/equity > m.cfg.MaxSingleTradeRisk {
			violations = append(violations, SingleTradeRiskExceeded)
		}
		if regimeCap, ok := m.cfg.RegimeExposureCaps[regime]; ok && exposureAfter > regimeCap {
			violations = append(violations, RegimeExposureLimitExceeded)
		}
	}

	if m.st.DailyTrades >= m.cfg.MaxDailyTrades {
		violations = append(violations, DailyTradeLimitExceeded)
	}
	if m.st.InFlightOrders >= m.cfg.MaxConcurrentOrders {
		violations = append(violations, ConcurrentOrderLimit)
	}

	if signedQty > 0 && equity > 0 {
		if (m.st.Cash-notional)/equity < m.cfg.MinCashReserve {
			violations = append(violations, CashReserveInsufficient)
		}
	}

	allowed := len(violations) == 0
	if !allowed {
		m.st.TradesRejected++
	}

	return CheckResult{
		Allowed:    allowed,
		Violations: violations,
		Metrics: map[string]float64{
			"equity":          equity,
			"notional":        notional,
			"daily_drawdown":  dailyDD,
			"weekly_drawdown": weeklyDD,
			"exposure_after":  exposureAfter,
			"daily_trades":    float64(m.st.DailyTrades),
			"in_flight":       float64(m.st.InFlightOrders),
		},
	}
}

// Stats reports the manager's counters.
type Stats struct {
	TradesChecked    int64 `json:"trades_checked"`
	TradesRejected   int64 `json:"trades_rejected"`
	DailyTrades      int   `json:"daily_trades"`
	EmergencyStopped bool  `json:"emergency_stopped"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TradesChecked:    m.st.TradesChecked,
		TradesRejected:   m.st.TradesRejected,
		DailyTrades:      m.st.DailyTrades,
		EmergencyStopped: m.st.EmergencyStopped,
	}
}
