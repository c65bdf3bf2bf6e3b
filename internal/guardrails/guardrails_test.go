package guardrails

import (
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

var checkTime = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func healthyManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, slog.New(slog.DiscardHandler))
	m.UpdateRiskMetrics(RiskMetrics{
		Equity:        100_000,
		Cash:          50_000,
		GrossExposure: 10_000,
	}, checkTime)
	return m
}

func hasViolation(r CheckResult, v Violation) bool {
	return slices.Contains(r.Violations, v)
}

func TestCheckTradeAllowsHealthyTrade(t *testing.T) {
	t.Parallel()

	m := healthyManager(t, Config{})
	r := m.CheckTrade("AAPL", 5, 100, "normal")
	if !r.Allowed {
		t.Fatalf("healthy trade rejected: %v", r.Violations)
	}
	if r.Metrics["notional"] != 500 {
		t.Errorf("notional metric = %v, want 500", r.Metrics["notional"])
	}
}

func TestCheckTradeDailyDrawdown(t *testing.T) {
	t.Parallel()

	m := healthyManager(t, Config{})
	// Equity falls 4% intraday against a 3% limit.
	m.UpdateRiskMetrics(RiskMetrics{Equity: 96_000, Cash: 50_000}, checkTime.Add(time.Hour))

	r := m.CheckTrade("AAPL", 1, 100, "normal")
	if r.Allowed {
		t.Fatal("trade allowed past the daily drawdown limit")
	}
	if !hasViolation(r, DailyDrawdownExceeded) {
		t.Errorf("violations = %v, want daily-drawdown-exceeded", r.Violations)
	}
}

func TestCheckTradeDayRolloverResetsDrawdown(t *testing.T) {
	t.Parallel()

	m := healthyManager(t, Config{})
	m.UpdateRiskMetrics(RiskMetrics{Equity: 96_000, Cash: 50_000}, checkTime.Add(time.Hour))
	// Next day the anchor resets to the new equity. The weekly anchor
	// still holds, but 4% is inside the 6% weekly limit.
	m.UpdateRiskMetrics(RiskMetrics{Equity: 96_000, Cash: 50_000}, checkTime.Add(25*time.Hour))

	r := m.CheckTrade("AAPL", 1, 100, "normal")
	if hasViolation(r, DailyDrawdownExceeded) {
		t.Errorf("daily drawdown still flagged after day rollover: %v", r.Violations)
	}
}

func TestCheckTradeExposureAndSingleTradeRisk(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, slog.New(slog.DiscardHandler))
	m.UpdateRiskMetrics(RiskMetrics{
		Equity:        100_000,
		Cash:          200_000,
		GrossExposure: 149_000,
	}, checkTime)

	// 2000 notional breaches both the 150% gross cap and the 1% single
	// trade risk cap.
	r := m.CheckTrade("AAPL", 20, 100, "normal")
	if r.Allowed {
		t.Fatal("trade allowed past exposure limits")
	}
	if !hasViolation(r, ExposureLimitExceeded) {
		t.Errorf("violations = %v, want exposure-limit-exceeded", r.Violations)
	}
	if !hasViolation(r, SingleTradeRiskExceeded) {
		t.Errorf("violations = %v, want single-trade-risk-exceeded", r.Violations)
	}
}

func TestCheckTradeDailyTradeLimit(t *testing.T) {
	t.Parallel()

	m := healthyManager(t, Config{MaxDailyTrades: 2})
	m.RecordTradeExecution("AAPL", 500, checkTime)
	m.RecordTradeExecution("AAPL", 500, checkTime)

	r := m.CheckTrade("AAPL", 1, 100, "normal")
	if !hasViolation(r, DailyTradeLimitExceeded) {
		t.Errorf("violations = %v, want daily-trade-limit-exceeded", r.Violations)
	}
}

func TestCheckTradeConcurrentOrderLimit(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{MaxConcurrentOrders: 3}, slog.New(slog.DiscardHandler))
	m.UpdateRiskMetrics(RiskMetrics{
		Equity: 100_000, Cash: 50_000, InFlightOrders: 3,
	}, checkTime)

	r := m.CheckTrade("AAPL", 1, 100, "normal")
	if !hasViolation(r, ConcurrentOrderLimit) {
		t.Errorf("violations = %v, want concurrent-order-limit-exceeded", r.Violations)
	}
}

func TestCheckTradeCashReserve(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{}, slog.New(slog.DiscardHandler))
	m.UpdateRiskMetrics(RiskMetrics{Equity: 100_000, Cash: 5_400}, checkTime)

	// Buying 500 leaves 4.9% cash against a 5% reserve.
	buy := m.CheckTrade("AAPL", 5, 100, "normal")
	if !hasViolation(buy, CashReserveInsufficient) {
		t.Errorf("violations = %v, want cash-reserve-insufficient", buy.Violations)
	}

	// Selling does not consume cash.
	sell := m.CheckTrade("AAPL", -5, 100, "normal")
	if hasViolation(sell, CashReserveInsufficient) {
		t.Errorf("sell flagged for cash reserve: %v", sell.Violations)
	}
}

func TestEmergencyStopIsSticky(t *testing.T) {
	t.Parallel()

	m := healthyManager(t, Config{})
	m.EmergencyStop("manual")

	for i := 0; i < 5; i++ {
		r := m.CheckTrade("AAPL", 1, 100, "normal")
		if r.Allowed {
			t.Fatal("trade allowed while emergency stopped")
		}
		if !hasViolation(r, RegimeKillSwitchActive) {
			t.Fatalf("violations = %v, want regime-kill-switch-active", r.Violations)
		}
	}

	m.Resume()
	if r := m.CheckTrade("AAPL", 1, 100, "normal"); !r.Allowed {
		t.Errorf("trade rejected after resume: %v", r.Violations)
	}
}

func TestBlockedRegime(t *testing.T) {
	t.Parallel()

	m := healthyManager(t, Config{BlockedRegimes: []string{"risk_off"}})

	if r := m.CheckTrade("AAPL", 1, 100, "risk_off"); !hasViolation(r, RegimeKillSwitchActive) {
		t.Errorf("violations = %v, want regime-kill-switch-active", r.Violations)
	}
	if r := m.CheckTrade("AAPL", 1, 100, "normal"); !r.Allowed {
		t.Errorf("normal regime rejected: %v", r.Violations)
	}
}

func TestRegimeExposureCap(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		RegimeExposureCaps: map[string]float64{"high_vol": 0.5},
	}, slog.New(slog.DiscardHandler))
	m.UpdateRiskMetrics(RiskMetrics{
		Equity: 100_000, Cash: 100_000, GrossExposure: 49_900,
	}, checkTime)

	r := m.CheckTrade("AAPL", 5, 100, "high_vol")
	if !hasViolation(r, RegimeExposureLimitExceeded) {
		t.Errorf("violations = %v, want regime-exposure-limit-exceeded", r.Violations)
	}
	if r := m.CheckTrade("AAPL", 5, 100, "normal"); hasViolation(r, RegimeExposureLimitExceeded) {
		t.Errorf("normal regime hit the regime cap: %v", r.Violations)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guardrails.json")
	m := healthyManager(t, Config{StatePath: path})
	m.RecordTradeExecution("AAPL", 500, checkTime)
	m.EmergencyStop("test")
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewManager(Config{StatePath: path}, slog.New(slog.DiscardHandler))
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	st := restored.Stats()
	if st.DailyTrades != 1 {
		t.Errorf("daily trades = %d, want 1", st.DailyTrades)
	}
	if !st.EmergencyStopped {
		t.Error("emergency stop not restored")
	}
}

func TestLoadMissingFileIsFresh(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		StatePath: filepath.Join(t.TempDir(), "missing.json"),
	}, slog.New(slog.DiscardHandler))
	if err := m.Load(); err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if m.Stopped() {
		t.Error("fresh manager reports emergency stop")
	}
}
