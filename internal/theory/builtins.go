package theory

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"tradelab/pkg/types"
)

// Builtins returns the five stock theories with their default thresholds.
func Builtins() []Theory {
	return []Theory{
		&MeanReversion{Oversold: 30, Overbought: 70, BandDelta: 0.002},
		&Breakout{Threshold: 0.005},
		&NewsShockGuard{SentimentFloor: -0.5, UrgencyFloor: 0.7},
		&VolatilityRegime{},
		&IntradayMomentum{Threshold: 0.001},
	}
}

func newSignal(theoryID string, fs *types.FeatureSet, side types.Side, confidence float64, horizonMin int) types.Signal {
	return types.Signal{
		ID:         uuid.NewString(),
		TheoryID:   theoryID,
		Symbol:     fs.Symbol,
		Side:       side,
		Confidence: clamp01(confidence),
		HorizonMin: horizonMin,
		Features:   fs,
		CreatedAt:  fs.Timestamp,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ————————————————————————————————————————————————————————————————————————
// Mean reversion
// ————————————————————————————————————————————————————————————————————————

// MeanReversion buys oversold prints near the lower Bollinger bound and
// sells overbought prints near the upper bound.
type MeanReversion struct {
	Oversold   float64
	Overbought float64
	// BandDelta is the max fractional distance from the band for the
	// price to count as "at" the band.
	BandDelta float64
}

func (m *MeanReversion) ID() string { return "mean_reversion" }

func (m *MeanReversion) Families() []string { return []string{"momentum"} }

func (m *MeanReversion) Describe() string {
	return fmt.Sprintf("fade RSI extremes (%.0f/%.0f) at the Bollinger bands", m.Oversold, m.Overbought)
}

func (m *MeanReversion) GenerateSignals(fs *types.FeatureSet) []types.Signal {
	rsi, ok := fs.Values["rsi_14"]
	if !ok {
		return nil
	}
	close, hasClose := fs.Get("close")
	lower, hasLower := fs.Values["bb_lower"]
	upper, hasUpper := fs.Values["bb_upper"]
	if !hasClose || close <= 0 {
		return nil
	}

	if hasLower && rsi <= m.Oversold && math.Abs(close-lower)/close <= m.BandDelta {
		conf := 0.5 + (m.Oversold-rsi)/m.Oversold
		return []types.Signal{newSignal(m.ID(), fs, types.BUY, conf, 15)}
	}
	if hasUpper && rsi >= m.Overbought && math.Abs(close-upper)/close <= m.BandDelta {
		conf := 0.5 + (rsi-m.Overbought)/(100-m.Overbought)
		return []types.Signal{newSignal(m.ID(), fs, types.SELL, conf, 15)}
	}
	return nil
}

// RiskMultiplier shrinks in high volatility, where bands widen faster than
// reversion plays out.
func (m *MeanReversion) RiskMultiplier(fs *types.FeatureSet) float64 {
	if fs != nil && fs.Vol == types.VolHigh {
		return 0.5
	}
	return 1.0
}

// ————————————————————————————————————————————————————————————————————————
// Breakout
// ————————————————————————————————————————————————————————————————————————

// Breakout follows price through the SMA-20 by more than Threshold, with
// non-zero volume as a participation check.
type Breakout struct {
	// Threshold is the fractional distance beyond the SMA-20.
	Threshold float64
}

func (b *Breakout) ID() string { return "breakout" }

func (b *Breakout) Families() []string { return []string{"momentum", "microstructure"} }

func (b *Breakout) Describe() string {
	return fmt.Sprintf("follow closes beyond SMA-20 by %.2f%% on volume", b.Threshold*100)
}

func (b *Breakout) GenerateSignals(fs *types.FeatureSet) []types.Signal {
	sma, ok := fs.Values["sma_20"]
	if !ok || sma <= 0 {
		return nil
	}
	if vol, ok := fs.Get("volume"); !ok || vol <= 0 {
		return nil
	}
	close, hasClose := fs.Get("close")
	if !hasClose {
		return nil
	}
	dist := (close - sma) / sma

	if dist >= b.Threshold {
		conf := 0.5 + math.Min(dist/b.Threshold-1, 1)*0.4
		return []types.Signal{newSignal(b.ID(), fs, types.BUY, conf, 60)}
	}
	if dist <= -b.Threshold {
		conf := 0.5 + math.Min(-dist/b.Threshold-1, 1)*0.4
		return []types.Signal{newSignal(b.ID(), fs, types.SELL, conf, 60)}
	}
	return nil
}

func (b *Breakout) RiskMultiplier(fs *types.FeatureSet) float64 {
	if fs != nil && fs.Vol == types.VolHigh {
		return 0.75
	}
	return 1.0
}

// ————————————————————————————————————————————————————————————————————————
// News shock guard
// ————————————————————————————————————————————————————————————————————————

// NewsShockGuard emits a defensive SELL when the feed attaches bad, urgent
// news to a symbol. Feeds that carry no sentiment leave the features absent
// and the theory stays quiet.
type NewsShockGuard struct {
	// SentimentFloor triggers at or below this sentiment score.
	SentimentFloor float64
	// UrgencyFloor triggers at or above this urgency score.
	UrgencyFloor float64
}

func (n *NewsShockGuard) ID() string { return "news_shock_guard" }

func (n *NewsShockGuard) Families() []string { return []string{"sentiment"} }

func (n *NewsShockGuard) Describe() string {
	return "defensive sell on strongly negative, urgent news"
}

func (n *NewsShockGuard) GenerateSignals(fs *types.FeatureSet) []types.Signal {
	sentiment, hasSent := fs.Values["news_sentiment"]
	urgency, hasUrg := fs.Values["news_urgency"]
	if !hasSent || !hasUrg {
		return nil
	}
	if sentiment > n.SentimentFloor || urgency < n.UrgencyFloor {
		return nil
	}
	conf := 0.5 + 0.5*clamp01(-sentiment)*clamp01(urgency)
	return []types.Signal{newSignal(n.ID(), fs, types.SELL, conf, 5)}
}

// RiskMultiplier stays small: the guard exists to cut exposure, not to
// build a position on headlines.
func (n *NewsShockGuard) RiskMultiplier(fs *types.FeatureSet) float64 {
	return 0.5
}

// ————————————————————————————————————————————————————————————————————————
// Volatility regime
// ————————————————————————————————————————————————————————————————————————

// VolatilityRegime trades regime transitions: buys into high volatility,
// sells out of low volatility, and abstains in the normal band. It keeps
// the last observed regime per symbol so only transitions fire.
type VolatilityRegime struct {
	mu   sync.Mutex
	last map[string]types.VolRegime
}

func (v *VolatilityRegime) ID() string { return "volatility_regime" }

func (v *VolatilityRegime) Families() []string { return []string{"microstructure"} }

func (v *VolatilityRegime) Describe() string {
	return "trade volatility regime transitions with conservative sizing"
}

func (v *VolatilityRegime) GenerateSignals(fs *types.FeatureSet) []types.Signal {
	v.mu.Lock()
	if v.last == nil {
		v.last = make(map[string]types.VolRegime)
	}
	prev, seen := v.last[fs.Symbol]
	v.last[fs.Symbol] = fs.Vol
	v.mu.Unlock()

	if !seen || prev == fs.Vol {
		return nil
	}
	switch fs.Vol {
	case types.VolHigh:
		return []types.Signal{newSignal(v.ID(), fs, types.BUY, 0.55, 60)}
	case types.VolLow:
		return []types.Signal{newSignal(v.ID(), fs, types.SELL, 0.55, 60)}
	default:
		return nil
	}
}

func (v *VolatilityRegime) RiskMultiplier(fs *types.FeatureSet) float64 {
	return 0.4
}

// ————————————————————————————————————————————————————————————————————————
// Intraday momentum
// ————————————————————————————————————————————————————————————————————————

// IntradayMomentum trades the last bar return when it clears Threshold,
// with confidence scaled up when the move aligns with the trend regime.
type IntradayMomentum struct {
	Threshold float64
}

func (im *IntradayMomentum) ID() string { return "intraday_momentum" }

func (im *IntradayMomentum) Families() []string { return []string{"momentum"} }

func (im *IntradayMomentum) Describe() string {
	return fmt.Sprintf("ride bar returns beyond %.2f%%, boosted by trend alignment", im.Threshold*100)
}

func (im *IntradayMomentum) GenerateSignals(fs *types.FeatureSet) []types.Signal {
	ret, ok := fs.Values["ret_1"]
	if !ok || math.Abs(ret) < im.Threshold {
		return nil
	}

	side := types.BUY
	aligned := fs.Trend == types.TrendUp
	if ret < 0 {
		side = types.SELL
		aligned = fs.Trend == types.TrendDown
	}
	conf := 0.5 + math.Min(math.Abs(ret)/im.Threshold-1, 1)*0.25
	if aligned {
		conf += 0.15
	}
	return []types.Signal{newSignal(im.ID(), fs, side, conf, 5)}
}

func (im *IntradayMomentum) RiskMultiplier(fs *types.FeatureSet) float64 {
	if fs != nil && fs.Trend == types.TrendSideways {
		return 0.6
	}
	return 1.0
}
