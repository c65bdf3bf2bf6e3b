// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the lab — sides, bars, feature
// sets, signals, orders, fills, positions, and forward-looking labels. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a signal or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL. Used in exposure accounting,
// where BUY notional adds positive exposure and SELL negative.
func (s Side) Sign() float64 {
	if s == SELL {
		return -1
	}
	return 1
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// OrderType enumerates the supported order kinds the paper broker accepts.
type OrderType string

const (
	OrderTypeMarket OrderType = "market" // execute immediately at reference price ± slippage
	OrderTypeLimit  OrderType = "limit"  // fill only if reference price satisfies the limit
)

// AssetClass tags an instrument with its broad market segment. The broker
// uses it to pick a default reference price when no bars have been seen.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
	AssetFX     AssetClass = "fx"
)

// VolRegime classifies current volatility from annualized std-dev of returns.
type VolRegime string

const (
	VolLow    VolRegime = "low"    // < 0.15 annualized
	VolNormal VolRegime = "normal" // 0.15 – 0.30
	VolHigh   VolRegime = "high"   // ≥ 0.30
)

// TrendRegime classifies the prevailing price trend.
type TrendRegime string

const (
	TrendUp       TrendRegime = "up"
	TrendDown     TrendRegime = "down"
	TrendSideways TrendRegime = "sideways"
)

// DirectionClass is the labeled outcome of a trade at one horizon.
type DirectionClass string

const (
	DirectionUp   DirectionClass = "up"
	DirectionDown DirectionClass = "down"
	DirectionFlat DirectionClass = "flat"
)

// RunStatus is the lifecycle state of a trading run.
//
//	initializing → running → stopping → stopped
//	running/stopping → error (unrecoverable) → stopped
type RunStatus string

const (
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunStopping     RunStatus = "stopping"
	RunStopped      RunStatus = "stopped"
	RunError        RunStatus = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Market data and features
// ————————————————————————————————————————————————————————————————————————

// Instrument identifies one tradeable symbol.
type Instrument struct {
	Symbol string     `json:"symbol"` // uppercase identifier, e.g. "AAPL"
	Venue  string     `json:"venue,omitempty"`
	Class  AssetClass `json:"class"`
}

// Bar is one OHLCV price bar. Bars arrive in ascending timestamp order per
// symbol; the feature pipeline keeps a bounded rolling window of them.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"` // UTC
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"` // ≥ 0
}

// FeatureSet is a named mapping of feature values computed deterministically
// from one symbol's rolling bar window. Features whose lookback exceeds the
// window are absent from Values rather than zero.
type FeatureSet struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
	Vol       VolRegime          `json:"vol_regime"`
	Trend     TrendRegime        `json:"trend_regime"`
}

// Get returns a feature value and whether it is present.
func (fs *FeatureSet) Get(name string) (float64, bool) {
	if fs == nil || fs.Values == nil {
		return 0, false
	}
	v, ok := fs.Values[name]
	return v, ok
}

// ————————————————————————————————————————————————————————————————————————
// Signals and trades
// ————————————————————————————————————————————————————————————————————————

// Signal is produced by exactly one theory for exactly one instrument at an
// instant. A signal is delivered to at most one trade-request build.
type Signal struct {
	ID         string      `json:"id"` // unique, assigned on creation
	TheoryID   string      `json:"theory_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Confidence float64     `json:"confidence"`  // [0, 1]
	HorizonMin int         `json:"horizon_min"` // target horizon in minutes
	Features   *FeatureSet `json:"features,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// TradeRequest is a signal enriched with computed notional and integer share
// quantity, queued for execution.
type TradeRequest struct {
	Signal     Signal    `json:"signal"`
	Notional   float64   `json:"notional"`
	Qty        int64     `json:"qty"` // integer shares, > 0
	RefPrice   float64   `json:"ref_price"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Order is what the engine submits to the broker. ClientID carries the
// originating signal ID; exactly one outstanding order exists per signal.
type Order struct {
	ClientID   string    `json:"client_id"` // = signal ID
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int64     `json:"qty"` // > 0
	Type       OrderType `json:"type"`
	LimitPrice float64   `json:"limit_price,omitempty"` // required for limit orders
}

// Fill records one simulated execution. Created atomically with the broker's
// position-book update; a fill never references a missing order.
type Fill struct {
	OrderID     string    `json:"order_id"` // = the order's ClientID
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Qty         int64     `json:"qty"`
	AvgPrice    float64   `json:"avg_price"` // > 0
	Fees        float64   `json:"fees"`      // ≥ 0
	SlippageBps float64   `json:"slippage_bps"`
	FillTime    time.Time `json:"fill_time"`
}

// Notional returns the absolute dollar value of the fill.
func (f Fill) Notional() float64 {
	return f.AvgPrice * float64(f.Qty)
}

// Position is signed holdings in one symbol. Qty == 0 means no position.
type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      int64   `json:"qty"` // signed: long > 0, short < 0
	AvgPrice float64 `json:"avg_price"`
}

// ————————————————————————————————————————————————————————————————————————
// Labels
// ————————————————————————————————————————————————————————————————————————

// Label is the forward-looking outcome of a fill at one horizon.
type Label struct {
	HorizonMin   int            `json:"horizon_min"`
	Return       float64        `json:"return"` // signed, from the fill's perspective
	Direction    DirectionClass `json:"direction"`
	MaxFavorable float64        `json:"max_favorable"` // ≥ 0, best excursion over the window
	MaxAdverse   float64        `json:"max_adverse"`   // ≥ 0, worst excursion over the window
}

// LabelSet groups the labels of one fill across horizons. Horizons whose
// future bars are missing are absent from the map, not zero.
type LabelSet struct {
	OrderID string        `json:"order_id"`
	Symbol  string        `json:"symbol"`
	Labels  map[int]Label `json:"labels"` // keyed by horizon minutes
}

// FeatureWeight pairs a feature name with the weight the learner assigned it
// when explaining a prediction. The nightly job maps names to families.
type FeatureWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// LabeledTrade is the durable event written to the event log once a fill's
// primary-horizon label matures. The nightly learning job reads these.
type LabeledTrade struct {
	SignalID   string          `json:"signal_id"`
	TheoryID   string          `json:"theory_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	PUp        float64         `json:"p_up"` // learner's predicted probability of "up"
	Outcome    DirectionClass  `json:"outcome"`
	ReturnBps  float64         `json:"return_bps"`
	FeesBps    float64         `json:"fees_bps"`
	Weights    []FeatureWeight `json:"weights,omitempty"`
	LabeledAt  time.Time       `json:"labeled_at"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Runs and control-plane results
// ————————————————————————————————————————————————————————————————————————

// RunParams configures one trading run.
type RunParams struct {
	Universe           []string `json:"universe"` // non-empty symbol list
	Theories           []string `json:"theories"` // non-empty theory-id list
	HorizonsMin        []int    `json:"horizons_min"`
	MaxConcurrency     int64    `json:"max_concurrency"`
	MaxTradesPerMinute int      `json:"max_trades_per_minute"`
	MicrotradeNotional float64  `json:"microtrade_notional"`
	MaxExposure        float64  `json:"max_exposure_notional"` // per-symbol exposure cap
	MaxOpenTrades      int      `json:"max_open_trades"`
	MaxTradesPerSym    int      `json:"max_trades_per_symbol"`
	Seed               uint64   `json:"seed"`
}

// OpResult is the structured outcome of a control-plane operation. Guardrail
// blocks and validation failures are results, not errors.
type OpResult struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Accepted is the OpResult for a successfully accepted operation.
func Accepted() OpResult { return OpResult{OK: true, Status: "accepted"} }

// Rejected builds an OpResult describing why an operation was refused.
func Rejected(reason string) OpResult {
	return OpResult{OK: false, Status: "rejected", Reason: reason}
}
