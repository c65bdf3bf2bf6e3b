// Package quality measures execution quality. Every fill is scored for
// slippage against three references (mid at submit, mid at fill, and a
// rolling VWAP) plus market impact, then aggregated into fixed-width
// time buckets keyed by venue and symbol.
package quality

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"tradelab/pkg/types"
)

// DefaultBucketWidth is the aggregation granularity when the config does
// not set one.
const DefaultBucketWidth = 15 * time.Minute

// Config controls windows, bucket granularity, and retention. Zero values
// select defaults.
type Config struct {
	VWAPWindow  time.Duration `mapstructure:"vwap_window"`
	BucketWidth time.Duration `mapstructure:"bucket_width"`
	Retention   time.Duration `mapstructure:"retention"`
	MaxHistory  int           `mapstructure:"max_history"`
	StatePath   string        `mapstructure:"state_path"`
}

func (c *Config) applyDefaults() {
	if c.VWAPWindow <= 0 {
		c.VWAPWindow = 300 * time.Second
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = DefaultBucketWidth
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
}

// tick is one trade print feeding the VWAP window.
type tick struct {
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	TS    time.Time `json:"ts"`
}

// ExecutionInput carries everything known about a fill at record time.
type ExecutionInput struct {
	OrderID   string
	Venue     string
	Symbol    string
	Side      types.Side
	Qty       int64
	FillPrice float64
	SubmitMid float64
	FillMid   float64
	FillTime  time.Time
}

// ExecutionRecord is the scored fill. Slippage is signed so that positive
// values are adverse: a buy above the reference and a sell below it both
// score positive.
type ExecutionRecord struct {
	OrderID          string    `json:"order_id"`
	Venue            string    `json:"venue"`
	Symbol           string    `json:"symbol"`
	Side             types.Side `json:"side"`
	Qty              int64     `json:"qty"`
	FillPrice        float64   `json:"fill_price"`
	SlipVsSubmitBps  float64   `json:"slip_vs_submit_bps"`
	SlipVsFillBps    float64   `json:"slip_vs_fill_bps"`
	SlipVsVWAPBps    float64   `json:"slip_vs_vwap_bps"`
	MarketImpactBps  float64   `json:"market_impact_bps"`
	VWAP             float64   `json:"vwap"`
	FillTime         time.Time `json:"fill_time"`
}

// BucketKey identifies one aggregation bucket.
type BucketKey struct {
	Venue  string    `json:"venue"`
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start"`
}

// Bucket holds aggregate slippage for one (venue, symbol, window).
type Bucket struct {
	Key             BucketKey `json:"key"`
	Fills           int64     `json:"fills"`
	Qty             int64     `json:"qty"`
	SumSlipSubmit   float64   `json:"sum_slip_submit_bps"`
	SumSlipFill     float64   `json:"sum_slip_fill_bps"`
	SumSlipVWAP     float64   `json:"sum_slip_vwap_bps"`
	SumImpact       float64   `json:"sum_impact_bps"`
	WorstSlipSubmit float64   `json:"worst_slip_submit_bps"`
}

// VenueStats is the roll-up used for venue comparison.
type VenueStats struct {
	Venue           string  `json:"venue"`
	Fills           int64   `json:"fills"`
	AvgSlipSubmit   float64 `json:"avg_slip_submit_bps"`
	AvgSlipVWAP     float64 `json:"avg_slip_vwap_bps"`
	AvgImpact       float64 `json:"avg_impact_bps"`
	WorstSlipSubmit float64 `json:"worst_slip_submit_bps"`
}

// Tracker scores fills and keeps the rolling state.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	ticks   map[string][]tick
	buckets map[BucketKey]*Bucket
	history []ExecutionRecord
	byOrder map[string]int // order-id -> history index
}

func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:     cfg,
		logger:  logger.With("component", "quality"),
		ticks:   make(map[string][]tick),
		buckets: make(map[BucketKey]*Bucket),
		byOrder: make(map[string]int),
	}
}

// RecordTick feeds one trade print into the symbol's VWAP window. Prints
// older than the window are evicted from the front.
func (t *Tracker) RecordTick(symbol string, price, size float64, ts time.Time) {
	if price <= 0 || size <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w := append(t.ticks[symbol], tick{Price: price, Size: size, TS: ts})
	cutoff := ts.Add(-t.cfg.VWAPWindow)
	start := 0
	for start < len(w) && w[start].TS.Before(cutoff) {
		start++
	}
	t.ticks[symbol] = w[start:]
}

// vwapLocked returns the volume-weighted average price over the window,
// or 0 when no prints are in the window.
func (t *Tracker) vwapLocked(symbol string, asOf time.Time) float64 {
	cutoff := asOf.Add(-t.cfg.VWAPWindow)
	var pv, vol float64
	for _, tk := range t.ticks[symbol] {
		if tk.TS.Before(cutoff) || tk.TS.After(asOf) {
			continue
		}
		pv += tk.Price * tk.Size
		vol += tk.Size
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// slipBps is the side-signed slippage of price against ref, in basis
// points. Positive is adverse.
func slipBps(side types.Side, price, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return float64(side.Sign()) * (price - ref) / ref * 10_000
}

// RecordExecution scores one fill, stores it in the bounded history, and
// folds it into its bucket.
func (t *Tracker) RecordExecution(in ExecutionInput) ExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	vwap := t.vwapLocked(in.Symbol, in.FillTime)

	rec := ExecutionRecord{
		OrderID:   in.OrderID,
		Venue:     in.Venue,
		Symbol:    in.Symbol,
		Side:      in.Side,
		Qty:       in.Qty,
		FillPrice: in.FillPrice,
		VWAP:      vwap,
		FillTime:  in.FillTime,

		SlipVsSubmitBps: slipBps(in.Side, in.FillPrice, in.SubmitMid),
		SlipVsFillBps:   slipBps(in.Side, in.FillPrice, in.FillMid),
		SlipVsVWAPBps:   slipBps(in.Side, in.FillPrice, vwap),
		MarketImpactBps: slipBps(in.Side, in.FillMid, in.SubmitMid),
	}

	t.history = append(t.history, rec)
	if len(t.history) > t.cfg.MaxHistory {
		drop := len(t.history) - t.cfg.MaxHistory
		t.history = t.history[drop:]
		// Rebuild the order index against the shifted slice.
		t.byOrder = make(map[string]int, len(t.history))
		for i, r := range t.history {
			t.byOrder[r.OrderID] = i
		}
	} else {
		t.byOrder[rec.OrderID] = len(t.history) - 1
	}

	key := BucketKey{
		Venue:  in.Venue,
		Symbol: in.Symbol,
		Start:  in.FillTime.Truncate(t.cfg.BucketWidth),
	}
	b, ok := t.buckets[key]
	if !ok {
		b = &Bucket{Key: key}
		t.buckets[key] = b
	}
	b.Fills++
	b.Qty += abs64(in.Qty)
	b.SumSlipSubmit += rec.SlipVsSubmitBps
	b.SumSlipFill += rec.SlipVsFillBps
	b.SumSlipVWAP += rec.SlipVsVWAPBps
	b.SumImpact += rec.MarketImpactBps
	if rec.SlipVsSubmitBps > b.WorstSlipSubmit {
		b.WorstSlipSubmit = rec.SlipVsSubmitBps
	}

	t.pruneLocked(in.FillTime)
	return rec
}

// pruneLocked drops buckets older than the retention horizon.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.Retention)
	for key := range t.buckets {
		if key.Start.Before(cutoff) {
			delete(t.buckets, key)
		}
	}
}

// Lookup returns the scored record for an order, if still in history.
func (t *Tracker) Lookup(orderID string) (ExecutionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byOrder[orderID]
	if !ok {
		return ExecutionRecord{}, false
	}
	return t.history[i], true
}

// Buckets returns the current buckets sorted by start time then key.
func (t *Tracker) Buckets() []Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Bucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Venue != b.Venue {
			return a.Venue < b.Venue
		}
		return a.Symbol < b.Symbol
	})
	return out
}

// VenueComparison rolls every bucket up per venue, sorted by average
// slippage vs submit mid, best first.
func (t *Tracker) VenueComparison() []VenueStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := make(map[string]*VenueStats)
	for _, b := range t.buckets {
		v, ok := agg[b.Key.Venue]
		if !ok {
			v = &VenueStats{Venue: b.Key.Venue, WorstSlipSubmit: math.Inf(-1)}
			agg[b.Key.Venue] = v
		}
		v.Fills += b.Fills
		v.AvgSlipSubmit += b.SumSlipSubmit
		v.AvgSlipVWAP += b.SumSlipVWAP
		v.AvgImpact += b.SumImpact
		if b.WorstSlipSubmit > v.WorstSlipSubmit {
			v.WorstSlipSubmit = b.WorstSlipSubmit
		}
	}

	out := make([]VenueStats, 0, len(agg))
	for _, v := range agg {
		if v.Fills > 0 {
			n := float64(v.Fills)
			v.AvgSlipSubmit /= n
			v.AvgSlipVWAP /= n
			v.AvgImpact /= n
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AvgSlipSubmit < out[j].AvgSlipSubmit })
	return out
}

// History returns a copy of the bounded execution history, oldest first.
func (t *Tracker) History() []ExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ExecutionRecord, len(t.history))
	copy(out, t.history)
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
