package feed

import (
	"context"
	"log/slog"
	"math"
	"time"

	"golang.org/x/exp/rand"

	"tradelab/pkg/types"
)

// Synthetic generates a geometric random walk per symbol. Deterministic
// for a given seed and universe ordering.
type Synthetic struct {
	symbols  []string
	interval time.Duration
	logger   *slog.Logger
	rng      *rand.Rand
	prices   map[string]float64
}

// NewSynthetic seeds one walk per symbol starting at 100.
func NewSynthetic(symbols []string, interval time.Duration, seed uint64, logger *slog.Logger) *Synthetic {
	if interval <= 0 {
		interval = time.Second
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = 100
	}
	return &Synthetic{
		symbols:  symbols,
		interval: interval,
		logger:   logger.With("component", "feed", "provider", "synthetic"),
		rng:      rand.New(rand.NewSource(seed)),
		prices:   prices,
	}
}

func (s *Synthetic) Name() string { return "synthetic" }

// Run emits one bar per symbol per interval until cancelled.
func (s *Synthetic) Run(ctx context.Context, emit func(types.Bar)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("synthetic feed started",
		"symbols", len(s.symbols), "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, sym := range s.symbols {
				emit(s.nextBar(sym, now.UTC()))
			}
		}
	}
}

// nextBar advances one symbol's walk by a single bar.
func (s *Synthetic) nextBar(symbol string, ts time.Time) types.Bar {
	open := s.prices[symbol]

	// Per-bar volatility of ~20bps with a slight mean reversion toward
	// the starting level keeps walks in a plausible range.
	ret := s.rng.NormFloat64() * 0.002
	ret += (100 - open) / open * 0.0005
	close := open * (1 + ret)

	spread := math.Abs(s.rng.NormFloat64()) * 0.001 * open
	high := math.Max(open, close) + spread
	low := math.Min(open, close) - spread
	volume := 500 + s.rng.Float64()*4500

	s.prices[symbol] = close
	return types.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
}
