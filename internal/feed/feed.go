// Package feed produces the bar stream driving the lab. Two providers:
// a seeded synthetic random walk for self-contained runs, and an HTTP
// replay source that polls an endpoint serving OHLCV JSON.
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"tradelab/internal/config"
	"tradelab/pkg/types"
)

// Provider is one bar source. Run blocks until the context is cancelled,
// calling emit for every bar in timestamp order per symbol.
type Provider interface {
	Name() string
	Run(ctx context.Context, emit func(types.Bar)) error
}

// New builds the provider selected by configuration.
func New(cfg config.FeedConfig, universe []string, seed uint64, logger *slog.Logger) (Provider, error) {
	switch cfg.Mode {
	case "", "synthetic":
		return NewSynthetic(universe, cfg.BarInterval, seed, logger), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("feed: http mode requires a url")
		}
		return NewHTTP(cfg.URL, universe, cfg.BarInterval, logger), nil
	default:
		return nil, fmt.Errorf("feed: unknown mode %q", cfg.Mode)
	}
}
