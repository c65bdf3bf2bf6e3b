package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"tradelab/pkg/types"
)

// barDTO is the wire shape served by the replay endpoint.
type barDTO struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// HTTP polls a replay endpoint for new bars. Each poll requests bars per
// symbol after the last seen timestamp, so restarts and hiccups never
// double-emit.
type HTTP struct {
	client   *resty.Client
	url      string
	symbols  []string
	interval time.Duration
	logger   *slog.Logger

	lastSeen map[string]int64
	failures int64
}

func NewHTTP(url string, symbols []string, interval time.Duration, logger *slog.Logger) *HTTP {
	if interval <= 0 {
		interval = time.Second
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &HTTP{
		client:   client,
		url:      url,
		symbols:  symbols,
		interval: interval,
		logger:   logger.With("component", "feed", "provider", "http"),
		lastSeen: make(map[string]int64, len(symbols)),
	}
}

func (h *HTTP) Name() string { return "http" }

// Run polls until cancelled. Fetch errors are throttled into counters so
// a flapping upstream cannot flood the logs or kill the feed.
func (h *HTTP) Run(ctx context.Context, emit func(types.Bar)) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("http feed started", "url", h.url, "symbols", len(h.symbols))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sym := range h.symbols {
				if err := h.poll(ctx, sym, emit); err != nil {
					h.failures++
					if h.failures%20 == 1 {
						h.logger.Warn("bar fetch failing",
							"symbol", sym, "failures", h.failures, "error", err)
					}
				}
			}
		}
	}
}

func (h *HTTP) poll(ctx context.Context, symbol string, emit func(types.Bar)) error {
	var bars []barDTO
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("after", fmt.Sprintf("%d", h.lastSeen[symbol])).
		SetResult(&bars).
		Get(h.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("bar endpoint returned %s", resp.Status())
	}

	for _, dto := range bars {
		if dto.Timestamp <= h.lastSeen[symbol] {
			continue
		}
		h.lastSeen[symbol] = dto.Timestamp
		sym := dto.Symbol
		if sym == "" {
			sym = symbol
		}
		emit(types.Bar{
			Symbol:    sym,
			Timestamp: time.UnixMilli(dto.Timestamp).UTC(),
			Open:      dto.Open,
			High:      dto.High,
			Low:       dto.Low,
			Close:     dto.Close,
			Volume:    dto.Volume,
		})
	}
	return nil
}
