// Package hub is a multi-channel broadcast fan-out. Each channel owns a
// bounded FIFO queue and one consumer goroutine; producers enqueue with a
// short timeout and drop the newest payload when the queue stays full.
// Slow or dead subscribers are pruned by per-send timeouts and a global
// heartbeat.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Subscriber is one delivery target. Send must respect the context
// deadline; a Send error marks the subscriber dead.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Config carries the hub timeouts and capacities.
type Config struct {
	QueueSize         int           `mapstructure:"queue_size"`
	EnqueueTimeout    time.Duration `mapstructure:"enqueue_timeout"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 50 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelStats is the per-channel counter view.
type ChannelStats struct {
	Channel            string  `json:"channel"`
	Subscribers        int     `json:"subscribers"`
	QueueSize          int     `json:"queue_size"`
	QueueCapacity      int     `json:"queue_capacity"`
	QueueDropped       int64   `json:"queue_dropped"`
	BroadcastAttempted int64   `json:"broadcast_attempted"`
	BroadcastFailed    int64   `json:"broadcast_failed"`
	LastLatencyMS      float64 `json:"last_latency_ms"`
}

type channel struct {
	name  string
	queue chan []byte

	mu   sync.Mutex
	subs map[string]Subscriber

	dropped   atomic.Int64
	attempted atomic.Int64
	failed    atomic.Int64
	latencyMS atomic.Int64 // microseconds, stored scaled for atomicity
}

// Hub owns the channels and the heartbeat.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
	byID     map[string]*channel // subscriber-id -> its channel

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	heartbeat sync.Once
}

func New(cfg Config, logger *slog.Logger) *Hub {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		channels: make(map[string]*channel),
		byID:     make(map[string]*channel),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// channelLocked lazily creates a channel with its consumer goroutine.
func (h *Hub) channelLocked(name string) *channel {
	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{
			name:  name,
			queue: make(chan []byte, h.cfg.QueueSize),
			subs:  make(map[string]Subscriber),
		}
		h.channels[name] = ch
		h.wg.Add(1)
		go h.consume(ch)
	}
	return ch
}

// Connect registers a subscriber on a channel and starts the heartbeat
// task on first use. Metadata is logged, not stored.
func (h *Hub) Connect(sub Subscriber, channelName string, metadata map[string]string) {
	h.mu.Lock()
	ch := h.channelLocked(channelName)
	h.byID[sub.ID()] = ch
	h.mu.Unlock()

	ch.mu.Lock()
	ch.subs[sub.ID()] = sub
	ch.mu.Unlock()

	h.heartbeat.Do(func() {
		h.wg.Add(1)
		go h.heartbeatLoop()
	})

	h.logger.Info("subscriber connected",
		"channel", channelName, "subscriber", sub.ID(), "metadata", metadata)
}

// Disconnect removes a subscriber. Idempotent.
func (h *Hub) Disconnect(sub Subscriber) {
	h.mu.Lock()
	ch := h.byID[sub.ID()]
	delete(h.byID, sub.ID())
	h.mu.Unlock()

	if ch == nil {
		return
	}
	ch.mu.Lock()
	_, present := ch.subs[sub.ID()]
	delete(ch.subs, sub.ID())
	ch.mu.Unlock()

	if present {
		_ = sub.Close()
		h.logger.Info("subscriber disconnected", "channel", ch.name, "subscriber", sub.ID())
	}
}

// BroadcastToType enqueues a payload for one channel. Marshals to JSON;
// on a full queue past the enqueue timeout the payload is dropped (drop
// newest) and the drop counter advances, warning on every 100th drop.
func (h *Hub) BroadcastToType(payload any, channelName string) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "channel", channelName, "error", err)
		return
	}

	h.mu.Lock()
	ch := h.channelLocked(channelName)
	h.mu.Unlock()

	timer := time.NewTimer(h.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case ch.queue <- data:
	case <-timer.C:
		n := ch.dropped.Add(1)
		if n%100 == 0 {
			h.logger.Warn("broadcast queue dropping",
				"channel", channelName, "dropped", n)
		}
	case <-h.ctx.Done():
	}
}

// GetQueueUtilization reports the channel queue's fill level without
// blocking. Producers skip their tick at ratio >= 0.8.
func (h *Hub) GetQueueUtilization(channelName string) (size, capacity int, ratio float64) {
	h.mu.Lock()
	ch := h.channels[channelName]
	h.mu.Unlock()
	if ch == nil {
		return 0, h.cfg.QueueSize, 0
	}
	size = len(ch.queue)
	capacity = cap(ch.queue)
	return size, capacity, float64(size) / float64(capacity)
}

// SendPersonal delivers directly to one subscriber with the per-send
// timeout; a failed send disconnects it.
func (h *Hub) SendPersonal(sub Subscriber, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SendTimeout)
	defer cancel()
	if err := sub.Send(ctx, data); err != nil {
		h.Disconnect(sub)
		return err
	}
	return nil
}

// consume is the per-channel consumer loop: dequeue, snapshot the
// subscriber set, dispatch concurrently, prune failures.
func (h *Hub) consume(ch *channel) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case data := <-ch.queue:
			start := time.Now()

			ch.mu.Lock()
			targets := make([]Subscriber, 0, len(ch.subs))
			for _, s := range ch.subs {
				targets = append(targets, s)
			}
			ch.mu.Unlock()

			var wg sync.WaitGroup
			var failedMu sync.Mutex
			var failed []Subscriber
			for _, s := range targets {
				wg.Add(1)
				go func(s Subscriber) {
					defer wg.Done()
					ch.attempted.Add(1)
					ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SendTimeout)
					defer cancel()
					if err := s.Send(ctx, data); err != nil {
						ch.failed.Add(1)
						failedMu.Lock()
						failed = append(failed, s)
						failedMu.Unlock()
					}
				}(s)
			}
			wg.Wait()

			for _, s := range failed {
				h.Disconnect(s)
			}
			ch.latencyMS.Store(time.Since(start).Microseconds())
		}
	}
}

// heartbeatLoop pings every subscriber on every channel at the configured
// interval, pruning the ones that fail.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			chans := make([]*channel, 0, len(h.channels))
			for _, ch := range h.channels {
				chans = append(chans, ch)
			}
			h.mu.Unlock()

			for _, ch := range chans {
				ch.mu.Lock()
				targets := make([]Subscriber, 0, len(ch.subs))
				for _, s := range ch.subs {
					targets = append(targets, s)
				}
				before := len(targets)
				ch.mu.Unlock()

				for _, s := range targets {
					ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SendTimeout)
					err := s.Send(ctx, ping)
					cancel()
					if err != nil {
						h.Disconnect(s)
					}
				}

				ch.mu.Lock()
				after := len(ch.subs)
				ch.mu.Unlock()
				if after < before {
					h.logger.Info("pruned sockets",
						"channel", ch.name, "before", before, "after", after)
				}
			}
		}
	}
}

// Stats returns per-channel counters, sorted by channel name.
func (h *Hub) Stats() []ChannelStats {
	h.mu.Lock()
	chans := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		chans = append(chans, ch)
	}
	h.mu.Unlock()

	out := make([]ChannelStats, 0, len(chans))
	for _, ch := range chans {
		ch.mu.Lock()
		subs := len(ch.subs)
		ch.mu.Unlock()
		out = append(out, ChannelStats{
			Channel:            ch.name,
			Subscribers:        subs,
			QueueSize:          len(ch.queue),
			QueueCapacity:      cap(ch.queue),
			QueueDropped:       ch.dropped.Load(),
			BroadcastAttempted: ch.attempted.Load(),
			BroadcastFailed:    ch.failed.Load(),
			LastLatencyMS:      float64(ch.latencyMS.Load()) / 1000,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Stop cancels every consumer and the heartbeat and waits for them.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.channels {
		ch.mu.Lock()
		for _, s := range ch.subs {
			_ = s.Close()
		}
		ch.subs = make(map[string]Subscriber)
		ch.mu.Unlock()
	}
}
