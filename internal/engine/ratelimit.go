package engine

import (
	"sync"
	"time"
)

// rateLimiter enforces a hard cap on events inside a trailing window. The
// semantics are strict: the Nth+1 request inside any 60-second span is
// rejected, regardless of how the earlier ones were spaced.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	times  []time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{window: window, max: max}
}

// pruneLocked drops timestamps strictly older than the window; an event
// exactly window-old still counts against the cap.
func (l *rateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	start := 0
	for start < len(l.times) && l.times[start].Before(cutoff) {
		start++
	}
	l.times = l.times[start:]
}

// Allow records the event and returns true if the window has room,
// otherwise rejects without recording.
func (l *rateLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	if len(l.times) >= l.max {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// Count reports the events currently inside the window.
func (l *rateLimiter) Count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	return len(l.times)
}
