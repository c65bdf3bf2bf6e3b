// Package features maintains rolling per-symbol bar windows and derives two
// things from them: deterministic feature sets for the theories and the
// learner, and forward-looking labels for filled trades.
//
// The window is shared by both subsystems. Bars are appended in ascending
// timestamp order per symbol; the window keeps the most recent N bars
// (default 200). Feature computation is side-effect-free except for the
// incremental EMA cache, which updates on AddBar, never on compute.
package features

import (
	"sync"
	"time"

	"tradelab/pkg/types"
)

// DefaultWindowSize is the per-symbol rolling window capacity.
const DefaultWindowSize = 200

// emaKey identifies one cached EMA series: a symbol and a period.
type emaKey struct {
	symbol string
	period int
}

// Pipeline owns the rolling windows and the EMA cache. Thread-safe.
type Pipeline struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string][]types.Bar
	emas     map[emaKey]float64
}

// NewPipeline creates a pipeline with the given window capacity per symbol.
// capacity <= 0 selects DefaultWindowSize.
func NewPipeline(capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Pipeline{
		capacity: capacity,
		windows:  make(map[string][]types.Bar),
		emas:     make(map[emaKey]float64),
	}
}

// AddBar appends a bar to its symbol's window, evicting the oldest bar once
// the window is full. Out-of-order bars (timestamp not after the last) are
// ignored so the window stays strictly ascending.
func (p *Pipeline) AddBar(bar types.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.windows[bar.Symbol]
	if n := len(w); n > 0 && !bar.Timestamp.After(w[n-1].Timestamp) {
		return
	}

	w = append(w, bar)
	if len(w) > p.capacity {
		w = w[1:]
	}
	p.windows[bar.Symbol] = w

	p.updateEMAsLocked(bar)
}

// updateEMAsLocked advances the cached EMAs for the standard periods.
func (p *Pipeline) updateEMAsLocked(bar types.Bar) {
	for _, period := range []int{12, 26} {
		key := emaKey{bar.Symbol, period}
		prev, ok := p.emas[key]
		if !ok {
			p.emas[key] = bar.Close
			continue
		}
		k := 2.0 / float64(period+1)
		p.emas[key] = prev + k*(bar.Close-prev)
	}
}

// Window returns a copy of the symbol's current bar window.
func (p *Pipeline) Window(symbol string) []types.Bar {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w := p.windows[symbol]
	out := make([]types.Bar, len(w))
	copy(out, w)
	return out
}

// LastBar returns the most recent bar for a symbol, if any.
func (p *Pipeline) LastBar(symbol string) (types.Bar, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w := p.windows[symbol]
	if len(w) == 0 {
		return types.Bar{}, false
	}
	return w[len(w)-1], true
}

// barInterval infers the bar spacing from the last two bars. Falls back to
// one minute for windows with fewer than two bars.
func barInterval(w []types.Bar) time.Duration {
	if len(w) < 2 {
		return time.Minute
	}
	d := w[len(w)-1].Timestamp.Sub(w[len(w)-2].Timestamp)
	if d <= 0 {
		return time.Minute
	}
	return d
}
