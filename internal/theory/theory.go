// Package theory defines the pluggable trading-theory interface and the
// registry that fans feature sets out to every enabled theory.
package theory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradelab/pkg/types"
)

var (
	ErrDuplicateID = errors.New("theory: duplicate id")
	ErrNotFound    = errors.New("theory: not found")
)

// Theory turns a feature set into zero or more trade signals. Theories are
// stateless with respect to the registry; any internal state they keep must
// be safe for concurrent GenerateSignals calls.
type Theory interface {
	// ID is a stable, unique identifier used by the allocator and reports.
	ID() string
	// Describe returns a one-line human summary of the hypothesis.
	Describe() string
	// GenerateSignals inspects one symbol's features and proposes trades.
	GenerateSignals(fs *types.FeatureSet) []types.Signal
	// RiskMultiplier scales position sizing for the current conditions,
	// in [0, 1]. 1.0 is full size.
	RiskMultiplier(fs *types.FeatureSet) float64
}

// FamilyTagger is implemented by theories that declare the feature
// families driving their signals. The nightly report's suggested family
// weights are projected onto theories through these tags.
type FamilyTagger interface {
	Families() []string
}

// Status is a registry-level view of one theory.
type Status struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	Enabled      bool      `json:"enabled"`
	SignalCount  int64     `json:"signal_count"`
	LastSignalAt time.Time `json:"last_signal_at,omitzero"`
}

type entry struct {
	theory       Theory
	enabled      bool
	signalCount  int64
	lastSignalAt time.Time
}

// Registry holds the registered theories and their generation counters.
type Registry struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	entries map[string]*entry
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "theory"),
		entries: make(map[string]*entry),
	}
}

// NewDefaultRegistry returns a registry preloaded with the builtin theories.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, th := range Builtins() {
		// Builtin IDs are distinct, registration cannot fail.
		_ = r.Register(th)
	}
	return r
}

// Register adds a theory, enabled. Fails if the ID is already taken.
func (r *Registry) Register(th Theory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := th.ID()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.entries[id] = &entry{theory: th, enabled: true}
	r.logger.Info("theory registered", "id", id)
	return nil
}

// Get returns a theory by ID.
func (r *Registry) Get(id string) (Theory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.theory, nil
}

// IsEnabled reports whether a theory exists and is enabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.enabled
}

// Families reports the feature families a theory draws on, or "other"
// when the theory does not declare any.
func (r *Registry) Families(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		if ft, ok := e.theory.(FamilyTagger); ok {
			return ft.Families()
		}
	}
	return []string{"other"}
}

// EnabledIDs returns the IDs of enabled theories, sorted.
func (r *Registry) EnabledIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetEnabled toggles signal generation for one theory.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.enabled = enabled
	r.logger.Info("theory toggled", "id", id, "enabled", enabled)
	return nil
}

// IDs returns the registered theory IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the status of every registered theory, sorted by ID.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Status{
			ID:           id,
			Description:  e.theory.Describe(),
			Enabled:      e.enabled,
			SignalCount:  e.signalCount,
			LastSignalAt: e.lastSignalAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GenerateAll runs every enabled theory against the feature set and returns
// the combined signals. Counters update per emitting theory.
func (r *Registry) GenerateAll(fs *types.FeatureSet) []types.Signal {
	if fs == nil {
		return nil
	}

	r.mu.RLock()
	theories := make([]Theory, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			theories = append(theories, e.theory)
		}
	}
	r.mu.RUnlock()

	var signals []types.Signal
	for _, th := range theories {
		sigs := th.GenerateSignals(fs)
		if len(sigs) == 0 {
			continue
		}
		signals = append(signals, sigs...)

		r.mu.Lock()
		if e, ok := r.entries[th.ID()]; ok {
			e.signalCount += int64(len(sigs))
			e.lastSignalAt = fs.Timestamp
		}
		r.mu.Unlock()
	}
	return signals
}

// RiskMultiplier returns the named theory's sizing multiplier for the given
// conditions, or 1.0 when the theory is unknown.
func (r *Registry) RiskMultiplier(id string, fs *types.FeatureSet) float64 {
	th, err := r.Get(id)
	if err != nil {
		return 1.0
	}
	return th.RiskMultiplier(fs)
}
