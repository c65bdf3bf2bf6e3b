// Package snapshot persists component state into a single versioned JSON
// document, written atomically. Restore is best-effort per component: a
// corrupt section never blocks its siblings.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Version is the snapshot document version.
const Version = 1

// Component is anything that can serialize and restore its own state.
type Component interface {
	// GetState returns the serializable state.
	GetState() (any, error)
	// SetState restores from a previously serialized state.
	SetState(raw json.RawMessage) error
}

// document is the on-disk shape.
type document struct {
	Version    int                        `json:"version"`
	SavedAt    time.Time                  `json:"saved_at"`
	Components map[string]json.RawMessage `json:"components"`
}

// Manager owns the registered components and the snapshot file.
type Manager struct {
	mu         sync.Mutex
	path       string
	logger     *slog.Logger
	components map[string]Component
}

func NewManager(path string, logger *slog.Logger) *Manager {
	return &Manager{
		path:       path,
		logger:     logger.With("component", "snapshot"),
		components: make(map[string]Component),
	}
}

// Register adds a named component. Later registrations with the same name
// replace earlier ones.
func (m *Manager) Register(name string, c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = c
}

// Save collects every component's state and writes the document
// atomically. A component that fails to serialize is skipped with a log
// line; the snapshot still covers the rest.
func (m *Manager) Save() error {
	if m.path == "" {
		return nil
	}

	m.mu.Lock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := document{
		Version:    Version,
		SavedAt:    time.Now().UTC(),
		Components: make(map[string]json.RawMessage, len(names)),
	}
	for _, name := range names {
		state, err := m.components[name].GetState()
		if err != nil {
			m.logger.Warn("component state unavailable", "name", name, "error", err)
			continue
		}
		raw, err := json.Marshal(state)
		if err != nil {
			m.logger.Warn("component state unmarshalable", "name", name, "error", err)
			continue
		}
		doc.Components[name] = raw
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	m.logger.Debug("snapshot saved", "components", len(doc.Components))
	return nil
}

// Restore reads the snapshot and hands each component its section. A
// missing file is not an error. Returns the number of components
// restored.
func (m *Manager) Restore() (int, error) {
	if m.path == "" {
		return 0, nil
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse snapshot: %w", err)
	}
	if doc.Version != Version {
		return 0, fmt.Errorf("snapshot version %d unsupported", doc.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for name, c := range m.components {
		raw, ok := doc.Components[name]
		if !ok {
			continue
		}
		if err := c.SetState(raw); err != nil {
			m.logger.Warn("component restore failed", "name", name, "error", err)
			continue
		}
		restored++
	}

	m.logger.Info("snapshot restored",
		"saved_at", doc.SavedAt, "restored", restored, "sections", len(doc.Components))
	return restored, nil
}

// Run saves on the given interval until the context is cancelled, then
// takes one final snapshot on the way out.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.Save(); err != nil {
				m.logger.Error("final snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := m.Save(); err != nil {
				m.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// Func adapts a pair of closures into a Component.
type Func struct {
	Get func() (any, error)
	Set func(json.RawMessage) error
}

func (f Func) GetState() (any, error)            { return f.Get() }
func (f Func) SetState(raw json.RawMessage) error { return f.Set(raw) }
