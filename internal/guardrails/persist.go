package guardrails

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the manager's state to the configured path atomically:
// marshal to a temp file in the same directory, then rename over the
// target. No-op when no path is configured.
func (m *Manager) Save() error {
	if m.cfg.StatePath == "" {
		return nil
	}

	m.mu.Lock()
	snapshot := m.st
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal guardrail state: %w", err)
	}

	dir := filepath.Dir(m.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := m.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, m.cfg.StatePath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load restores previously saved state. A missing file is not an error;
// the manager simply starts fresh.
func (m *Manager) Load() error {
	if m.cfg.StatePath == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read guardrail state: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse guardrail state: %w", err)
	}

	m.mu.Lock()
	m.st = st
	m.mu.Unlock()

	m.logger.Info("guardrail state restored",
		"daily_trades", st.DailyTrades, "emergency_stopped", st.EmergencyStopped)
	return nil
}
