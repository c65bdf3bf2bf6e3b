package quality

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persisted is the on-disk shape: buckets plus the bounded history.
type persisted struct {
	Buckets []Bucket          `json:"buckets"`
	History []ExecutionRecord `json:"history"`
}

// Save writes buckets and history atomically. No-op without a path.
func (t *Tracker) Save() error {
	if t.cfg.StatePath == "" {
		return nil
	}

	t.mu.Lock()
	doc := persisted{
		Buckets: make([]Bucket, 0, len(t.buckets)),
		History: make([]ExecutionRecord, len(t.history)),
	}
	for _, b := range t.buckets {
		doc.Buckets = append(doc.Buckets, *b)
	}
	copy(doc.History, t.history)
	t.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quality state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.cfg.StatePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := t.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, t.cfg.StatePath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load restores buckets and history. A missing file starts fresh.
func (t *Tracker) Load() error {
	if t.cfg.StatePath == "" {
		return nil
	}

	data, err := os.ReadFile(t.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read quality state: %w", err)
	}

	var doc persisted
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse quality state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buckets = make(map[BucketKey]*Bucket, len(doc.Buckets))
	for _, b := range doc.Buckets {
		copied := b
		t.buckets[b.Key] = &copied
	}
	t.history = doc.History
	if len(t.history) > t.cfg.MaxHistory {
		t.history = t.history[len(t.history)-t.cfg.MaxHistory:]
	}
	t.byOrder = make(map[string]int, len(t.history))
	for i, r := range t.history {
		t.byOrder[r.OrderID] = i
	}

	t.logger.Info("quality state restored",
		"buckets", len(t.buckets), "history", len(t.history))
	return nil
}
