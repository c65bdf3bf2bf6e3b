package eventlog

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tradelab/pkg/types"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleEvent(signalID string, labeledAt time.Time) types.LabeledTrade {
	return types.LabeledTrade{
		SignalID:   signalID,
		TheoryID:   "breakout",
		Symbol:     "AAPL",
		Side:       types.BUY,
		PUp:        0.62,
		Outcome:    types.DirectionUp,
		ReturnBps:  34.5,
		FeesBps:    1.2,
		Weights:    []types.FeatureWeight{{Name: "rsi_14", Weight: 0.8}},
		ExecutedAt: labeledAt.Add(-15 * time.Minute),
		LabeledAt:  labeledAt,
	}
}

func TestAppendAndSince(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ev := sampleEvent(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		if err := l.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := l.Since(ctx, base)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("events = %d, want 3", len(all))
	}
	if all[0].SignalID != "a" || all[2].SignalID != "c" {
		t.Errorf("events out of order: %s .. %s", all[0].SignalID, all[2].SignalID)
	}

	got := all[0]
	if got.TheoryID != "breakout" || got.Outcome != types.DirectionUp {
		t.Errorf("round-tripped event = %+v", got)
	}
	if len(got.Weights) != 1 || got.Weights[0].Name != "rsi_14" {
		t.Errorf("weights = %+v, want the stored rsi weight", got.Weights)
	}

	// Cutoff excludes the first two.
	recent, err := l.Since(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(recent) != 1 || recent[0].SignalID != "c" {
		t.Errorf("recent = %+v, want only the last event", recent)
	}
}

func TestCountAndPrune(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, sampleEvent("s", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := l.Count(ctx)
	if err != nil || n != 5 {
		t.Fatalf("count = %d (%v), want 5", n, err)
	}

	pruned, err := l.Prune(ctx, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned = %d, want 3", pruned)
	}
	if n, _ := l.Count(ctx); n != 2 {
		t.Errorf("count after prune = %d, want 2", n)
	}
}
