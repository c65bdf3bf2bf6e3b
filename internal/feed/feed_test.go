package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tradelab/internal/config"
	"tradelab/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewSelectsProvider(t *testing.T) {
	t.Parallel()

	syn, err := New(config.FeedConfig{Mode: "synthetic"}, []string{"AAPL"}, 1, testLogger())
	if err != nil || syn.Name() != "synthetic" {
		t.Fatalf("synthetic: provider %v, err %v", syn, err)
	}

	h, err := New(config.FeedConfig{Mode: "http", URL: "http://localhost/bars"}, []string{"AAPL"}, 1, testLogger())
	if err != nil || h.Name() != "http" {
		t.Fatalf("http: provider %v, err %v", h, err)
	}

	if _, err := New(config.FeedConfig{Mode: "http"}, nil, 1, testLogger()); err == nil {
		t.Error("http mode without url accepted")
	}
	if _, err := New(config.FeedConfig{Mode: "carrier-pigeon"}, nil, 1, testLogger()); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestSyntheticEmitsCoherentBars(t *testing.T) {
	t.Parallel()

	s := NewSynthetic([]string{"AAPL", "MSFT"}, 10*time.Millisecond, 42, testLogger())

	var mu sync.Mutex
	bars := make(map[string][]types.Bar)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx, func(b types.Bar) {
		mu.Lock()
		bars[b.Symbol] = append(bars[b.Symbol], b)
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	for _, sym := range []string{"AAPL", "MSFT"} {
		got := bars[sym]
		if len(got) < 2 {
			t.Fatalf("%s: got %d bars, want several", sym, len(got))
		}
		for i, b := range got {
			if b.High < b.Low || b.High < b.Close || b.Low > b.Open {
				t.Errorf("%s bar %d incoherent: %+v", sym, i, b)
			}
			if b.Volume <= 0 {
				t.Errorf("%s bar %d has no volume", sym, i)
			}
			if i > 0 && got[i-1].Open != 0 && got[i-1].Close != b.Open {
				t.Errorf("%s bar %d does not open at the prior close", sym, i)
			}
		}
	}
}

func TestSyntheticDeterministicForSeed(t *testing.T) {
	t.Parallel()

	a := NewSynthetic([]string{"AAPL"}, time.Second, 7, testLogger())
	b := NewSynthetic([]string{"AAPL"}, time.Second, 7, testLogger())
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		ba := a.nextBar("AAPL", ts)
		bb := b.nextBar("AAPL", ts)
		if ba != bb {
			t.Fatalf("walks diverged at bar %d: %+v vs %+v", i, ba, bb)
		}
	}
}

func TestHTTPPollEmitsOnlyNewBars(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		bars := []barDTO{
			{Symbol: "AAPL", Timestamp: base, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000},
			{Symbol: "AAPL", Timestamp: base + 60_000, Open: 100.5, High: 102, Low: 100, Close: 101, Volume: 1200},
		}
		if after != "0" {
			// Replay endpoints only serve bars after the cursor.
			bars = nil
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(bars)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, []string{"AAPL"}, time.Second, testLogger())

	var got []types.Bar
	emit := func(b types.Bar) { got = append(got, b) }

	if err := h.poll(context.Background(), "AAPL", emit); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bars = %d, want 2", len(got))
	}
	if got[1].Timestamp.UnixMilli() != base+60_000 {
		t.Errorf("second bar timestamp = %v", got[1].Timestamp)
	}

	// Second poll advances the cursor, so nothing new arrives.
	if err := h.poll(context.Background(), "AAPL", emit); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("bars after second poll = %d, want still 2", len(got))
	}
}

func TestHTTPPollErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, []string{"AAPL"}, time.Second, testLogger())
	if err := h.poll(context.Background(), "AAPL", func(types.Bar) {}); err == nil {
		t.Fatal("error status not surfaced")
	}
}
