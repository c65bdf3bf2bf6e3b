package nightly

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"tradelab/internal/eventlog"
	"tradelab/pkg/types"
)

func testJob(cfg Config) *Job {
	return NewJob(cfg, nil, slog.New(slog.DiscardHandler))
}

func event(pUp float64, outcome types.DirectionClass, weights ...types.FeatureWeight) types.LabeledTrade {
	return types.LabeledTrade{
		SignalID: "s", TheoryID: "t", Symbol: "AAPL", Side: types.BUY,
		PUp: pUp, Outcome: outcome, Weights: weights,
		LabeledAt: time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC),
	}
}

func TestFamilyMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"rsi_14":         FamilyMomentum,
		"sma_20":         FamilyMomentum,
		"ret_1":          FamilyMomentum,
		"news_sentiment": FamilySentiment,
		"breadth_ratio":  FamilyBreadth,
		"macro_surprise": FamilyMacro,
		"yield_10y":      FamilyMacro,
		"bid_ask_spread": FamilyMicrostructure,
		"volume":         FamilyMicrostructure,
		"atr_14":         FamilyMicrostructure,
		"mystery":        FamilyOther,
	}
	for name, want := range cases {
		if got := familyOf(name); got != want {
			t.Errorf("familyOf(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDominantFamily(t *testing.T) {
	t.Parallel()

	fam := dominantFamily([]types.FeatureWeight{
		{Name: "rsi_14", Weight: 0.3},
		{Name: "sma_20", Weight: 0.3},
		{Name: "news_sentiment", Weight: -0.5},
	})
	if fam != FamilyMomentum {
		t.Errorf("dominant family = %q, want momentum (0.6 vs 0.5)", fam)
	}

	if got := dominantFamily(nil); got != FamilyOther {
		t.Errorf("dominant family of no weights = %q, want other", got)
	}
}

func TestBrierOverall(t *testing.T) {
	t.Parallel()

	j := testJob(Config{})
	// (0.8-1)^2 = 0.04, (0.3-0)^2 = 0.09; mean 0.065.
	report := j.Compute([]types.LabeledTrade{
		event(0.8, types.DirectionUp),
		event(0.3, types.DirectionDown),
	}, nil, time.Now())

	if math.Abs(report.BrierOverall-0.065) > 1e-12 {
		t.Errorf("brier = %v, want 0.065", report.BrierOverall)
	}
}

func TestDriftFlags(t *testing.T) {
	t.Parallel()

	j := testJob(Config{DriftThreshold: 0.02})
	prev := &Report{BrierByFamily: map[string]float64{
		FamilyMomentum:  0.22,
		FamilySentiment: 0.26,
	}}

	// Momentum events with Brier 0.25, sentiment events with 0.27.
	mo := types.FeatureWeight{Name: "rsi_14", Weight: 1}
	se := types.FeatureWeight{Name: "news_sentiment", Weight: 1}
	events := []types.LabeledTrade{
		event(0.5, types.DirectionUp, mo),   // 0.25
		event(1-math.Sqrt(0.27), types.DirectionUp, se), // 0.27
	}
	report := j.Compute(events, prev, time.Now())

	if !report.DriftFlags[FamilyMomentum] {
		t.Error("momentum drift (0.22 -> 0.25) not flagged")
	}
	if report.DriftFlags[FamilySentiment] {
		t.Error("sentiment (0.26 -> 0.27) flagged despite being inside the threshold")
	}
}

func TestReliabilityOmitsEmptyBins(t *testing.T) {
	t.Parallel()

	j := testJob(Config{Bins: 10})
	report := j.Compute([]types.LabeledTrade{
		event(0.05, types.DirectionDown),
		event(0.07, types.DirectionDown),
		event(0.95, types.DirectionUp),
	}, nil, time.Now())

	if len(report.Reliability) != 2 {
		t.Fatalf("occupied bins = %d, want 2", len(report.Reliability))
	}
	first := report.Reliability[0]
	if first.Count != 2 {
		t.Errorf("low bin count = %d, want 2", first.Count)
	}
	if math.Abs(first.MeanPred-0.06) > 1e-12 {
		t.Errorf("low bin mean predicted = %v, want 0.06", first.MeanPred)
	}
	if first.FracUp != 0 {
		t.Errorf("low bin fraction up = %v, want 0", first.FracUp)
	}
}

func TestFamilyWeightsInverseBrier(t *testing.T) {
	t.Parallel()

	j := testJob(Config{})
	mo := types.FeatureWeight{Name: "rsi_14", Weight: 1}
	se := types.FeatureWeight{Name: "news_sentiment", Weight: 1}
	report := j.Compute([]types.LabeledTrade{
		event(0.9, types.DirectionUp, mo),   // brier 0.01: good
		event(0.5, types.DirectionDown, se), // brier 0.25: poor
	}, nil, time.Now())

	var sum float64
	for _, w := range report.FamilyWeights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum = %v, want 1", sum)
	}
	if report.FamilyWeights[FamilyMomentum] <= report.FamilyWeights[FamilySentiment] {
		t.Errorf("better family not weighted higher: %v vs %v",
			report.FamilyWeights[FamilyMomentum], report.FamilyWeights[FamilySentiment])
	}
}

func TestTheoryPriorsProjection(t *testing.T) {
	t.Parallel()

	r := &Report{FamilyWeights: map[string]float64{
		FamilyMomentum:  0.6,
		FamilySentiment: 0.4,
	}}
	families := map[string][]string{
		"trend": {FamilyMomentum},
		"mixed": {FamilyMomentum, FamilySentiment},
		"macro": {FamilyMacro},
	}
	priors := r.TheoryPriors([]string{"trend", "mixed", "macro"}, func(id string) []string {
		return families[id]
	})

	if got := priors["trend"]; got != 0.6 {
		t.Errorf("trend prior = %v, want 0.6", got)
	}
	if got := priors["mixed"]; got != 0.5 {
		t.Errorf("mixed prior = %v, want 0.5", got)
	}
	// A theory whose families are absent from the report gets no prior.
	if _, ok := priors["macro"]; ok {
		t.Errorf("macro prior present: %v", priors["macro"])
	}
}

func TestEmptyEventsProduceEmptyReport(t *testing.T) {
	t.Parallel()

	j := testJob(Config{})
	report := j.Compute(nil, nil, time.Now())
	if report.Events != 0 || report.BrierOverall != 0 {
		t.Errorf("empty report = %+v", report)
	}
}

func TestRunWritesAndComparesReports(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := eventlog.Open(filepath.Join(dir, "events.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	ev := event(0.8, types.DirectionUp, types.FeatureWeight{Name: "rsi_14", Weight: 1})
	ev.LabeledAt = time.Now().UTC()
	if err := log.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	j := NewJob(Config{
		ReportPath: filepath.Join(dir, "report.json"),
		Lookback:   24 * time.Hour,
	}, log, slog.New(slog.DiscardHandler))

	first, err := j.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Events != 1 {
		t.Fatalf("events = %d, want 1", first.Events)
	}
	if len(first.DriftFlags) != 0 {
		t.Errorf("first run drift flags = %v, want none", first.DriftFlags)
	}

	// Second run sees the first report and produces drift flags for the
	// shared family.
	second, err := j.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, ok := second.DriftFlags[FamilyMomentum]; !ok {
		t.Errorf("second run has no drift entry for momentum: %v", second.DriftFlags)
	}
}
