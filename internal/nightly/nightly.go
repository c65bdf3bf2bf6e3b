// Package nightly computes the end-of-day learning report: Brier scores
// overall and per feature family, a reliability diagram, drift flags
// against the previous report, and suggested family weights for the
// allocator's soft priors.
package nightly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tradelab/internal/eventlog"
	"tradelab/pkg/types"
)

// Feature families.
const (
	FamilyMomentum       = "momentum"
	FamilySentiment      = "sentiment"
	FamilyBreadth        = "breadth"
	FamilyMacro          = "macro"
	FamilyMicrostructure = "microstructure"
	FamilyOther          = "other"
)

// Config controls the job's report path, lookback, and drift threshold.
type Config struct {
	ReportPath     string        `mapstructure:"report_path"`
	Lookback       time.Duration `mapstructure:"lookback"`
	Bins           int           `mapstructure:"bins"`
	DriftThreshold float64       `mapstructure:"drift_threshold"`
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.Bins <= 0 {
		c.Bins = 10
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 0.02
	}
}

// ReliabilityBin is one occupied bin of the reliability diagram.
type ReliabilityBin struct {
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
	Count     int     `json:"count"`
	MeanPred  float64 `json:"mean_predicted"`
	FracUp    float64 `json:"fraction_up"`
}

// Report is the nightly output document.
type Report struct {
	GeneratedAt    time.Time          `json:"generated_at"`
	Events         int                `json:"events"`
	BrierOverall   float64            `json:"brier_overall"`
	BrierByFamily  map[string]float64 `json:"brier_by_family"`
	Reliability    []ReliabilityBin   `json:"reliability"`
	DriftFlags     map[string]bool    `json:"drift_flags"`
	FamilyWeights  map[string]float64 `json:"suggested_family_weights"`
}

// Job reads the event log and writes the report.
type Job struct {
	cfg    Config
	logger *slog.Logger
	log    *eventlog.Log
}

func NewJob(cfg Config, log *eventlog.Log, logger *slog.Logger) *Job {
	cfg.applyDefaults()
	return &Job{cfg: cfg, logger: logger.With("component", "nightly"), log: log}
}

// familyOf maps one feature name to its family.
func familyOf(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "sentiment"), strings.Contains(n, "news"):
		return FamilySentiment
	case strings.Contains(n, "breadth"), strings.Contains(n, "advance"), strings.Contains(n, "decline"):
		return FamilyBreadth
	case strings.Contains(n, "macro"), strings.Contains(n, "rate"), strings.Contains(n, "yield"), strings.Contains(n, "cpi"):
		return FamilyMacro
	case strings.Contains(n, "spread"), strings.Contains(n, "depth"), strings.Contains(n, "imbalance"),
		strings.Contains(n, "vwap"), strings.Contains(n, "volume"), strings.Contains(n, "atr"):
		return FamilyMicrostructure
	case strings.Contains(n, "rsi"), strings.Contains(n, "sma"), strings.Contains(n, "ema"),
		strings.Contains(n, "momentum"), strings.Contains(n, "ret"), strings.Contains(n, "bb_"):
		return FamilyMomentum
	default:
		return FamilyOther
	}
}

// dominantFamily assigns an event to the family with the largest summed
// absolute weight in its explanation.
func dominantFamily(weights []types.FeatureWeight) string {
	if len(weights) == 0 {
		return FamilyOther
	}
	sums := make(map[string]float64)
	for _, w := range weights {
		v := w.Weight
		if v < 0 {
			v = -v
		}
		sums[familyOf(w.Name)] += v
	}
	best, bestSum := FamilyOther, -1.0
	// Deterministic tie-break by name.
	families := make([]string, 0, len(sums))
	for f := range sums {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		if sums[f] > bestSum {
			best, bestSum = f, sums[f]
		}
	}
	return best
}

// outcomeValue maps the label to the binary target: up is 1, anything
// else 0.
func outcomeValue(o types.DirectionClass) float64 {
	if o == types.DirectionUp {
		return 1
	}
	return 0
}

// Run computes the report from events inside the lookback window, loads
// the previous report for drift comparison, and writes the new report
// atomically.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()
	events, err := j.log.Since(ctx, now.Add(-j.cfg.Lookback))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	prev := j.loadPrevious()
	report := j.Compute(events, prev, now)

	if err := j.writeReport(report); err != nil {
		return nil, err
	}
	j.logger.Info("nightly report written",
		"events", report.Events, "brier", report.BrierOverall,
		"drift_families", len(report.DriftFlags))
	return report, nil
}

// Compute builds the report from a set of events and the previous report
// (nil for the first run).
func (j *Job) Compute(events []types.LabeledTrade, prev *Report, now time.Time) *Report {
	report := &Report{
		GeneratedAt:   now,
		Events:        len(events),
		BrierByFamily: make(map[string]float64),
		DriftFlags:    make(map[string]bool),
		FamilyWeights: make(map[string]float64),
	}

	if len(events) == 0 {
		return report
	}

	type acc struct {
		sum   float64
		count int
	}
	var overall acc
	byFamily := make(map[string]*acc)

	binCount := make([]int, j.cfg.Bins)
	binPred := make([]float64, j.cfg.Bins)
	binUp := make([]float64, j.cfg.Bins)

	for _, ev := range events {
		y := outcomeValue(ev.Outcome)
		d := ev.PUp - y
		sq := d * d

		overall.sum += sq
		overall.count++

		fam := dominantFamily(ev.Weights)
		a, ok := byFamily[fam]
		if !ok {
			a = &acc{}
			byFamily[fam] = a
		}
		a.sum += sq
		a.count++

		bin := int(ev.PUp * float64(j.cfg.Bins))
		if bin >= j.cfg.Bins {
			bin = j.cfg.Bins - 1
		}
		if bin < 0 {
			bin = 0
		}
		binCount[bin]++
		binPred[bin] += ev.PUp
		binUp[bin] += y
	}

	report.BrierOverall = overall.sum / float64(overall.count)
	for fam, a := range byFamily {
		report.BrierByFamily[fam] = a.sum / float64(a.count)
	}

	width := 1.0 / float64(j.cfg.Bins)
	for i := 0; i < j.cfg.Bins; i++ {
		if binCount[i] == 0 {
			continue
		}
		n := float64(binCount[i])
		report.Reliability = append(report.Reliability, ReliabilityBin{
			Low:      float64(i) * width,
			High:     float64(i+1) * width,
			Count:    binCount[i],
			MeanPred: binPred[i] / n,
			FracUp:   binUp[i] / n,
		})
	}

	// Drift: a family flags true when its Brier rose by more than the
	// threshold since the previous report. Families present in both
	// reports get a flag either way.
	if prev != nil {
		for fam, cur := range report.BrierByFamily {
			old, ok := prev.BrierByFamily[fam]
			if !ok {
				continue
			}
			report.DriftFlags[fam] = cur-old > j.cfg.DriftThreshold
		}
	}

	// Suggested weights: inverse Brier, normalized. A perfect family
	// would dominate; the epsilon keeps division finite.
	const eps = 1e-6
	var totalInv float64
	for _, b := range report.BrierByFamily {
		totalInv += 1 / (b + eps)
	}
	if totalInv > 0 {
		for fam, b := range report.BrierByFamily {
			report.FamilyWeights[fam] = (1 / (b + eps)) / totalInv
		}
	}

	return report
}

// TheoryPriors projects the suggested family weights onto theories,
// giving each theory the mean weight of the families it draws on.
// Theories whose families are all absent from the report are left out,
// so the allocator keeps their current prior.
func (r *Report) TheoryPriors(ids []string, familiesOf func(id string) []string) map[string]float64 {
	priors := make(map[string]float64, len(ids))
	for _, id := range ids {
		var sum float64
		n := 0
		for _, fam := range familiesOf(id) {
			if w, ok := r.FamilyWeights[fam]; ok {
				sum += w
				n++
			}
		}
		if n > 0 {
			priors[id] = sum / float64(n)
		}
	}
	return priors
}

// loadPrevious reads the prior report for drift comparison. Any failure
// just means no comparison this run.
func (j *Job) loadPrevious() *Report {
	if j.cfg.ReportPath == "" {
		return nil
	}
	data, err := os.ReadFile(j.cfg.ReportPath)
	if err != nil {
		return nil
	}
	var prev Report
	if err := json.Unmarshal(data, &prev); err != nil {
		j.logger.Warn("previous report unreadable", "error", err)
		return nil
	}
	return &prev
}

// writeReport writes the report atomically: temp file, then rename.
func (j *Job) writeReport(report *Report) error {
	if j.cfg.ReportPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.cfg.ReportPath), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := j.cfg.ReportPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tmp, j.cfg.ReportPath); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
