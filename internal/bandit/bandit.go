// Package bandit allocates capital across theories as a multi-armed bandit.
// Each theory gets one arm; allocation supports Thompson sampling, UCB1,
// and epsilon-greedy. Recent counters decay as trade outcomes are recorded
// so the allocator tracks concept drift, while cumulative counters stay
// intact for diagnostics. Allocation itself never touches the posteriors,
// so repeated allocations with no new outcomes keep selecting from the
// same evidence.
package bandit

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Algorithm names accepted by the allocator config.
const (
	AlgoThompson      = "thompson"
	AlgoUCB1          = "ucb1"
	AlgoEpsilonGreedy = "epsilon_greedy"
)

// SelectedNone is returned by Allocate when no theories are available.
const SelectedNone = "none"

// softmaxTemperature spreads UCB scores into weights.
const softmaxTemperature = 0.5

// infClamp replaces an unexplored arm's infinite UCB score before softmax.
const infClamp = 1e6

// Config controls the allocation policy.
type Config struct {
	Algorithm     string  `mapstructure:"algorithm"`
	DecayFactor   float64 `mapstructure:"decay_factor"`
	MinAllocation float64 `mapstructure:"min_allocation"`
	UCBC          float64 `mapstructure:"ucb_c"`
	Epsilon       float64 `mapstructure:"epsilon"`
	Seed          uint64  `mapstructure:"seed"`
}

// Arm is the per-theory bandit state. Alpha/Beta are the cumulative Beta
// posterior; DecayedAlpha/DecayedBeta are the drift-tracking counterparts
// attenuated each time a new outcome is recorded anywhere. Prior is a
// multiplicative soft prior from the nightly report, 1 when neutral.
type Arm struct {
	TheoryID       string    `json:"theory_id"`
	Alpha          float64   `json:"alpha"`
	Beta           float64   `json:"beta"`
	DecayedAlpha   float64   `json:"decayed_alpha"`
	DecayedBeta    float64   `json:"decayed_beta"`
	Prior          float64   `json:"prior"`
	RewardSum      float64   `json:"reward_sum"`
	Selections     float64   `json:"selections"`
	TotalTrades    int64     `json:"total_trades"`
	WinningTrades  int64     `json:"winning_trades"`
	TotalPnLBps    float64   `json:"total_pnl_bps"`
	LastUpdate     time.Time `json:"last_update,omitzero"`
	LastAllocation float64   `json:"last_allocation"`
}

// Allocation is the result of one allocate call.
type Allocation struct {
	Weights    map[string]float64 `json:"weights"`
	Selected   string             `json:"selected"`
	Confidence float64            `json:"confidence"`
	Algorithm  string             `json:"algorithm"`
}

// Allocator owns the arms. All methods are safe for concurrent use and
// never fail; unknown theory IDs are created on first touch.
type Allocator struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	arms   map[string]*Arm
	rng    *rand.Rand
}

func New(cfg Config, logger *slog.Logger) *Allocator {
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = 0.995
	}
	if cfg.MinAllocation < 0 || cfg.MinAllocation >= 0.5 {
		cfg.MinAllocation = 0.05
	}
	if cfg.UCBC <= 0 {
		cfg.UCBC = 1.0
	}
	if cfg.Epsilon <= 0 || cfg.Epsilon >= 1 {
		cfg.Epsilon = 0.1
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgoThompson
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Allocator{
		cfg:    cfg,
		logger: logger.With("component", "bandit"),
		arms:   make(map[string]*Arm),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// AddTheory initializes an arm with a uniform prior. Idempotent.
func (a *Allocator) AddTheory(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armLocked(id)
}

func (a *Allocator) armLocked(id string) *Arm {
	arm, ok := a.arms[id]
	if !ok {
		arm = &Arm{
			TheoryID:     id,
			Alpha:        1,
			Beta:         1,
			DecayedAlpha: 1,
			DecayedBeta:  1,
			Prior:        1,
		}
		a.arms[id] = arm
	}
	return arm
}

// Allocate scores the available theories by the configured algorithm and
// returns per-theory weights that sum to 1 with each weight at or above
// the min-allocation floor.
func (a *Allocator) Allocate(available []string) Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(available) == 0 {
		return Allocation{
			Weights:   map[string]float64{},
			Selected:  SelectedNone,
			Algorithm: a.cfg.Algorithm,
		}
	}

	for _, id := range available {
		a.armLocked(id)
	}

	var raw map[string]float64
	var selected string
	var weights map[string]float64
	switch a.cfg.Algorithm {
	case AlgoUCB1:
		raw, selected = a.scoreUCB1Locked(available)
		weights = applyFloor(raw, a.cfg.MinAllocation)
	case AlgoEpsilonGreedy:
		// Already bulk-plus-floor by construction.
		weights, selected = a.scoreEpsilonGreedyLocked(available)
	default:
		raw, selected = a.scoreThompsonLocked(available)
		weights = applyFloor(raw, a.cfg.MinAllocation)
	}
	for id, w := range weights {
		a.arms[id].LastAllocation = w
	}
	if arm := a.arms[selected]; arm != nil {
		arm.Selections++
	}

	return Allocation{
		Weights:    weights,
		Selected:   selected,
		Confidence: weights[selected],
		Algorithm:  a.cfg.Algorithm,
	}
}

// scoreThompsonLocked samples each arm's decayed Beta posterior, scaled by
// the arm's soft prior, and picks the argmax; the scaled samples become
// the raw weights.
func (a *Allocator) scoreThompsonLocked(available []string) (map[string]float64, string) {
	raw := make(map[string]float64, len(available))
	best, bestScore := available[0], math.Inf(-1)
	for _, id := range available {
		arm := a.arms[id]
		dist := distuv.Beta{Alpha: arm.DecayedAlpha, Beta: arm.DecayedBeta, Src: a.rng}
		s := dist.Rand() * arm.Prior
		raw[id] = s
		if s > bestScore {
			best, bestScore = id, s
		}
	}
	return raw, best
}

// scoreUCB1Locked scores mean reward plus the exploration bonus and turns
// the scores into weights with a softmax. Unexplored arms score infinite
// and are clamped to a large finite value so the softmax stays defined.
func (a *Allocator) scoreUCB1Locked(available []string) (map[string]float64, string) {
	var total float64
	for _, id := range available {
		total += a.arms[id].Selections
	}

	scores := make(map[string]float64, len(available))
	best, bestScore := available[0], math.Inf(-1)
	for _, id := range available {
		arm := a.arms[id]
		var s float64
		if arm.Selections <= 0 {
			s = math.Inf(1)
		} else {
			mean := arm.RewardSum / arm.Selections
			s = mean + a.cfg.UCBC*math.Sqrt(2*math.Log(math.Max(total, math.E))/arm.Selections)
		}
		scores[id] = s
		if s > bestScore {
			best, bestScore = id, s
		}
	}

	// Softmax over clamped scores.
	raw := make(map[string]float64, len(available))
	var maxS float64 = -math.MaxFloat64
	for id, s := range scores {
		if math.IsInf(s, 1) {
			s = infClamp
			scores[id] = s
		}
		if s > maxS {
			maxS = s
		}
	}
	for id, s := range scores {
		raw[id] = math.Exp((s-maxS)/softmaxTemperature) * a.arms[id].Prior
	}
	return raw, best
}

// scoreEpsilonGreedyLocked explores uniformly with probability epsilon and
// otherwise exploits the best mean reward. The selected arm takes the bulk
// of the weight; everyone else sits at the floor.
func (a *Allocator) scoreEpsilonGreedyLocked(available []string) (map[string]float64, string) {
	var selected string
	if a.rng.Float64() < a.cfg.Epsilon {
		selected = available[a.rng.Intn(len(available))]
	} else {
		bestScore := math.Inf(-1)
		for _, id := range available {
			arm := a.arms[id]
			mean := 0.5
			if arm.Selections > 0 {
				mean = arm.RewardSum / arm.Selections
			}
			mean *= arm.Prior
			if mean > bestScore {
				selected, bestScore = id, mean
			}
		}
	}

	k := float64(len(available))
	floor := a.cfg.MinAllocation
	bulk := 1 - (k-1)*floor
	if bulk < floor {
		// Floors alone exceed the whole weight mass; fall back to uniform.
		bulk = 1 / k
		floor = bulk
	}
	raw := make(map[string]float64, len(available))
	for _, id := range available {
		if id == selected {
			raw[id] = bulk
		} else {
			raw[id] = floor
		}
	}
	return raw, selected
}

// applyFloor normalizes raw scores into weights that sum to 1 with every
// weight at least floor.
func applyFloor(raw map[string]float64, floor float64) map[string]float64 {
	k := float64(len(raw))
	if k == 0 {
		return map[string]float64{}
	}

	var sum float64
	for _, v := range raw {
		if v > 0 {
			sum += v
		}
	}

	weights := make(map[string]float64, len(raw))
	if sum <= 0 {
		for id := range raw {
			weights[id] = 1 / k
		}
		return weights
	}

	// Proportional share of the mass left after reserving the floors.
	remaining := 1 - k*floor
	if remaining < 0 {
		remaining = 0
	}
	for id, v := range raw {
		if v < 0 {
			v = 0
		}
		weights[id] = floor + remaining*(v/sum)
	}

	// Renormalize against accumulated rounding.
	var total float64
	for _, w := range weights {
		total += w
	}
	for id := range weights {
		weights[id] /= total
	}
	return weights
}

// UpdatePerformance folds one labeled trade outcome into the arm. Net PnL
// is pnl minus fees, in basis points. Every arm's recent counters are
// attenuated toward the prior first, so old evidence fades one observation
// at a time while the incoming observation lands at full weight.
func (a *Allocator) UpdatePerformance(id string, pnlBps, feesBps float64, wasWinner bool, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, arm := range a.arms {
		arm.DecayedAlpha = 1 + (arm.DecayedAlpha-1)*a.cfg.DecayFactor
		arm.DecayedBeta = 1 + (arm.DecayedBeta-1)*a.cfg.DecayFactor
		arm.RewardSum *= a.cfg.DecayFactor
		arm.Selections *= a.cfg.DecayFactor
	}

	arm := a.armLocked(id)
	net := pnlBps - feesBps

	arm.TotalTrades++
	if wasWinner {
		arm.WinningTrades++
	}
	arm.TotalPnLBps += net
	arm.LastUpdate = ts

	if net > 0 {
		arm.Alpha++
		arm.DecayedAlpha++
	} else {
		arm.Beta++
		arm.DecayedBeta++
	}

	// UCB reward in [0,1]: -100bps and below is 0, +100bps and above 1.
	reward := (net + 100) / 200
	reward = math.Max(0, math.Min(1, reward))
	arm.RewardSum += reward
}

// SetSoftPriors installs per-theory prior multipliers, normalized to a
// mean of 1 so the priors tilt relative preference without inflating
// every score. Unknown theory IDs create arms; arms absent from the map
// keep their current prior. Non-positive entries are ignored.
func (a *Allocator) SetSoftPriors(priors map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sum float64
	n := 0
	for _, p := range priors {
		if p > 0 {
			sum += p
			n++
		}
	}
	if n == 0 {
		return
	}
	mean := sum / float64(n)
	for id, p := range priors {
		if p <= 0 {
			continue
		}
		a.armLocked(id).Prior = p / mean
	}
	a.logger.Info("soft priors updated", "theories", n)
}

// ResetTheory restores one arm to its initial prior.
func (a *Allocator) ResetTheory(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.arms, id)
	a.armLocked(id)
	a.logger.Info("arm reset", "theory", id)
}

// State returns a deep copy of every arm, sorted by theory ID, for
// snapshotting.
func (a *Allocator) State() []Arm {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Arm, 0, len(a.arms))
	for _, arm := range a.arms {
		out = append(out, *arm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TheoryID < out[j].TheoryID })
	return out
}

// SetState replaces the arm map from a snapshot.
func (a *Allocator) SetState(arms []Arm) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.arms = make(map[string]*Arm, len(arms))
	for _, arm := range arms {
		copied := arm
		if copied.Prior <= 0 {
			copied.Prior = 1
		}
		a.arms[arm.TheoryID] = &copied
	}
}

// PerformanceSummary reports cumulative per-arm statistics keyed by theory.
func (a *Allocator) PerformanceSummary() map[string]ArmSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]ArmSummary, len(a.arms))
	for id, arm := range a.arms {
		winRate := 0.0
		if arm.TotalTrades > 0 {
			winRate = float64(arm.WinningTrades) / float64(arm.TotalTrades)
		}
		out[id] = ArmSummary{
			TotalTrades:    arm.TotalTrades,
			WinningTrades:  arm.WinningTrades,
			WinRate:        winRate,
			TotalPnLBps:    arm.TotalPnLBps,
			LastAllocation: arm.LastAllocation,
			LastUpdate:     arm.LastUpdate,
		}
	}
	return out
}

// ArmSummary is the diagnostic view of one arm.
type ArmSummary struct {
	TotalTrades    int64     `json:"total_trades"`
	WinningTrades  int64     `json:"winning_trades"`
	WinRate        float64   `json:"win_rate"`
	TotalPnLBps    float64   `json:"total_pnl_bps"`
	LastAllocation float64   `json:"last_allocation"`
	LastUpdate     time.Time `json:"last_update,omitzero"`
}
