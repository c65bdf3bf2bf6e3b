// Package learner is a task-agnostic incremental model over named feature
// maps. Inputs are standard-scaled with running statistics maintained by a
// Welford update; the scaler state travels with the model state so a
// restored learner resumes exactly where it left off.
package learner

import (
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Backend names, in degradation order.
const (
	BackendNeural    = "neural"
	BackendLinearSGD = "linear_sgd"
	BackendFallback  = "fallback"
)

// Task types.
const (
	TaskClassification = "classification"
	TaskRegression     = "regression"
)

// Config controls backend and task selection.
type Config struct {
	Backend      string  `mapstructure:"backend"`
	Task         string  `mapstructure:"task"`
	LearningRate float64 `mapstructure:"learning_rate"`
	L2           float64 `mapstructure:"l2"`
	BufferSize   int     `mapstructure:"buffer_size"`
}

// Sample is one training example.
type Sample struct {
	Features map[string]float64
	Target   float64
	Weight   float64
}

// Metrics summarizes one partial-fit call.
type Metrics struct {
	Samples  int     `json:"samples"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// Prediction is the model output for one feature map.
type Prediction struct {
	Value       float64 `json:"value"`
	Probability float64 `json:"probability,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Explanation exposes the linear model's view of one input.
type Explanation struct {
	Importance    map[string]float64 `json:"feature_importance"`
	Contributions map[string]float64 `json:"contributions"`
}

// featureStat is one feature's Welford accumulator.
type featureStat struct {
	Count float64 `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

func (s *featureStat) update(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / s.Count
	s.M2 += delta * (x - s.Mean)
}

func (s *featureStat) std() float64 {
	if s.Count < 2 {
		return 1
	}
	v := s.M2 / (s.Count - 1)
	if v <= 0 {
		return 1
	}
	return math.Sqrt(v)
}

// Learner wraps the scaler, the weight vector, and the replay buffer.
type Learner struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	backend string
	names   []string
	index   map[string]int
	weights []float64
	bias    float64
	stats   []featureStat

	buffer  [][]Sample
	fits    int64
	samples int64
}

// New selects the backend, degrading deterministically when the preferred
// one is unavailable. The neural backend has no implementation here, so
// requests for it land on linear SGD; the degradation is logged once.
func New(cfg Config, logger *slog.Logger) *Learner {
	if cfg.Task == "" {
		cfg.Task = TaskClassification
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32
	}

	log := logger.With("component", "learner")
	backend := cfg.Backend
	switch backend {
	case BackendNeural:
		backend = BackendLinearSGD
		log.Info("backend unavailable, degrading", "requested", BackendNeural, "using", backend)
	case "sgd":
		backend = BackendLinearSGD
	case BackendLinearSGD, BackendFallback:
	default:
		backend = BackendFallback
	}
	if backend == BackendFallback {
		// The fallback is pinned: constant rate, no regularization.
		cfg.LearningRate = 0.01
		cfg.L2 = 0
	}

	return &Learner{
		cfg:     cfg,
		logger:  log,
		backend: backend,
		index:   make(map[string]int),
	}
}

// Backend reports the backend actually in use after degradation.
func (l *Learner) Backend() string {
	return l.backend
}

// ensureFeatureLocked grows the weight vector when a new feature appears.
func (l *Learner) ensureFeatureLocked(name string) int {
	if i, ok := l.index[name]; ok {
		return i
	}
	i := len(l.names)
	l.names = append(l.names, name)
	l.index[name] = i
	l.weights = append(l.weights, 0)
	l.stats = append(l.stats, featureStat{})
	return i
}

// vectorizeLocked scales a feature map into the model's ordering. Features
// the model has never seen are registered; features absent from the input
// scale as zero contribution.
func (l *Learner) vectorizeLocked(features map[string]float64, updateStats bool) []float64 {
	for name := range features {
		l.ensureFeatureLocked(name)
	}
	x := make([]float64, len(l.names))
	for i, name := range l.names {
		raw, ok := features[name]
		if !ok {
			continue
		}
		st := &l.stats[i]
		if updateStats {
			st.update(raw)
		}
		x[i] = (raw - st.Mean) / st.std()
	}
	return x
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// PartialFit folds one batch into the model and appends it to the replay
// ring. Returns batch loss (log-loss for classification, MSE for
// regression).
func (l *Learner) PartialFit(batch []Sample) Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.fitBatchLocked(batch)

	l.buffer = append(l.buffer, batch)
	if len(l.buffer) > l.cfg.BufferSize {
		l.buffer = l.buffer[1:]
	}
	l.fits++
	l.samples += int64(len(batch))
	return m
}

func (l *Learner) fitBatchLocked(batch []Sample) Metrics {
	var lossSum, correct float64
	for _, s := range batch {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		x := l.vectorizeLocked(s.Features, true)
		z := floats.Dot(l.weights, x) + l.bias

		var pred, grad float64
		if l.cfg.Task == TaskRegression {
			pred = z
			grad = pred - s.Target
			lossSum += grad * grad
		} else {
			pred = sigmoid(z)
			grad = pred - s.Target
			lossSum += logLoss(pred, s.Target)
			if (pred >= 0.5) == (s.Target >= 0.5) {
				correct++
			}
		}

		lr := l.cfg.LearningRate * w
		for i := range l.weights {
			l.weights[i] -= lr * (grad*x[i] + l.cfg.L2*l.weights[i])
		}
		l.bias -= lr * grad
	}

	n := len(batch)
	m := Metrics{Samples: n}
	if n > 0 {
		m.Loss = lossSum / float64(n)
		if l.cfg.Task == TaskClassification {
			m.Accuracy = correct / float64(n)
		}
	}
	return m
}

func logLoss(p, y float64) float64 {
	const eps = 1e-12
	p = math.Max(eps, math.Min(1-eps, p))
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// Replay refits the model over every buffered batch, oldest first.
func (l *Learner) Replay() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total Metrics
	for _, batch := range l.buffer {
		m := l.fitBatchLocked(batch)
		total.Samples += m.Samples
		total.Loss += m.Loss * float64(m.Samples)
	}
	if total.Samples > 0 {
		total.Loss /= float64(total.Samples)
	}
	return total
}

// Predict scores one feature map without touching the running statistics.
func (l *Learner) Predict(features map[string]float64) Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()

	x := l.vectorizeLocked(features, false)
	z := floats.Dot(l.weights, x) + l.bias

	if l.cfg.Task == TaskRegression {
		return Prediction{Value: z, Confidence: confidenceFrom(z)}
	}
	p := sigmoid(z)
	return Prediction{
		Value:       p,
		Probability: p,
		// Distance from indifference, scaled to [0,1].
		Confidence: math.Abs(p-0.5) * 2,
	}
}

func confidenceFrom(z float64) float64 {
	return 1 - 1/(1+math.Abs(z))
}

// Explain returns per-feature importance (|coefficient|) and, for the
// given input, coefficient times scaled value as the contribution.
func (l *Learner) Explain(features map[string]float64) Explanation {
	l.mu.Lock()
	defer l.mu.Unlock()

	x := l.vectorizeLocked(features, false)
	out := Explanation{
		Importance:    make(map[string]float64, len(l.names)),
		Contributions: make(map[string]float64, len(l.names)),
	}
	for i, name := range l.names {
		out.Importance[name] = math.Abs(l.weights[i])
		out.Contributions[name] = l.weights[i] * x[i]
	}
	return out
}
