package learner

// State is the serializable model: weights, bias, feature ordering, and
// the scaler's running statistics.
type State struct {
	Backend string        `json:"backend"`
	Task    string        `json:"task"`
	Names   []string      `json:"names"`
	Weights []float64     `json:"weights"`
	Bias    float64       `json:"bias"`
	Stats   []featureStat `json:"stats"`
	Fits    int64         `json:"fits"`
	Samples int64         `json:"samples"`
}

// GetState snapshots the model. The replay buffer is deliberately not
// serialized; replayed experience does not survive a restart.
func (l *Learner) GetState() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{
		Backend: l.backend,
		Task:    l.cfg.Task,
		Names:   append([]string(nil), l.names...),
		Weights: append([]float64(nil), l.weights...),
		Bias:    l.bias,
		Stats:   append([]featureStat(nil), l.stats...),
		Fits:    l.fits,
		Samples: l.samples,
	}
	return st
}

// SetState restores a snapshot. Mismatched lengths between names, weights
// and stats reject the whole state; the model keeps what it had.
func (l *Learner) SetState(st State) bool {
	if len(st.Names) != len(st.Weights) || len(st.Names) != len(st.Stats) {
		l.logger.Warn("rejecting malformed learner state",
			"names", len(st.Names), "weights", len(st.Weights), "stats", len(st.Stats))
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.names = append([]string(nil), st.Names...)
	l.weights = append([]float64(nil), st.Weights...)
	l.stats = append([]featureStat(nil), st.Stats...)
	l.bias = st.Bias
	l.fits = st.Fits
	l.samples = st.Samples
	l.index = make(map[string]int, len(l.names))
	for i, name := range l.names {
		l.index[name] = i
	}
	return true
}
