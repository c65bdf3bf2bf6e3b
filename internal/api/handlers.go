package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tradelab/internal/config"
	"tradelab/internal/engine"
	"tradelab/internal/theory"
	"tradelab/pkg/types"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg    config.DashboardConfig
	deps   Deps
	logger *slog.Logger
}

func NewHandlers(cfg config.DashboardConfig, deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// HandleHealth answers the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSnapshot aggregates the dashboard's whole view in one response:
// engine status, exposure, guardrails, allocator arms, and hub stats.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := map[string]any{
		"engine":     h.deps.Engine.Status(),
		"exposure":   h.deps.Engine.Exposure(),
		"guardrails": h.deps.Guards.Stats(),
		"allocator":  h.deps.Bandit.State(),
	}
	if h.deps.Hub != nil {
		snap["hub"] = h.deps.Hub.Stats()
	}
	if h.deps.Quality != nil {
		snap["venues"] = h.deps.Quality.VenueComparison()
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// ————————————————————————————————————————————————————————————————————————
// Run control
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleRunStart(w http.ResponseWriter, r *http.Request) {
	var params types.RunParams
	if err := decodeBody(r, &params); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid run params: "+err.Error())
		return
	}
	runID, err := h.deps.Engine.Start(params)
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
	}
}

func (h *Handlers) HandleRunStop(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Engine.Stop())
}

func (h *Handlers) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Engine.Status())
}

func (h *Handlers) HandleExposure(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Engine.Exposure())
}

// HandleSubmitSignal accepts an external signal. A rejection is a 200 with
// the structured result; only malformed JSON is a 400.
func (h *Handlers) HandleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig types.Signal
	if err := decodeBody(r, &sig); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid signal: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Engine.SubmitSignal(sig))
}

// ————————————————————————————————————————————————————————————————————————
// Theories
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleTheoryList(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Registry.List())
}

func (h *Handlers) HandleTheoryEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Registry.SetEnabled(id, body.Enabled); err != nil {
		if errors.Is(err, theory.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// ————————————————————————————————————————————————————————————————————————
// Allocator
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleAllocator(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"arms":            h.deps.Bandit.State(),
		"performance":     h.deps.Bandit.PerformanceSummary(),
		"last_allocation": h.deps.Engine.LastAllocation(),
	})
}

func (h *Handlers) HandleAllocatorReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.deps.Bandit.ResetTheory(id)
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "reset"})
}

// ————————————————————————————————————————————————————————————————————————
// Guardrails
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleGuardrailStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Guards.Stats())
}

func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "manual stop via api"
	}
	h.deps.Guards.EmergencyStop(body.Reason)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "reason": body.Reason})
}

func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.deps.Guards.Resume()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// ————————————————————————————————————————————————————————————————————————
// Execution quality
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleQualityBuckets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Quality == nil {
		h.writeError(w, http.StatusNotFound, "quality tracking disabled")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Quality.Buckets())
}

func (h *Handlers) HandleQualityVenues(w http.ResponseWriter, r *http.Request) {
	if h.deps.Quality == nil {
		h.writeError(w, http.StatusNotFound, "quality tracking disabled")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Quality.VenueComparison())
}

// ————————————————————————————————————————————————————————————————————————
// Learner
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) decodeFeatures(w http.ResponseWriter, r *http.Request) (map[string]float64, bool) {
	if h.deps.Learner == nil {
		h.writeError(w, http.StatusNotFound, "learner disabled")
		return nil, false
	}
	var body struct {
		Features map[string]float64 `json:"features"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Features) == 0 {
		h.writeError(w, http.StatusBadRequest, "body must carry a non-empty features map")
		return nil, false
	}
	return body.Features, true
}

func (h *Handlers) HandlePredict(w http.ResponseWriter, r *http.Request) {
	features, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Learner.Predict(features))
}

func (h *Handlers) HandleExplain(w http.ResponseWriter, r *http.Request) {
	features, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Learner.Explain(features))
}

// ————————————————————————————————————————————————————————————————————————
// Hub
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleHubStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		h.writeError(w, http.StatusNotFound, "hub disabled")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Hub.Stats())
}
