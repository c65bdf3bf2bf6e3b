// Package api exposes the lab's control plane over HTTP and streams hub
// channels over WebSocket. Guardrail blocks and validation failures come
// back as structured results with 4xx statuses; only genuine faults are
// 5xx.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradelab/internal/bandit"
	"tradelab/internal/config"
	"tradelab/internal/engine"
	"tradelab/internal/guardrails"
	"tradelab/internal/hub"
	"tradelab/internal/learner"
	"tradelab/internal/quality"
	"tradelab/internal/theory"
)

// Deps are the components the API fronts. Quality and Learner may be nil;
// their routes then answer 404.
type Deps struct {
	Engine   *engine.Engine
	Registry *theory.Registry
	Bandit   *bandit.Allocator
	Guards   *guardrails.Manager
	Quality  *quality.Tracker
	Learner  *learner.Learner
	Hub      *hub.Hub
}

// Server runs the HTTP and WebSocket control plane.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.DashboardConfig, deps Deps, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, deps, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)

	mux.HandleFunc("POST /api/run/start", handlers.HandleRunStart)
	mux.HandleFunc("POST /api/run/stop", handlers.HandleRunStop)
	mux.HandleFunc("GET /api/run/status", handlers.HandleRunStatus)
	mux.HandleFunc("GET /api/run/exposure", handlers.HandleExposure)
	mux.HandleFunc("POST /api/signals", handlers.HandleSubmitSignal)

	mux.HandleFunc("GET /api/theories", handlers.HandleTheoryList)
	mux.HandleFunc("POST /api/theories/{id}/enabled", handlers.HandleTheoryEnabled)

	mux.HandleFunc("GET /api/allocator", handlers.HandleAllocator)
	mux.HandleFunc("POST /api/allocator/{id}/reset", handlers.HandleAllocatorReset)

	mux.HandleFunc("GET /api/guardrails", handlers.HandleGuardrailStats)
	mux.HandleFunc("POST /api/guardrails/emergency-stop", handlers.HandleEmergencyStop)
	mux.HandleFunc("POST /api/guardrails/resume", handlers.HandleResume)

	mux.HandleFunc("GET /api/quality/buckets", handlers.HandleQualityBuckets)
	mux.HandleFunc("GET /api/quality/venues", handlers.HandleQualityVenues)

	mux.HandleFunc("POST /api/learner/predict", handlers.HandlePredict)
	mux.HandleFunc("POST /api/learner/explain", handlers.HandleExplain)

	mux.HandleFunc("GET /api/hub/stats", handlers.HandleHubStats)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() error {
	s.logger.Info("stopping control plane")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
