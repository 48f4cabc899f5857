package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dandori-ai/dandori/internal/engine"
	"github.com/dandori-ai/dandori/internal/scheduler"
	"github.com/dandori-ai/dandori/internal/storage"
)

// Server is the dandori HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	DB        *storage.DB
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		db:        cfg.DB,
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
		version:   cfg.Version,
	}

	mux := http.NewServeMux()

	// Agents.
	mux.HandleFunc("POST /v1/agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("PUT /v1/agents/{agent_id}", h.HandleUpdateAgent)
	mux.HandleFunc("DELETE /v1/agents/{agent_id}", h.HandleDeleteAgent)

	// Recipes.
	mux.HandleFunc("POST /v1/recipes", h.HandleCreateRecipe)
	mux.HandleFunc("GET /v1/recipes", h.HandleListRecipes)
	mux.HandleFunc("POST /v1/recipes/validate", h.HandleValidateRecipe)
	mux.HandleFunc("GET /v1/recipes/{recipe_id}", h.HandleGetRecipe)
	mux.HandleFunc("PUT /v1/recipes/{recipe_id}", h.HandleUpdateRecipe)
	mux.HandleFunc("DELETE /v1/recipes/{recipe_id}", h.HandleDeleteRecipe)

	// Workflows.
	mux.HandleFunc("POST /v1/workflows", h.HandleCreateWorkflow)
	mux.HandleFunc("GET /v1/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}", h.HandleGetWorkflow)
	mux.HandleFunc("PUT /v1/workflows/{workflow_id}", h.HandleUpdateWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{workflow_id}", h.HandleDeleteWorkflow)
	mux.HandleFunc("POST /v1/workflows/{workflow_id}/run", h.HandleRunWorkflow)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/status", h.HandleWorkflowStatus)

	// Runs and telemetry.
	mux.HandleFunc("POST /v1/runs", h.HandleAdHocRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)
	mux.HandleFunc("POST /v1/tick", h.HandleTick)
	mux.HandleFunc("GET /v1/kpis", h.HandleKPIs)

	// Bundles.
	mux.HandleFunc("GET /v1/export", h.HandleExport)
	mux.HandleFunc("POST /v1/import", h.HandleImport)

	// Health (no envelope, used by probes).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = maxBytesMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// maxBytesMiddleware caps request body size so oversized uploads fail
// fast instead of buffering.
func maxBytesMiddleware(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
