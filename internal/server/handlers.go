package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/engine"
	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/scheduler"
	"github.com/dandori-ai/dandori/internal/storage"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	db        *storage.DB
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	version   string
}

// pathUUID parses a path parameter as a UUID, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// HandleHealth returns service liveness, including store reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.Warn("health check: store unreachable", "error", err)
	}
	writeJSON(w, r, code, map[string]string{
		"status":  status,
		"version": h.version,
	})
}
