package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/engine"
	"github.com/dandori-ai/dandori/internal/model"
)

const defaultRunListLimit = 50

// HandleAdHocRun handles POST /v1/runs: execute a recipe under an
// agent with no workflow binding. Returns the terminal run.
func (h *Handlers) HandleAdHocRun(w http.ResponseWriter, r *http.Request) {
	var req model.AdHocRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	agent, err := h.db.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	rcp, err := h.db.GetRecipe(r.Context(), req.RecipeID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	run, err := h.engine.Execute(r.Context(), engine.Request{
		Agent:   agent,
		Recipe:  rcp,
		Trigger: model.TriggerManual,
		Context: req.Context,
	})
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs. Newest first; filterable by
// workflow_id, agent_id and status.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultRunListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var filter model.RunFilter
	if raw := q.Get("workflow_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workflow_id must be a UUID")
			return
		}
		filter.WorkflowID = &id
	}
	if raw := q.Get("agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id must be a UUID")
			return
		}
		filter.AgentID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status := model.RunStatus(raw)
		switch status {
		case model.RunStatusPending, model.RunStatusRunning, model.RunStatusSuccess, model.RunStatusFailed, model.RunStatusAborted:
			filter.Status = status
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown run status "+strconv.Quote(raw))
			return
		}
	}

	runs, err := h.db.LatestRuns(r.Context(), limit, filter)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGetRun handles GET /v1/runs/{run_id}: the run with its ordered
// step events and artifacts.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	detail, err := h.db.GetRunDetail(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Cancellation
// is cooperative: the run seals as aborted once its current step
// observes the cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	if !h.engine.Cancel(id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active run with that id")
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// HandleTick handles POST /v1/tick: one scheduler pass at the current
// instant. Repeating a tick without the clock moving starts nothing.
func (h *Handlers) HandleTick(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.Tick(r.Context(), time.Now().UTC())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleKPIs handles GET /v1/kpis?window=24h.
func (h *Handlers) HandleKPIs(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "window must be a positive duration")
			return
		}
		window = d
	}

	kpis, err := h.db.KPIs(r.Context(), window, time.Now().UTC())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, kpis)
}
