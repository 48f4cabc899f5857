package server

import (
	"net/http"
	"time"

	"github.com/dandori-ai/dandori/internal/model"
)

// HandleCreateWorkflow handles POST /v1/workflows. Interval workflows
// get their first next_run_at immediately.
func (h *Handlers) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	wf, err := h.db.CreateWorkflow(r.Context(), req, time.Now().UTC())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, wf)
}

// HandleListWorkflows handles GET /v1/workflows.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.db.ListWorkflows(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, workflows)
}

// HandleGetWorkflow handles GET /v1/workflows/{workflow_id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "workflow_id")
	if !ok {
		return
	}
	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, wf)
}

// HandleUpdateWorkflow handles PUT /v1/workflows/{workflow_id}.
func (h *Handlers) HandleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "workflow_id")
	if !ok {
		return
	}
	var req model.UpdateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	wf, err := h.db.UpdateWorkflow(r.Context(), id, req, time.Now().UTC())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, wf)
}

// HandleDeleteWorkflow handles DELETE /v1/workflows/{workflow_id}.
func (h *Handlers) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "workflow_id")
	if !ok {
		return
	}
	if err := h.db.DeleteWorkflow(r.Context(), id); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRunWorkflow handles POST /v1/workflows/{workflow_id}/run: an
// immediate manual execution. The response carries the terminal run.
// A second run while one is active for the same workflow is refused.
func (h *Handlers) HandleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "workflow_id")
	if !ok {
		return
	}
	run, err := h.scheduler.RunNow(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleWorkflowStatus handles GET /v1/workflows/{workflow_id}/status:
// the derived health (recent outcomes) and freshness (last-run age)
// surface for one workflow.
func (h *Handlers) HandleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "workflow_id")
	if !ok {
		return
	}
	wf, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	health, lastRun, err := h.db.WorkflowHealth(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.WorkflowStatus{
		WorkflowID: wf.ID,
		Health:     health,
		Freshness:  wf.FreshnessAt(time.Now().UTC()),
		LastRun:    lastRun,
	})
}
