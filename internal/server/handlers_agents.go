package server

import (
	"net/http"

	"github.com/dandori-ai/dandori/internal/model"
)

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), req)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	agent, err := h.db.GetAgent(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PUT /v1/agents/{agent_id}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	var req model.UpdateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	agent, err := h.db.UpdateAgent(r.Context(), id, req)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}. Deletion is
// refused while any workflow still references the agent.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	if err := h.db.DeleteAgent(r.Context(), id); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
