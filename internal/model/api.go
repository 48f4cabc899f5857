package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success response envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeValidation    = "RECIPE_INVALID"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeReferenced    = "REFERENCED"
	ErrCodeRunInProgress = "RUN_IN_PROGRESS"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CreateAgentRequest is the body for POST /v1/agents.
type CreateAgentRequest struct {
	Name   string         `json:"name"`
	Domain string         `json:"domain"`
	Config map[string]any `json:"config,omitempty"`
}

// UpdateAgentRequest is the body for PUT /v1/agents/{id}. Nil fields
// are left unchanged.
type UpdateAgentRequest struct {
	Name   *string        `json:"name,omitempty"`
	Domain *string        `json:"domain,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// SaveRecipeRequest is the body for POST /v1/recipes and
// PUT /v1/recipes/{id}. Document is the raw recipe YAML.
type SaveRecipeRequest struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// CreateWorkflowRequest is the body for POST /v1/workflows.
type CreateWorkflowRequest struct {
	Name     string    `json:"name"`
	AgentID  uuid.UUID `json:"agent_id"`
	RecipeID uuid.UUID `json:"recipe_id"`
	Trigger  Trigger   `json:"trigger"`
}

// UpdateWorkflowRequest is the body for PUT /v1/workflows/{id}.
// Nil fields are left unchanged.
type UpdateWorkflowRequest struct {
	Name     *string    `json:"name,omitempty"`
	AgentID  *uuid.UUID `json:"agent_id,omitempty"`
	RecipeID *uuid.UUID `json:"recipe_id,omitempty"`
	Trigger  *Trigger   `json:"trigger,omitempty"`
	Enabled  *bool      `json:"enabled,omitempty"`
}

// AdHocRunRequest is the body for POST /v1/runs: run a recipe under an
// agent without a workflow binding.
type AdHocRunRequest struct {
	AgentID  uuid.UUID      `json:"agent_id"`
	RecipeID uuid.UUID      `json:"recipe_id"`
	Context  map[string]any `json:"context,omitempty"`
}

// RunDetail is a run together with its ordered step events and
// artifacts, returned by GET /v1/runs/{id}.
type RunDetail struct {
	Run       Run         `json:"run"`
	Steps     []StepEvent `json:"steps"`
	Artifacts []Artifact  `json:"artifacts"`
}

// RunFilter narrows telemetry run listings.
type RunFilter struct {
	WorkflowID *uuid.UUID
	AgentID    *uuid.UUID
	Status     RunStatus
}

// WorkflowStatus is the derived status surface for one workflow.
type WorkflowStatus struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Health     Health    `json:"health"`
	Freshness  Freshness `json:"freshness"`
	LastRun    *Run      `json:"last_run,omitempty"`
}

// KPIs are aggregate metrics over a time window, computed over
// terminal runs only.
type KPIs struct {
	Window        time.Duration `json:"window_ns"`
	TotalRuns     int           `json:"total_runs"`
	TerminalRuns  int           `json:"terminal_runs"`
	SuccessRate   float64       `json:"success_rate"`
	P95DurationMS float64       `json:"p95_duration_ms"`
}

// TickResult reports what one scheduler pass started.
type TickResult struct {
	Started int         `json:"started"`
	RunIDs  []uuid.UUID `json:"run_ids"`
}
