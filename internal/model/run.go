package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run. The machine is strictly
// linear: pending → running → {success | failed | aborted}. Terminal
// runs are immutable.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusAborted RunStatus = "aborted"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// Run is one execution instance of a recipe by an agent. WorkflowID is
// nil for ad-hoc runs. RecipeVersion is frozen at start; later edits to
// the recipe or agent never affect the run. Sealed exactly once by the
// engine that owns it.
type Run struct {
	ID            uuid.UUID   `json:"id"`
	WorkflowID    *uuid.UUID  `json:"workflow_id,omitempty"`
	AgentID       uuid.UUID   `json:"agent_id"`
	RecipeID      uuid.UUID   `json:"recipe_id"`
	RecipeVersion int         `json:"recipe_version"`
	Trigger       TriggerKind `json:"trigger"`
	Status        RunStatus   `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
	DurationMS    *float64    `json:"duration_ms,omitempty"`
	Error         string      `json:"error,omitempty"`
	TimedOut      bool        `json:"timed_out,omitempty"`
}

// StepOutcome is the recorded result of one step.
type StepOutcome string

const (
	StepOK      StepOutcome = "ok"
	StepError   StepOutcome = "error"
	StepSkipped StepOutcome = "skipped"
)

// StepEvent is one recorded outcome of one step within one phase of
// one run. Ordinals are monotonic and gap-free per phase, starting at
// zero; rollback events continue the failing phase's sequence with
// Rollback set. Append-only.
type StepEvent struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	Phase      Phase          `json:"phase"`
	Ordinal    int            `json:"ordinal"`
	Rollback   bool           `json:"rollback,omitempty"`
	Message    string         `json:"message"`
	Input      map[string]any `json:"input,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Outcome    StepOutcome    `json:"outcome"`
	DurationMS float64        `json:"duration_ms"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Artifact is a reference to an external object produced during a
// run's act or verify phase (ticket, message, scheduled event, file).
// Append-only; owned exclusively by its run.
type Artifact struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	Kind       string         `json:"kind"`
	ExternalID string         `json:"external_id,omitempty"`
	URL        string         `json:"url,omitempty"`
	Title      string         `json:"title,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
