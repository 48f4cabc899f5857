package model

import (
	"time"

	"github.com/google/uuid"
)

// Recipe is a stored, versioned IPAV document. The document body is
// kept verbatim (YAML text); Version increments only on saves whose
// content hash differs from the stored one.
type Recipe struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Document    string    `json:"document"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Phase is one of the four IPAV phases of a recipe.
type Phase string

const (
	PhaseIntake Phase = "intake"
	PhasePlan   Phase = "plan"
	PhaseAct    Phase = "act"
	PhaseVerify Phase = "verify"
)

// Phases lists the IPAV phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseIntake, PhasePlan, PhaseAct, PhaseVerify}
}
