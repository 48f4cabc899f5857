package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerKind says how a workflow's runs get started.
type TriggerKind string

const (
	// TriggerManual runs only on an explicit "run now" request.
	TriggerManual TriggerKind = "manual"
	// TriggerInterval runs periodically, every IntervalMinutes.
	TriggerInterval TriggerKind = "interval"
)

// Trigger describes when a workflow should run.
type Trigger struct {
	Kind            TriggerKind `json:"kind"`
	IntervalMinutes int         `json:"interval_minutes,omitempty"`
}

// Validate checks trigger shape: interval triggers need a positive
// minute count, manual triggers must not carry one.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerManual:
		if t.IntervalMinutes != 0 {
			return fmt.Errorf("model: manual trigger must not set interval_minutes")
		}
	case TriggerInterval:
		if t.IntervalMinutes <= 0 {
			return fmt.Errorf("model: interval trigger requires interval_minutes > 0")
		}
	default:
		return fmt.Errorf("model: unknown trigger kind %q", t.Kind)
	}
	return nil
}

// Interval returns the trigger period as a duration.
func (t Trigger) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// Workflow binds one agent and one recipe to a trigger. Workflow names
// are unique case-insensitively. NextRunAt is nil for manual or
// disabled workflows and is recomputed after every run and after any
// enable/disable/trigger change.
type Workflow struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	AgentID   uuid.UUID  `json:"agent_id"`
	RecipeID  uuid.UUID  `json:"recipe_id"`
	Trigger   Trigger    `json:"trigger"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Freshness is the traffic-light staleness indicator derived from a
// workflow's last run time: green within 24h, yellow within 7d or
// never run, red beyond that.
type Freshness string

const (
	FreshnessGreen  Freshness = "green"
	FreshnessYellow Freshness = "yellow"
	FreshnessRed    Freshness = "red"
)

// FreshnessAt computes the staleness indicator at the given instant.
func (w Workflow) FreshnessAt(now time.Time) Freshness {
	if w.LastRunAt == nil {
		return FreshnessYellow
	}
	age := now.Sub(*w.LastRunAt)
	switch {
	case age <= 24*time.Hour:
		return FreshnessGreen
	case age <= 7*24*time.Hour:
		return FreshnessYellow
	default:
		return FreshnessRed
	}
}

// Health is the outcome-derived workflow status.
type Health string

const (
	// HealthUnknown means the workflow has no terminal runs yet.
	HealthUnknown Health = "unknown"
	// HealthHealthy means the latest terminal run succeeded and recent
	// outcomes are clean.
	HealthHealthy Health = "healthy"
	// HealthDegraded means the latest terminal run succeeded but recent
	// outcomes are mixed.
	HealthDegraded Health = "degraded"
	// HealthFailing means the most recent terminal run failed or was
	// aborted.
	HealthFailing Health = "failing"
)
