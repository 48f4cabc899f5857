package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/model"
)

// CreateRun inserts a new pending run. The recipe version and agent id
// are frozen here; later edits to either never touch the run. The
// write path of the run tables is used exclusively by the execution
// engine that owns the run.
func (db *DB) CreateRun(ctx context.Context, workflowID *uuid.UUID, agentID, recipeID uuid.UUID, recipeVersion int, trigger model.TriggerKind) (model.Run, error) {
	run := model.Run{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		AgentID:       agentID,
		RecipeID:      recipeID,
		RecipeVersion: recipeVersion,
		Trigger:       trigger,
		Status:        model.RunStatusPending,
		StartedAt:     time.Now().UTC(),
	}

	var wfID any
	if workflowID != nil {
		wfID = workflowID.String()
	}
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, agent_id, recipe_id, recipe_version, trigger_kind, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), wfID, agentID.String(), recipeID.String(), recipeVersion,
		string(trigger), string(run.Status), encodeTime(run.StartedAt),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// MarkRunRunning transitions a pending run to running.
func (db *DB) MarkRunRunning(ctx context.Context, id uuid.UUID) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusRunning), id.String(), string(model.RunStatusPending),
	)
	if err != nil {
		return fmt.Errorf("storage: mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: run %s not pending", id)
	}
	return nil
}

// SealRun finalizes a run exactly once. Sealing an already-terminal
// run is an error; terminal runs are immutable.
func (db *DB) SealRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errSummary string, timedOut bool) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: seal run with non-terminal status %q", status)
	}
	now := time.Now().UTC()

	var startedAt string
	if err := db.sql.QueryRowContext(ctx,
		`SELECT started_at FROM runs WHERE id = ?`, id.String(),
	).Scan(&startedAt); err != nil {
		return fmt.Errorf("storage: seal run: %w", err)
	}
	started, err := decodeTime(startedAt)
	if err != nil {
		return err
	}
	durationMS := float64(now.Sub(started)) / float64(time.Millisecond)

	res, err := db.sql.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, duration_ms = ?, error = ?, timed_out = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), encodeTime(now), durationMS, errSummary, boolToInt(timedOut),
		id.String(), string(model.RunStatusPending), string(model.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: seal run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: run %s not found or already sealed", id)
	}
	return nil
}

// AppendStep records one step event. Ordinals are assigned by the
// engine: gap-free per phase from zero, with rollback events
// continuing the failing phase's sequence.
func (db *DB) AppendStep(ctx context.Context, ev model.StepEvent) (model.StepEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	input, err := encodeJSON(ev.Input)
	if err != nil {
		return model.StepEvent{}, err
	}
	result, err := encodeJSON(ev.Result)
	if err != nil {
		return model.StepEvent{}, err
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO step_events (id, run_id, phase, ordinal, is_rollback, message, input, result, outcome, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.RunID.String(), string(ev.Phase), ev.Ordinal, boolToInt(ev.Rollback),
		ev.Message, input, result, string(ev.Outcome), ev.DurationMS, encodeTime(ev.RecordedAt),
	)
	if err != nil {
		return model.StepEvent{}, fmt.Errorf("storage: append step: %w", err)
	}
	return ev, nil
}

// AppendArtifact records one artifact produced during act or verify.
func (db *DB) AppendArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	payload, err := encodeJSON(a.Payload)
	if err != nil {
		return model.Artifact{}, err
	}
	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, kind, external_id, url, title, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.RunID.String(), a.Kind, a.ExternalID, a.URL, a.Title, payload, encodeTime(a.CreatedAt),
	)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("storage: append artifact: %w", err)
	}
	return a, nil
}

// HasActiveRun reports whether the workflow has a pending or running
// run, used to enforce at most one concurrent run per workflow.
func (db *DB) HasActiveRun(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	var n int
	err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status IN (?, ?)`,
		workflowID.String(), string(model.RunStatusPending), string(model.RunStatusRunning),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: count active runs: %w", err)
	}
	return n > 0, nil
}
