package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/model"
)

// CreateWorkflow inserts a new workflow binding. Both references must
// exist (ErrReferenced otherwise) and the name must be free
// case-insensitively (ErrConflict). An interval workflow's first
// next_run_at is creation time + interval; it does not fire
// immediately.
func (db *DB) CreateWorkflow(ctx context.Context, req model.CreateWorkflowRequest, now time.Time) (model.Workflow, error) {
	name, err := validName(req.Name)
	if err != nil {
		return model.Workflow{}, err
	}
	if err := req.Trigger.Validate(); err != nil {
		return model.Workflow{}, err
	}
	if _, err := db.GetAgent(ctx, req.AgentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Workflow{}, fmt.Errorf("agent %s does not exist: %w", req.AgentID, ErrReferenced)
		}
		return model.Workflow{}, err
	}
	if _, err := db.GetRecipe(ctx, req.RecipeID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Workflow{}, fmt.Errorf("recipe %s does not exist: %w", req.RecipeID, ErrReferenced)
		}
		return model.Workflow{}, err
	}

	now = now.UTC()
	wf := model.Workflow{
		ID:        uuid.New(),
		Name:      name,
		AgentID:   req.AgentID,
		RecipeID:  req.RecipeID,
		Trigger:   req.Trigger,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if wf.Trigger.Kind == model.TriggerInterval {
		next := now.Add(wf.Trigger.Interval())
		wf.NextRunAt = &next
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO workflows (id, name, agent_id, recipe_id, trigger_kind, interval_minutes,
		                        enabled, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID.String(), wf.Name, wf.AgentID.String(), wf.RecipeID.String(),
		string(wf.Trigger.Kind), wf.Trigger.IntervalMinutes, boolToInt(wf.Enabled),
		encodeTimePtr(wf.LastRunAt), encodeTimePtr(wf.NextRunAt), encodeTime(now), encodeTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Workflow{}, fmt.Errorf("workflow %q: %w", req.Name, ErrConflict)
		}
		return model.Workflow{}, fmt.Errorf("storage: create workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow applies the non-nil fields of req and recomputes the
// schedule. Disabling clears next_run_at without touching last_run_at;
// enabling or changing the trigger recomputes next_run_at as
// now + interval; swapping the recipe resets the schedule state
// entirely (the new recipe has no run history to be fresh against).
func (db *DB) UpdateWorkflow(ctx context.Context, id uuid.UUID, req model.UpdateWorkflowRequest, now time.Time) (model.Workflow, error) {
	wf, err := db.GetWorkflow(ctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	now = now.UTC()

	scheduleDirty := false
	if req.Name != nil {
		name, err := validName(*req.Name)
		if err != nil {
			return model.Workflow{}, err
		}
		wf.Name = name
	}
	if req.AgentID != nil && *req.AgentID != wf.AgentID {
		if _, err := db.GetAgent(ctx, *req.AgentID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return model.Workflow{}, fmt.Errorf("agent %s does not exist: %w", *req.AgentID, ErrReferenced)
			}
			return model.Workflow{}, err
		}
		wf.AgentID = *req.AgentID
	}
	if req.RecipeID != nil && *req.RecipeID != wf.RecipeID {
		if _, err := db.GetRecipe(ctx, *req.RecipeID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return model.Workflow{}, fmt.Errorf("recipe %s does not exist: %w", *req.RecipeID, ErrReferenced)
			}
			return model.Workflow{}, err
		}
		wf.RecipeID = *req.RecipeID
		wf.LastRunAt = nil
		scheduleDirty = true
	}
	if req.Trigger != nil {
		if err := req.Trigger.Validate(); err != nil {
			return model.Workflow{}, err
		}
		if *req.Trigger != wf.Trigger {
			wf.Trigger = *req.Trigger
			scheduleDirty = true
		}
	}
	if req.Enabled != nil && *req.Enabled != wf.Enabled {
		wf.Enabled = *req.Enabled
		scheduleDirty = true
	}

	if scheduleDirty {
		if wf.Enabled && wf.Trigger.Kind == model.TriggerInterval {
			next := now.Add(wf.Trigger.Interval())
			wf.NextRunAt = &next
		} else {
			wf.NextRunAt = nil
		}
	}
	wf.UpdatedAt = now

	_, err = db.sql.ExecContext(ctx,
		`UPDATE workflows SET name = ?, agent_id = ?, recipe_id = ?, trigger_kind = ?,
		        interval_minutes = ?, enabled = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ?`,
		wf.Name, wf.AgentID.String(), wf.RecipeID.String(), string(wf.Trigger.Kind),
		wf.Trigger.IntervalMinutes, boolToInt(wf.Enabled),
		encodeTimePtr(wf.LastRunAt), encodeTimePtr(wf.NextRunAt), encodeTime(now), id.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Workflow{}, fmt.Errorf("workflow %q: %w", wf.Name, ErrConflict)
		}
		return model.Workflow{}, fmt.Errorf("storage: update workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by id.
func (db *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	return db.scanWorkflow(db.sql.QueryRowContext(ctx,
		`SELECT id, name, agent_id, recipe_id, trigger_kind, interval_minutes,
		        enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM workflows WHERE id = ?`, id.String(),
	))
}

// GetWorkflowByName retrieves a workflow by name, case-insensitively.
func (db *DB) GetWorkflowByName(ctx context.Context, name string) (model.Workflow, error) {
	return db.scanWorkflow(db.sql.QueryRowContext(ctx,
		`SELECT id, name, agent_id, recipe_id, trigger_kind, interval_minutes,
		        enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM workflows WHERE lower(name) = lower(?)`, name,
	))
}

// ListWorkflows returns all workflows ordered by name.
func (db *DB) ListWorkflows(ctx context.Context) ([]model.Workflow, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, agent_id, recipe_id, trigger_kind, interval_minutes,
		        enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer rows.Close()

	var wfs []model.Workflow
	for rows.Next() {
		wf, err := db.scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

// DeleteWorkflow removes a workflow; its past runs are retained.
func (db *DB) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	res, err := db.sql.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDue atomically advances a due workflow's schedule: it compares
// against the next_run_at the caller observed and, only if unchanged,
// sets last_run_at = now and next_run_at = now + interval. Exactly one
// concurrent caller wins the claim; everyone else sees false. The
// advance is anchored on now rather than the observed due time so a
// long downtime does not cause runaway catch-up runs.
func (db *DB) ClaimDue(ctx context.Context, wf model.Workflow, now time.Time) (bool, error) {
	if wf.NextRunAt == nil || wf.Trigger.Kind != model.TriggerInterval {
		return false, nil
	}
	now = now.UTC()
	next := now.Add(wf.Trigger.Interval())

	res, err := db.sql.ExecContext(ctx,
		`UPDATE workflows SET last_run_at = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND enabled = 1 AND next_run_at = ?`,
		encodeTime(now), encodeTime(next), encodeTime(now),
		wf.ID.String(), encodeTime(*wf.NextRunAt),
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim due workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: claim due workflow: %w", err)
	}
	return n == 1, nil
}

// MarkManualRun records a "run now" on the workflow: last_run_at moves
// to now, next_run_at stays untouched (manual triggers never get one,
// interval schedules keep their slot).
func (db *DB) MarkManualRun(ctx context.Context, id uuid.UUID, now time.Time) error {
	now = now.UTC()
	res, err := db.sql.ExecContext(ctx,
		`UPDATE workflows SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		encodeTime(now), encodeTime(now), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark manual run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) scanWorkflow(row *sql.Row) (model.Workflow, error) {
	wf, err := db.scanWorkflowRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Workflow{}, ErrNotFound
	}
	return wf, err
}

func (db *DB) scanWorkflowRow(row rowScanner) (model.Workflow, error) {
	var (
		wf                     model.Workflow
		id, agentID, recipeID  string
		kind, created, updated string
		lastRun, nextRun       sql.NullString
		enabled                int
	)
	if err := row.Scan(&id, &wf.Name, &agentID, &recipeID, &kind, &wf.Trigger.IntervalMinutes,
		&enabled, &lastRun, &nextRun, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Workflow{}, err
		}
		return model.Workflow{}, fmt.Errorf("storage: scan workflow: %w", err)
	}

	var err error
	if wf.ID, err = uuid.Parse(id); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: parse workflow id: %w", err)
	}
	if wf.AgentID, err = uuid.Parse(agentID); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: parse workflow agent id: %w", err)
	}
	if wf.RecipeID, err = uuid.Parse(recipeID); err != nil {
		return model.Workflow{}, fmt.Errorf("storage: parse workflow recipe id: %w", err)
	}
	wf.Trigger.Kind = model.TriggerKind(kind)
	wf.Enabled = enabled != 0
	if wf.LastRunAt, err = decodeTimePtr(lastRun); err != nil {
		return model.Workflow{}, err
	}
	if wf.NextRunAt, err = decodeTimePtr(nextRun); err != nil {
		return model.Workflow{}, err
	}
	if wf.CreatedAt, err = decodeTime(created); err != nil {
		return model.Workflow{}, err
	}
	if wf.UpdatedAt, err = decodeTime(updated); err != nil {
		return model.Workflow{}, err
	}
	return wf, nil
}
