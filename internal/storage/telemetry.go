package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/model"
)

// recentWindow is how many terminal runs the health derivation looks
// at when deciding healthy versus degraded.
const recentWindow = 5

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := db.scanRunRow(db.sql.QueryRowContext(ctx,
		`SELECT id, workflow_id, agent_id, recipe_id, recipe_version, trigger_kind,
		        status, started_at, ended_at, duration_ms, error, timed_out
		 FROM runs WHERE id = ?`, id.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	return run, err
}

// LatestRuns returns runs newest-first, optionally filtered by
// workflow, agent and status. Reads are point-in-time snapshots over
// the append-only tables; a run row is visible while running, but its
// step and artifact children are only guaranteed complete once the run
// is terminal.
func (db *DB) LatestRuns(ctx context.Context, limit int, filter model.RunFilter) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	where := []string{"1=1"}
	args := []any{}
	if filter.WorkflowID != nil {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID.String())
	}
	if filter.AgentID != nil {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID.String())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, limit)

	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, workflow_id, agent_id, recipe_id, recipe_version, trigger_kind,
		        status, started_at, ended_at, duration_ms, error, timed_out
		 FROM runs WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY started_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: latest runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := db.scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListSteps returns a run's step events in recorded order.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.StepEvent, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, run_id, phase, ordinal, is_rollback, message, input, result, outcome, duration_ms, recorded_at
		 FROM step_events WHERE run_id = ?
		 ORDER BY recorded_at, ordinal`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.StepEvent
	for rows.Next() {
		var (
			ev            model.StepEvent
			id, rid       string
			phase         string
			rollback      int
			input, result sql.NullString
			recorded      string
		)
		if err := rows.Scan(&id, &rid, &phase, &ev.Ordinal, &rollback, &ev.Message,
			&input, &result, &ev.Outcome, &ev.DurationMS, &recorded); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse step id: %w", err)
		}
		if ev.RunID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("storage: parse step run id: %w", err)
		}
		ev.Phase = model.Phase(phase)
		ev.Rollback = rollback != 0
		if ev.Input, err = decodeJSON(input); err != nil {
			return nil, err
		}
		if ev.Result, err = decodeJSON(result); err != nil {
			return nil, err
		}
		if ev.RecordedAt, err = decodeTime(recorded); err != nil {
			return nil, err
		}
		steps = append(steps, ev)
	}
	return steps, rows.Err()
}

// ListArtifacts returns a run's artifacts in creation order.
func (db *DB) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]model.Artifact, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, run_id, kind, external_id, url, title, payload, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY created_at, id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []model.Artifact
	for rows.Next() {
		var (
			a       model.Artifact
			id, rid string
			payload sql.NullString
			created string
		)
		if err := rows.Scan(&id, &rid, &a.Kind, &a.ExternalID, &a.URL, &a.Title, &payload, &created); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse artifact id: %w", err)
		}
		if a.RunID, err = uuid.Parse(rid); err != nil {
			return nil, fmt.Errorf("storage: parse artifact run id: %w", err)
		}
		if a.Payload, err = decodeJSON(payload); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = decodeTime(created); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// GetRunDetail returns a run with its ordered steps and artifacts.
func (db *DB) GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error) {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	steps, err := db.ListSteps(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	artifacts, err := db.ListArtifacts(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	return model.RunDetail{Run: run, Steps: steps, Artifacts: artifacts}, nil
}

// WorkflowHealth derives the outcome-based status of a workflow from
// its most recent terminal runs: unknown with no history, failing when
// the latest terminal run did not succeed, degraded when it succeeded
// but recent outcomes are mixed, healthy otherwise.
func (db *DB) WorkflowHealth(ctx context.Context, workflowID uuid.UUID) (model.Health, *model.Run, error) {
	runs, err := db.LatestRuns(ctx, recentWindow, model.RunFilter{WorkflowID: &workflowID})
	if err != nil {
		return model.HealthUnknown, nil, err
	}

	var terminal []model.Run
	for _, r := range runs {
		if r.Status.Terminal() {
			terminal = append(terminal, r)
		}
	}
	if len(terminal) == 0 {
		return model.HealthUnknown, nil, nil
	}

	latest := terminal[0]
	if latest.Status != model.RunStatusSuccess {
		return model.HealthFailing, &latest, nil
	}
	for _, r := range terminal[1:] {
		if r.Status != model.RunStatusSuccess {
			return model.HealthDegraded, &latest, nil
		}
	}
	return model.HealthHealthy, &latest, nil
}

// KPIs aggregates run metrics over the window ending at now: total
// runs started, success rate over terminal runs and the 95th
// percentile duration of terminal runs.
func (db *DB) KPIs(ctx context.Context, window time.Duration, now time.Time) (model.KPIs, error) {
	since := now.UTC().Add(-window)
	kpis := model.KPIs{Window: window}

	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE started_at >= ?`, encodeTime(since),
	).Scan(&kpis.TotalRuns); err != nil {
		return model.KPIs{}, fmt.Errorf("storage: kpi totals: %w", err)
	}

	rows, err := db.sql.QueryContext(ctx,
		`SELECT status, duration_ms FROM runs
		 WHERE started_at >= ? AND status IN (?, ?, ?) AND duration_ms IS NOT NULL
		 ORDER BY duration_ms`,
		encodeTime(since),
		string(model.RunStatusSuccess), string(model.RunStatusFailed), string(model.RunStatusAborted),
	)
	if err != nil {
		return model.KPIs{}, fmt.Errorf("storage: kpi durations: %w", err)
	}
	defer rows.Close()

	var durations []float64
	succeeded := 0
	for rows.Next() {
		var status string
		var d float64
		if err := rows.Scan(&status, &d); err != nil {
			return model.KPIs{}, fmt.Errorf("storage: scan kpi row: %w", err)
		}
		durations = append(durations, d)
		if model.RunStatus(status) == model.RunStatusSuccess {
			succeeded++
		}
	}
	if err := rows.Err(); err != nil {
		return model.KPIs{}, err
	}

	kpis.TerminalRuns = len(durations)
	if kpis.TerminalRuns > 0 {
		kpis.SuccessRate = float64(succeeded) / float64(kpis.TerminalRuns)
		kpis.P95DurationMS = percentile(durations, 0.95)
	}
	return kpis, nil
}

// percentile computes the nearest-rank percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if !sort.Float64sAreSorted(sorted) {
		sort.Float64s(sorted)
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func (db *DB) scanRunRow(row rowScanner) (model.Run, error) {
	var (
		r               model.Run
		id, agent, rcp  string
		wfID, ended     sql.NullString
		trigger, status string
		started         string
		durationMS      sql.NullFloat64
		timedOut        int
	)
	if err := row.Scan(&id, &wfID, &agent, &rcp, &r.RecipeVersion, &trigger,
		&status, &started, &ended, &durationMS, &r.Error, &timedOut); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, err
		}
		return model.Run{}, fmt.Errorf("storage: scan run: %w", err)
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, fmt.Errorf("storage: parse run id: %w", err)
	}
	if wfID.Valid {
		parsed, err := uuid.Parse(wfID.String)
		if err != nil {
			return model.Run{}, fmt.Errorf("storage: parse run workflow id: %w", err)
		}
		r.WorkflowID = &parsed
	}
	if r.AgentID, err = uuid.Parse(agent); err != nil {
		return model.Run{}, fmt.Errorf("storage: parse run agent id: %w", err)
	}
	if r.RecipeID, err = uuid.Parse(rcp); err != nil {
		return model.Run{}, fmt.Errorf("storage: parse run recipe id: %w", err)
	}
	r.Trigger = model.TriggerKind(trigger)
	r.Status = model.RunStatus(status)
	if r.StartedAt, err = decodeTime(started); err != nil {
		return model.Run{}, err
	}
	if r.EndedAt, err = decodeTimePtr(ended); err != nil {
		return model.Run{}, err
	}
	if durationMS.Valid {
		d := durationMS.Float64
		r.DurationMS = &d
	}
	r.TimedOut = timedOut != 0
	return r, nil
}
