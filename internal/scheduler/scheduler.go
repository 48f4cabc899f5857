// Package scheduler decides which workflows are due and starts their
// runs. It owns no timer: an external driver (cron, systemd timer or
// a UI action) calls Tick with the current instant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dandori-ai/dandori/internal/engine"
	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/storage"
)

// maxConcurrentRuns bounds how many due workflows one tick executes in
// parallel.
const maxConcurrentRuns = 4

// Scheduler computes due workflows and delegates them to the engine.
type Scheduler struct {
	db     *storage.DB
	engine *engine.Engine
	logger *slog.Logger
}

// New creates a Scheduler.
func New(db *storage.DB, eng *engine.Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{db: db, engine: eng, logger: logger}
}

// Due returns the workflows due at now: enabled, interval-triggered
// and past their next_run_at. Pure function of its inputs so due-set
// behavior is testable without a clock or a store.
func Due(workflows []model.Workflow, now time.Time) []model.Workflow {
	var due []model.Workflow
	for _, wf := range workflows {
		if !wf.Enabled || wf.Trigger.Kind != model.TriggerInterval || wf.NextRunAt == nil {
			continue
		}
		if !wf.NextRunAt.After(now) {
			due = append(due, wf)
		}
	}
	return due
}

// Tick starts a run for every workflow due at now. The schedule
// advance is an atomic compare-and-advance per workflow, so a
// concurrent tick or manual run cannot double-fire: only the caller
// that wins the claim executes, and a repeated Tick with an unchanged
// now is a no-op. Claimed workflows run concurrently; Tick returns
// once all started runs are terminal.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (model.TickResult, error) {
	workflows, err := s.db.ListWorkflows(ctx)
	if err != nil {
		return model.TickResult{}, fmt.Errorf("scheduler: list workflows: %w", err)
	}

	var (
		mu     sync.Mutex
		result model.TickResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRuns)

	for _, wf := range Due(workflows, now) {
		g.Go(func() error {
			claimed, err := s.db.ClaimDue(gctx, wf, now)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}

			run, err := s.start(gctx, wf, model.TriggerInterval)
			if err != nil {
				// A lost race against a manual run, or a failed start:
				// the schedule already advanced, so just log it.
				s.logger.Warn("scheduled run not started", "workflow", wf.Name, "error", err)
				return nil
			}

			mu.Lock()
			result.Started++
			result.RunIDs = append(result.RunIDs, run.ID)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// RunNow executes a workflow immediately, regardless of trigger kind.
// It goes through the same engine path as scheduled runs; last_run_at
// moves, next_run_at is left alone (manual workflows never get one and
// interval workflows keep their slot).
func (s *Scheduler) RunNow(ctx context.Context, workflowID uuid.UUID) (model.Run, error) {
	wf, err := s.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.Run{}, err
	}

	run, err := s.start(ctx, wf, model.TriggerManual)
	if err != nil {
		return model.Run{}, err
	}

	if err := s.db.MarkManualRun(ctx, wf.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("manual run timestamp not recorded", "workflow", wf.Name, "error", err)
	}
	return run, nil
}

// start resolves the workflow's agent and frozen recipe snapshot and
// hands them to the engine.
func (s *Scheduler) start(ctx context.Context, wf model.Workflow, trigger model.TriggerKind) (model.Run, error) {
	agent, err := s.db.GetAgent(ctx, wf.AgentID)
	if err != nil {
		return model.Run{}, fmt.Errorf("scheduler: workflow %q agent: %w", wf.Name, err)
	}
	rcp, err := s.db.GetRecipe(ctx, wf.RecipeID)
	if err != nil {
		return model.Run{}, fmt.Errorf("scheduler: workflow %q recipe: %w", wf.Name, err)
	}

	run, err := s.engine.Execute(ctx, engine.Request{
		Agent:      agent,
		Recipe:     rcp,
		WorkflowID: &wf.ID,
		Trigger:    trigger,
	})
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			return model.Run{}, err
		}
		return model.Run{}, fmt.Errorf("scheduler: workflow %q: %w", wf.Name, err)
	}
	return run, nil
}
