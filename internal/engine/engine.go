// Package engine executes recipes through the IPAV state machine.
//
// A run moves strictly forward: pending → intake → plan → act →
// verify → success or failed, with aborted reachable from any
// non-terminal state on cancellation. Steps within a run execute
// sequentially; every step outcome is recorded as an immutable step
// event before the engine decides whether to continue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dandori-ai/dandori/internal/gateway"
	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/recipe"
	"github.com/dandori-ai/dandori/internal/storage"
	"github.com/dandori-ai/dandori/internal/telemetry"
)

// ErrRunInProgress is returned when a run is requested for a workflow
// that already has one in flight. Requests are rejected, not queued.
var ErrRunInProgress = errors.New("engine: workflow already has a run in progress")

// rollbackGrace bounds rollback execution once the run's own context
// is no longer usable (guardrail timeout or cancellation).
const rollbackGrace = 30 * time.Second

// Config tunes engine behavior.
type Config struct {
	// TimeoutWholeRun applies a recipe's guardrail timeout to the whole
	// run instead of the default plan+act span.
	TimeoutWholeRun bool
}

// Request describes one execution: a frozen recipe snapshot run under
// an agent, optionally on behalf of a workflow.
type Request struct {
	Agent      model.Agent
	Recipe     model.Recipe
	WorkflowID *uuid.UUID
	Trigger    model.TriggerKind
	// Context seeds the run's working state (intake inputs).
	Context map[string]any
}

// Engine runs recipes. Safe for concurrent use; distinct runs execute
// concurrently, but at most one run per workflow is admitted.
type Engine struct {
	db     *storage.DB
	gw     gateway.Invoker
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu         sync.Mutex
	cancels    map[uuid.UUID]context.CancelFunc // by run id
	byWorkflow map[uuid.UUID]uuid.UUID          // workflow id → active run id

	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New creates an Engine.
func New(db *storage.DB, gw gateway.Invoker, logger *slog.Logger, cfg Config) *Engine {
	e := &Engine{
		db:         db,
		gw:         gw,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		cancels:    map[uuid.UUID]context.CancelFunc{},
		byWorkflow: map[uuid.UUID]uuid.UUID{},
	}

	meter := telemetry.Meter("dandori/engine")
	var err error
	if e.runsTotal, err = meter.Int64Counter("dandori.runs.total"); err != nil {
		logger.Warn("engine: register run counter", "error", err)
	}
	if e.runDuration, err = meter.Float64Histogram("dandori.run.duration_ms"); err != nil {
		logger.Warn("engine: register run duration histogram", "error", err)
	}
	return e
}

// Execute runs the request to a terminal state and returns the sealed
// run. Recipe validation failures surface as recipe.ValidationErrors
// before any run record exists; step and timeout failures never
// propagate as errors — they seal the run as failed and the caller
// observes the terminal status.
func (e *Engine) Execute(ctx context.Context, req Request) (model.Run, error) {
	doc, verrs := recipe.Parse(req.Recipe.Document)
	if len(verrs) > 0 {
		return model.Run{}, verrs
	}

	if req.WorkflowID != nil {
		if err := e.admit(ctx, *req.WorkflowID); err != nil {
			return model.Run{}, err
		}
	}

	run, err := e.db.CreateRun(ctx, req.WorkflowID, req.Agent.ID, req.Recipe.ID, req.Recipe.Version, req.Trigger)
	if err != nil {
		e.release(req.WorkflowID, uuid.Nil)
		return model.Run{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(run.ID, req.WorkflowID, cancel)
	defer e.release(req.WorkflowID, run.ID)

	e.logger.Info("run starting",
		"run_id", run.ID, "agent", req.Agent.Name, "recipe", req.Recipe.Name,
		"recipe_version", req.Recipe.Version, "trigger", req.Trigger)

	if err := e.db.MarkRunRunning(ctx, run.ID); err != nil {
		return e.seal(run, model.RunStatusFailed, err.Error(), false)
	}

	status, summary, timedOut := e.runPhases(runCtx, run, req.Agent, doc)
	return e.seal(run, status, summary, timedOut)
}

// Cancel requests cancellation of a running run. It reports whether a
// matching active run existed; the run seals as aborted once the
// in-flight step observes the cancellation.
func (e *Engine) Cancel(runID uuid.UUID) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) admit(ctx context.Context, workflowID uuid.UUID) error {
	e.mu.Lock()
	if _, busy := e.byWorkflow[workflowID]; busy {
		e.mu.Unlock()
		return ErrRunInProgress
	}
	// Reserve the slot before the run row exists; register fills in
	// the run id.
	e.byWorkflow[workflowID] = uuid.Nil
	e.mu.Unlock()

	// The map only covers this process; a pending or running row left
	// behind by another (or a crashed) instance also blocks.
	active, err := e.db.HasActiveRun(ctx, workflowID)
	if err != nil {
		e.release(&workflowID, uuid.Nil)
		return err
	}
	if active {
		e.release(&workflowID, uuid.Nil)
		return ErrRunInProgress
	}
	return nil
}

func (e *Engine) register(runID uuid.UUID, workflowID *uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[runID] = cancel
	if workflowID != nil {
		e.byWorkflow[*workflowID] = runID
	}
}

func (e *Engine) release(workflowID *uuid.UUID, runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, runID)
	if workflowID != nil {
		delete(e.byWorkflow, *workflowID)
	}
}

// seal finalizes the run, records metrics and returns the stored row.
func (e *Engine) seal(run model.Run, status model.RunStatus, summary string, timedOut bool) (model.Run, error) {
	ctx := context.WithoutCancel(context.Background())
	if err := e.db.SealRun(ctx, run.ID, status, summary, timedOut); err != nil {
		e.logger.Error("run seal failed", "run_id", run.ID, "error", err)
		return model.Run{}, err
	}
	sealed, err := e.db.GetRun(ctx, run.ID)
	if err != nil {
		return model.Run{}, err
	}

	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("trigger", string(run.Trigger)),
	)
	if e.runsTotal != nil {
		e.runsTotal.Add(ctx, 1, attrs)
	}
	if e.runDuration != nil && sealed.DurationMS != nil {
		e.runDuration.Record(ctx, *sealed.DurationMS, attrs)
	}

	e.logger.Info("run sealed", "run_id", run.ID, "status", status, "error", summary)
	return sealed, nil
}

// runPhases drives the IPAV machine and reports the terminal status,
// the failure summary (empty on success) and whether a guardrail
// timeout fired.
func (e *Engine) runPhases(ctx context.Context, run model.Run, agent model.Agent, doc recipe.Document) (model.RunStatus, string, bool) {
	state := newRunState(run, agent, doc)

	var timeout time.Duration
	if doc.Guardrails != nil {
		timeout = doc.Guardrails.Timeout
	}

	phaseCtx := ctx
	var cancelTimeout context.CancelFunc
	// Covers every arming below, including a failure return before the
	// act-phase disarm.
	defer func() {
		if cancelTimeout != nil {
			cancelTimeout()
		}
	}()
	if timeout > 0 && e.cfg.TimeoutWholeRun {
		phaseCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
	}

	for _, phase := range model.Phases() {
		// The default guardrail scope is the plan+act span: arm the
		// timer when entering plan, disarm after act completes.
		if timeout > 0 && !e.cfg.TimeoutWholeRun && phase == model.PhasePlan {
			phaseCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		}

		failure := e.runPhase(phaseCtx, state, phase)

		if timeout > 0 && !e.cfg.TimeoutWholeRun && phase == model.PhaseAct && cancelTimeout != nil {
			cancelTimeout()
			phaseCtx = ctx
		}

		if failure == nil {
			continue
		}

		e.rollback(ctx, state, phase)

		switch {
		case failure.timedOut:
			return model.RunStatusFailed, fmt.Sprintf("guardrail timeout after %s in %s phase", timeout, phase), true
		case failure.canceled:
			return model.RunStatusAborted, fmt.Sprintf("canceled during %s phase", phase), false
		default:
			return model.RunStatusFailed, failure.summary, false
		}
	}

	return model.RunStatusSuccess, "", false
}

// stepFailure captures why a phase stopped.
type stepFailure struct {
	summary  string
	timedOut bool
	canceled bool
}

// runPhase executes one phase's steps in document order. A nil return
// means every step passed (or was informational).
func (e *Engine) runPhase(ctx context.Context, st *runState, phase model.Phase) *stepFailure {
	for _, step := range st.doc.PhaseSteps(phase) {
		outcome, result, stepErr := e.runStep(ctx, st, phase, step)

		ev := model.StepEvent{
			RunID:   st.run.ID,
			Phase:   phase,
			Ordinal: st.nextOrdinal(phase),
			Message: step.Label(),
			Input:   step.Args,
			Result:  result,
			Outcome: outcome,
		}
		if stepErr != nil {
			ev.Result = mergeMaps(result, map[string]any{"error": stepErr.Error()})
		}
		ev.DurationMS = st.takeDuration()

		// Record even when the step died to a timeout or cancel: the
		// partial trail is part of the permanent record.
		recordCtx := context.WithoutCancel(ctx)
		if _, err := e.db.AppendStep(recordCtx, ev); err != nil {
			// Telemetry writes must not fail silently: a step that
			// cannot be durably recorded fails the run.
			return &stepFailure{summary: fmt.Sprintf("step event not recorded: %v", err)}
		}

		if outcome == model.StepError {
			switch {
			case errors.Is(stepErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
				return &stepFailure{timedOut: true}
			case errors.Is(stepErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
				return &stepFailure{canceled: true}
			default:
				return &stepFailure{summary: fmt.Sprintf("%s step %d (%s): %v", phase, ev.Ordinal, step.Label(), stepErr)}
			}
		}
	}
	return nil
}

// rollback executes the guardrail rollback actions after a phase
// failure. Rollback events carry the failing phase and continue its
// ordinal sequence; their outcomes are recorded but never change the
// run's terminal status.
func (e *Engine) rollback(ctx context.Context, st *runState, failed model.Phase) {
	if st.doc.Guardrails == nil || len(st.doc.Guardrails.Rollback) == 0 {
		return
	}

	// The run's own context may already be dead; rollback gets a
	// bounded grace period of its own.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackGrace)
	defer cancel()

	for _, step := range st.doc.Guardrails.Rollback {
		started := e.now()
		res, err := e.invokeAct(rbCtx, st, step)
		outcome := model.StepOK
		result := res.Data
		if err != nil || !res.OK {
			outcome = model.StepError
			if result == nil {
				result = map[string]any{}
			}
			if err != nil {
				result["error"] = err.Error()
			} else {
				result["error"] = res.Error
			}
			e.logger.Warn("rollback step failed", "run_id", st.run.ID, "step", step.Label(), "error", result["error"])
		}

		ev := model.StepEvent{
			RunID:      st.run.ID,
			Phase:      failed,
			Ordinal:    st.nextOrdinal(failed),
			Rollback:   true,
			Message:    step.Label(),
			Input:      step.Args,
			Result:     result,
			Outcome:    outcome,
			DurationMS: float64(e.now().Sub(started)) / float64(time.Millisecond),
		}
		if _, err := e.db.AppendStep(rbCtx, ev); err != nil {
			e.logger.Error("rollback step not recorded", "run_id", st.run.ID, "error", err)
			return
		}
	}
}

// runStep executes one step, routing act steps through the tool
// gateway and the other phases through the local evaluator.
func (e *Engine) runStep(ctx context.Context, st *runState, phase model.Phase, step recipe.Step) (model.StepOutcome, map[string]any, error) {
	st.startStep(e.now())
	defer st.endStep(e.now())

	if err := ctx.Err(); err != nil {
		return model.StepError, nil, err
	}

	switch phase {
	case model.PhaseAct:
		return e.actStep(ctx, st, step)
	case model.PhaseVerify:
		return verifyStep(st, step)
	default:
		return localStep(st, step)
	}
}

// actStep invokes the tool gateway and records any produced artifact.
func (e *Engine) actStep(ctx context.Context, st *runState, step recipe.Step) (model.StepOutcome, map[string]any, error) {
	res, err := e.invokeAct(ctx, st, step)
	if err != nil {
		return model.StepError, res.Data, err
	}
	if !res.OK {
		return model.StepError, res.Data, errors.New(firstNonEmpty(res.Error, "tool invocation failed"))
	}

	st.set(step.Label(), res.Data)

	if res.ExternalID != "" || res.URL != "" {
		kind := step.Label()
		if k, ok := res.Data["kind"].(string); ok && k != "" {
			kind = k
		}
		title := ""
		if t, ok := res.Data["title"].(string); ok {
			title = t
		}
		if _, err := e.db.AppendArtifact(ctx, model.Artifact{
			RunID:      st.run.ID,
			Kind:       kind,
			ExternalID: res.ExternalID,
			URL:        res.URL,
			Title:      title,
			Payload:    res.Data,
		}); err != nil {
			return model.StepError, res.Data, fmt.Errorf("artifact not recorded: %w", err)
		}
	}
	return model.StepOK, res.Data, nil
}

// invokeAct resolves the tool/action pair for a step and calls the
// gateway. Action names use the "tool.action" form; a bare directive
// shaped like one invokes that tool, and free-form directives route
// through the gateway as notes so act semantics stay uniform.
func (e *Engine) invokeAct(ctx context.Context, st *runState, step recipe.Step) (gateway.Result, error) {
	tool, action := splitCall(step)
	args := mergeMaps(map[string]any{}, step.Args)
	if tool == "note" && !step.IsAction() {
		args["note"] = step.Directive
	}
	args["agent"] = st.agent.Name
	return e.gw.Invoke(ctx, tool, action, args)
}

func splitCall(step recipe.Step) (tool, action string) {
	name := step.Action
	if name == "" {
		// A bare "- av.restart_encoder" parses as a directive but
		// names a real tool call; only prose directives become notes.
		if !isCallName(step.Directive) {
			return "note", "record"
		}
		name = step.Directive
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// isCallName reports whether a directive has the "tool.action" shape:
// a single token with an interior dot.
func isCallName(s string) bool {
	if strings.ContainsAny(s, " \t") {
		return false
	}
	i := strings.IndexByte(s, '.')
	return i > 0 && i < len(s)-1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
