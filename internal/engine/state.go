package engine

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/recipe"
)

// runState is the working state of one run: the accumulated data the
// local phases build up and the per-phase ordinal counters. Owned by a
// single goroutine; a run never has two writers.
type runState struct {
	run   model.Run
	agent model.Agent
	doc   recipe.Document

	data     map[string]any
	ordinals map[model.Phase]int

	stepStart time.Time
	stepEnd   time.Time
}

func newRunState(run model.Run, agent model.Agent, doc recipe.Document) *runState {
	return &runState{
		run:      run,
		agent:    agent,
		doc:      doc,
		data:     map[string]any{},
		ordinals: map[model.Phase]int{},
	}
}

// nextOrdinal hands out the phase's next gap-free ordinal, starting at
// zero. Rollback events share the failing phase's sequence.
func (st *runState) nextOrdinal(phase model.Phase) int {
	n := st.ordinals[phase]
	st.ordinals[phase] = n + 1
	return n
}

func (st *runState) set(key string, value any) {
	st.data[key] = value
}

func (st *runState) startStep(t time.Time) { st.stepStart = t }
func (st *runState) endStep(t time.Time)   { st.stepEnd = t }

// takeDuration returns the last step's wall-clock duration in
// milliseconds.
func (st *runState) takeDuration() float64 {
	return float64(st.stepEnd.Sub(st.stepStart)) / float64(time.Millisecond)
}

// localStep evaluates an intake or plan step. Directives are notes
// that always pass; action steps fold their arguments into the run's
// working state so later phases can reference them.
func localStep(st *runState, step recipe.Step) (model.StepOutcome, map[string]any, error) {
	if !step.IsAction() {
		return model.StepOK, map[string]any{"note": step.Directive}, nil
	}
	for k, v := range step.Args {
		if k == "informational" {
			continue
		}
		st.set(k, v)
	}
	return model.StepOK, mergeMaps(map[string]any{"applied": true}, step.Args), nil
}

// verifyStep checks an expectation against the run's working state.
// An action step's `expect` map is compared key by key; any mismatch
// is an error outcome that fails the run unless the step is marked
// informational, in which case the mismatch is recorded as skipped.
func verifyStep(st *runState, step recipe.Step) (model.StepOutcome, map[string]any, error) {
	if !step.IsAction() {
		return model.StepOK, map[string]any{"note": step.Directive}, nil
	}

	expect, ok := step.Args["expect"].(map[string]any)
	if !ok || len(expect) == 0 {
		return model.StepOK, map[string]any{"checked": false}, nil
	}

	for key, want := range expect {
		got, present := st.lookup(key)
		if present && valuesEqual(got, want) {
			continue
		}
		result := map[string]any{"key": key, "want": want, "got": got, "matched": false}
		if step.Informational() {
			return model.StepSkipped, result, nil
		}
		return model.StepError, result, fmt.Errorf("verification %q failed: want %v, got %v", key, want, got)
	}
	return model.StepOK, map[string]any{"matched": true}, nil
}

// lookup resolves a possibly dotted key ("create_ticket.status")
// against the working state.
func (st *runState) lookup(key string) (any, bool) {
	return lookupPath(st.data, key)
}

// lookupPath resolves dotted keys greedily: act results are stored
// under their full "tool.action" label, so the longest prefix naming
// an entry wins and the remainder recurses into it.
func lookupPath(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for i := len(key) - 1; i > 0; i-- {
		if key[i] != '.' {
			continue
		}
		sub, ok := m[key[:i]].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := lookupPath(sub, key[i+1:]); ok {
			return v, true
		}
	}
	return nil, false
}

// valuesEqual compares YAML/JSON scalars loosely: integer and float
// forms of the same number are equal.
func valuesEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	return gok && wok && gf == wf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
