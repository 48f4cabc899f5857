package recipe_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/recipe"
)

const fullRecipe = `
name: restart-encoder
description: Restart a stuck encoder and confirm it comes back.
version: "1"
intake:
  - confirm which encoder is affected
  - gather:
      with:
        channel: encoder-1
plan:
  - decide the restart window
  - set_target:
      with:
        target_state: running
act:
  - encoder.restart:
      with:
        channel: encoder-1
verify:
  - check:
      with:
        expect:
          target_state: running
  - check_latency:
      informational: true
      with:
        expect:
          latency_ms: 40
guardrails:
  timeout: 90s
  rollback:
    - encoder.stop:
        with:
          channel: encoder-1
success_metrics:
  - encoder back within 2 minutes
`

func TestParse_FullDocument(t *testing.T) {
	doc, errs := recipe.Parse(fullRecipe)
	require.Empty(t, errs)

	assert.Equal(t, "restart-encoder", doc.Name)
	assert.Len(t, doc.Intake, 2)
	assert.Len(t, doc.Plan, 2)
	assert.Len(t, doc.Act, 1)
	assert.Len(t, doc.Verify, 2)
	assert.Equal(t, []string{"encoder back within 2 minutes"}, doc.SuccessMetrics)

	require.NotNil(t, doc.Guardrails)
	assert.Equal(t, 90*time.Second, doc.Guardrails.Timeout)
	require.Len(t, doc.Guardrails.Rollback, 1)
	assert.Equal(t, "encoder.stop", doc.Guardrails.Rollback[0].Action)

	// Bare strings are directives, maps are actions.
	assert.False(t, doc.Intake[0].IsAction())
	assert.True(t, doc.Intake[1].IsAction())
	assert.Equal(t, "encoder-1", doc.Intake[1].Args["channel"])

	// `informational` beside `with` rides along into the args.
	assert.True(t, doc.Verify[1].Informational())
	assert.False(t, doc.Verify[0].Informational())
}

func TestParse_PhaseStepsOrder(t *testing.T) {
	doc, errs := recipe.Parse(fullRecipe)
	require.Empty(t, errs)

	assert.Equal(t, doc.Intake, doc.PhaseSteps(model.PhaseIntake))
	assert.Equal(t, doc.Plan, doc.PhaseSteps(model.PhasePlan))
	assert.Equal(t, doc.Act, doc.PhaseSteps(model.PhaseAct))
	assert.Equal(t, doc.Verify, doc.PhaseSteps(model.PhaseVerify))
}

func TestParse_AllPhasesEmpty(t *testing.T) {
	doc := `
name: hollow
intake:
plan:
act:
verify:
`
	errs := recipe.Validate(doc)
	// Exactly one violation: the emptiness itself, not one per phase.
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "no phase populated")
}

func TestParse_MissingPhaseKeysIsAlsoEmpty(t *testing.T) {
	errs := recipe.Validate("name: just-a-name\n")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "no phase populated")
}

func TestParse_CollectsEveryViolation(t *testing.T) {
	doc := `
name: broken
intake:
  - ""
plan: not-a-sequence
act:
  - do.thing:
      with:
        ok: true
guardrails:
  timeout: -5s
  rollback: []
`
	errs := recipe.Validate(doc)
	require.GreaterOrEqual(t, len(errs), 4)

	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "intake[0]")
	assert.Contains(t, fields, "plan")
	assert.Contains(t, fields, "guardrails.timeout")
	assert.Contains(t, fields, "guardrails.rollback")
}

func TestParse_TimeoutForms(t *testing.T) {
	base := `
act:
  - do.thing
guardrails:
  timeout: %s
`
	for raw, want := range map[string]time.Duration{
		"90s":   90 * time.Second,
		"5m":    5 * time.Minute,
		"'120'": 120 * time.Second, // bare integer means seconds
	} {
		doc, errs := recipe.Parse("name: t\n" + fmt.Sprintf(base, raw))
		require.Empty(t, errs, "timeout %s", raw)
		require.NotNil(t, doc.Guardrails)
		assert.Equal(t, want, doc.Guardrails.Timeout, "timeout %s", raw)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	errs := recipe.Validate("act: [unclosed")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "invalid YAML")
}

func TestParse_RootMustBeMapping(t *testing.T) {
	errs := recipe.Validate("- just\n- a\n- list\n")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "root must be a mapping")
}

func TestParse_ActionWithMultipleKeys(t *testing.T) {
	doc := `
act:
  - first: {}
    second: {}
`
	errs := recipe.Validate(doc)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "single-key")
}

func TestContentHash_StableUnderSurroundingWhitespace(t *testing.T) {
	a := recipe.ContentHash("act:\n  - do.thing\n")
	b := recipe.ContentHash("\n\nact:\n  - do.thing\n\n")
	c := recipe.ContentHash("act:\n  - do.other\n")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestValidationErrors_ErrorString(t *testing.T) {
	errs := recipe.ValidationErrors{
		{Field: "plan", Message: "must be a sequence of steps"},
		{Message: "no phase populated"},
	}
	assert.Equal(t, "recipe: plan: must be a sequence of steps; no phase populated", errs.Error())
}
