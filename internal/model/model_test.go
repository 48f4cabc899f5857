package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandori-ai/dandori/internal/model"
)

func ptr[T any](v T) *T { return &v }

// ---- Trigger ---------------------------------------------------------------

func TestTriggerValidate_Manual(t *testing.T) {
	assert.NoError(t, model.Trigger{Kind: model.TriggerManual}.Validate())

	err := model.Trigger{Kind: model.TriggerManual, IntervalMinutes: 5}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval_minutes")
}

func TestTriggerValidate_Interval(t *testing.T) {
	assert.NoError(t, model.Trigger{Kind: model.TriggerInterval, IntervalMinutes: 1}.Validate())

	assert.Error(t, model.Trigger{Kind: model.TriggerInterval}.Validate())
	assert.Error(t, model.Trigger{Kind: model.TriggerInterval, IntervalMinutes: -1}.Validate())
}

func TestTriggerValidate_UnknownKind(t *testing.T) {
	err := model.Trigger{Kind: "cron"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron")
}

func TestTriggerInterval_Duration(t *testing.T) {
	tr := model.Trigger{Kind: model.TriggerInterval, IntervalMinutes: 15}
	assert.Equal(t, 15*time.Minute, tr.Interval())
}

// ---- Names and payloads ----------------------------------------------------

func TestValidateName(t *testing.T) {
	assert.NoError(t, model.ValidateName("Monitoring Sweep"))
	assert.Error(t, model.ValidateName(""))
	assert.Error(t, model.ValidateName(strings.Repeat("x", 256)))
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, model.ValidatePayload(map[string]any{
		"channel": "encoder-1",
		"retries": 3,
		"force":   true,
		"nested":  map[string]any{"threshold": 0.5},
		"tags":    []any{"av", "ops"},
	}))

	err := model.ValidatePayload(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

// ---- Run status ------------------------------------------------------------

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusSuccess.Terminal())
	assert.True(t, model.RunStatusFailed.Terminal())
	assert.True(t, model.RunStatusAborted.Terminal())
}

// ---- Freshness -------------------------------------------------------------

func TestFreshnessAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	never := model.Workflow{}
	assert.Equal(t, model.FreshnessYellow, never.FreshnessAt(now))

	recent := model.Workflow{LastRunAt: ptr(now.Add(-2 * time.Hour))}
	assert.Equal(t, model.FreshnessGreen, recent.FreshnessAt(now))

	boundary := model.Workflow{LastRunAt: ptr(now.Add(-24 * time.Hour))}
	assert.Equal(t, model.FreshnessGreen, boundary.FreshnessAt(now))

	stale := model.Workflow{LastRunAt: ptr(now.Add(-3 * 24 * time.Hour))}
	assert.Equal(t, model.FreshnessYellow, stale.FreshnessAt(now))

	dead := model.Workflow{LastRunAt: ptr(now.Add(-8 * 24 * time.Hour))}
	assert.Equal(t, model.FreshnessRed, dead.FreshnessAt(now))
}

// ---- Merge strategy --------------------------------------------------------

func TestParseMergeStrategy(t *testing.T) {
	for _, s := range []string{"skip", "overwrite", "rename"} {
		got, err := model.ParseMergeStrategy(s)
		require.NoError(t, err)
		assert.Equal(t, model.MergeStrategy(s), got)
	}

	got, err := model.ParseMergeStrategy("")
	require.NoError(t, err)
	assert.Equal(t, model.MergeSkip, got, "empty means skip")

	_, err = model.ParseMergeStrategy("merge")
	assert.Error(t, err)
}
