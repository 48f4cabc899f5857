package bundle_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandori-ai/dandori/internal/bundle"
	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/storage"
	"github.com/dandori-ai/dandori/internal/testutil"
)

const recipeDoc = "act:\n  - av.restart_encoder\n"

// seedStore populates a store with one agent, one recipe and one
// workflow wired together.
func seedStore(t *testing.T, db *storage.DB) (model.Agent, model.Recipe, model.Workflow) {
	t.Helper()
	ctx := context.Background()

	agent, err := db.CreateAgent(ctx, model.CreateAgentRequest{
		Name: "AV Ops", Domain: "av", Config: map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	rcp, err := db.CreateRecipe(ctx, "restart-encoder", recipeDoc)
	require.NoError(t, err)
	wf, err := db.CreateWorkflow(ctx, model.CreateWorkflowRequest{
		Name: "Nightly Sweep", AgentID: agent.ID, RecipeID: rcp.ID,
		Trigger: model.Trigger{Kind: model.TriggerInterval, IntervalMinutes: 1440},
	}, time.Now().UTC())
	require.NoError(t, err)
	return agent, rcp, wf
}

func TestExport_ManifestAndLayout(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedStore(t, db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, manifest, err := bundle.Export(context.Background(), db, bundle.All(), now)
	require.NoError(t, err)
	assert.Equal(t, bundle.Version, manifest.BundleVersion)
	assert.Equal(t, now, manifest.GeneratedAt)
	assert.Equal(t, 1, manifest.Agents)
	assert.Equal(t, 1, manifest.Recipes)
	assert.Equal(t, 1, manifest.Workflows)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["manifest.json"])
	assert.True(t, names["agents.json"])
	assert.True(t, names["recipes.json"])
	assert.True(t, names["recipes/restart-encoder.yaml"])
	assert.True(t, names["workflows.json"])
}

func TestExport_Selection(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedStore(t, db)

	data, manifest, err := bundle.Export(context.Background(), db,
		bundle.Selection{Recipes: true}, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, manifest.Agents)
	assert.Equal(t, 1, manifest.Recipes)
	assert.Zero(t, manifest.Workflows)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		assert.NotEqual(t, "agents.json", f.Name)
		assert.NotEqual(t, "workflows.json", f.Name)
	}
}

func TestImport_IntoEmptyStore(t *testing.T) {
	src := testutil.NewTestDB(t)
	seedStore(t, src)
	ctx := context.Background()

	data, manifest, err := bundle.Export(ctx, src, bundle.All(), time.Now().UTC())
	require.NoError(t, err)

	dst := testutil.NewTestDB(t)
	report, err := bundle.Import(ctx, dst, data, model.MergeSkip, false)
	require.NoError(t, err)

	assert.Equal(t, manifest.Agents, report.Created.Agents)
	assert.Equal(t, manifest.Recipes, report.Created.Recipes)
	assert.Equal(t, manifest.Workflows, report.Created.Workflows)
	assert.Zero(t, report.Skipped.Agents)
	assert.Empty(t, report.Renames)

	agent, err := dst.GetAgentByName(ctx, "AV Ops")
	require.NoError(t, err)
	assert.Equal(t, "eu", agent.Config["region"])

	rcp, err := dst.GetRecipeByName(ctx, "restart-encoder")
	require.NoError(t, err)
	assert.Equal(t, recipeDoc, rcp.Document)

	wf, err := dst.GetWorkflowByName(ctx, "Nightly Sweep")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, wf.AgentID)
	assert.Equal(t, rcp.ID, wf.RecipeID)
	assert.Equal(t, model.TriggerInterval, wf.Trigger.Kind)
	assert.Equal(t, 1440, wf.Trigger.IntervalMinutes)
}

func TestImport_SkipLeavesExisting(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, rcp, _ := seedStore(t, db)
	ctx := context.Background()

	data, _, err := bundle.Export(ctx, db, bundle.All(), time.Now().UTC())
	require.NoError(t, err)

	// Change the recipe after exporting; a skip import must not undo it.
	edited, err := db.UpdateRecipe(ctx, rcp.ID, "restart-encoder", "act:\n  - av.power_cycle\n")
	require.NoError(t, err)
	require.Equal(t, 2, edited.Version)

	report, err := bundle.Import(ctx, db, data, model.MergeSkip, false)
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	assert.Equal(t, 1, report.Skipped.Agents)
	assert.Equal(t, 1, report.Skipped.Recipes)
	assert.Equal(t, 1, report.Skipped.Workflows)

	got, err := db.GetRecipe(ctx, rcp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Contains(t, got.Document, "power_cycle")
}

func TestImport_OverwriteBumpsRecipeInPlace(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, rcp, _ := seedStore(t, db)
	ctx := context.Background()

	data, _, err := bundle.Export(ctx, db, bundle.All(), time.Now().UTC())
	require.NoError(t, err)

	edited, err := db.UpdateRecipe(ctx, rcp.ID, "restart-encoder", "act:\n  - av.power_cycle\n")
	require.NoError(t, err)
	require.Equal(t, 2, edited.Version)

	report, err := bundle.Import(ctx, db, data, model.MergeOverwrite, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated.Recipes)
	assert.Equal(t, 1, report.Updated.Agents)
	assert.Equal(t, 1, report.Updated.Workflows)

	got, err := db.GetRecipe(ctx, rcp.ID)
	require.NoError(t, err)
	assert.Equal(t, rcp.ID, got.ID, "overwrite keeps the entity's identity")
	assert.Equal(t, 3, got.Version, "restoring the exported content is still a content change")
	assert.Equal(t, recipeDoc, got.Document)
}

func TestImport_RenameRepointsWorkflow(t *testing.T) {
	db := testutil.NewTestDB(t)
	agent, rcp, wf := seedStore(t, db)
	ctx := context.Background()

	data, _, err := bundle.Export(ctx, db, bundle.All(), time.Now().UTC())
	require.NoError(t, err)

	report, err := bundle.Import(ctx, db, data, model.MergeRename, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created.Agents)
	assert.Equal(t, 1, report.Created.Recipes)
	assert.Equal(t, 1, report.Created.Workflows)
	assert.Len(t, report.Renames, 3)

	agent2, err := db.GetAgentByName(ctx, "AV Ops (2)")
	require.NoError(t, err)
	assert.NotEqual(t, agent.ID, agent2.ID)

	rcp2, err := db.GetRecipeByName(ctx, "restart-encoder (2)")
	require.NoError(t, err)
	assert.NotEqual(t, rcp.ID, rcp2.ID)

	// The imported workflow follows its bundle companions to their
	// renamed identities, not the pre-existing ones.
	wf2, err := db.GetWorkflowByName(ctx, "Nightly Sweep (2)")
	require.NoError(t, err)
	assert.NotEqual(t, wf.ID, wf2.ID)
	assert.Equal(t, agent2.ID, wf2.AgentID)
	assert.Equal(t, rcp2.ID, wf2.RecipeID)

	// A third import gets the next suffix.
	_, err = bundle.Import(ctx, db, data, model.MergeRename, false)
	require.NoError(t, err)
	_, err = db.GetRecipeByName(ctx, "restart-encoder (3)")
	assert.NoError(t, err)
}

func TestImport_DryRunReportsWithoutMutating(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedStore(t, db)
	ctx := context.Background()

	data, _, err := bundle.Export(ctx, db, bundle.All(), time.Now().UTC())
	require.NoError(t, err)

	dry, err := bundle.Import(ctx, db, data, model.MergeRename, true)
	require.NoError(t, err)

	// Nothing was created.
	_, err = db.GetAgentByName(ctx, "AV Ops (2)")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	agents, err := db.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	// The real import produces the identical report.
	real, err := bundle.Import(ctx, db, data, model.MergeRename, false)
	require.NoError(t, err)
	assert.Equal(t, dry, real)
}

func TestImport_PartialBundle(t *testing.T) {
	src := testutil.NewTestDB(t)
	seedStore(t, src)
	ctx := context.Background()

	// A recipes-only bundle imports cleanly; no workflow resolution is
	// attempted.
	data, _, err := bundle.Export(ctx, src, bundle.Selection{Recipes: true}, time.Now().UTC())
	require.NoError(t, err)

	dst := testutil.NewTestDB(t)
	report, err := bundle.Import(ctx, dst, data, model.MergeSkip, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created.Recipes)
	assert.Zero(t, report.Created.Agents)
	assert.Zero(t, report.Created.Workflows)
}

func TestImport_InvalidRecipeDocumentSkipped(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("recipes/broken-doc.yaml")
	require.NoError(t, err)
	_, err = w.Write([]byte("intake: not-a-list\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	db := testutil.NewTestDB(t)
	ctx := context.Background()

	dry, err := bundle.Import(ctx, db, buf.Bytes(), model.MergeSkip, true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Skipped.Recipes)
	assert.Zero(t, dry.Created.Recipes)
	require.Len(t, dry.Messages, 1)
	assert.Contains(t, dry.Messages[0], "broken doc")

	real, err := bundle.Import(ctx, db, buf.Bytes(), model.MergeSkip, false)
	require.NoError(t, err)
	assert.Equal(t, dry, real)

	recipes, err := db.ListRecipes(ctx)
	require.NoError(t, err)
	assert.Empty(t, recipes)
}

func TestImport_MalformedZip(t *testing.T) {
	db := testutil.NewTestDB(t)

	_, err := bundle.Import(context.Background(), db, []byte("not a zip"), model.MergeSkip, false)
	assert.ErrorIs(t, err, zip.ErrFormat)
}
