package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandori-ai/dandori/internal/engine"
	"github.com/dandori-ai/dandori/internal/gateway"
	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/scheduler"
	"github.com/dandori-ai/dandori/internal/server"
	"github.com/dandori-ai/dandori/internal/storage"
	"github.com/dandori-ai/dandori/internal/testutil"
)

type testServer struct {
	handler http.Handler
	db      *storage.DB
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := testutil.TestLogger()

	gw := gateway.InvokerFunc(func(_ context.Context, _, _ string, _ map[string]any) (gateway.Result, error) {
		return gateway.Result{OK: true}, nil
	})
	eng := engine.New(db, gw, logger, engine.Config{})

	srv := server.New(server.Config{
		DB:                  db,
		Engine:              eng,
		Scheduler:           scheduler.New(db, eng, logger),
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 4 << 20,
	})
	return testServer{handler: srv.Handler(), db: db}
}

func (ts testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// envelope mirrors the response wrapper for decoding in assertions.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		RequestID string    `json:"request_id"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"meta"`
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func dataAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	env := decode(t, rec)
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), "data: %s", string(env.Data))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := dataAs[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAgents_CreateConflictAndGet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/agents", model.CreateAgentRequest{Name: "AV Ops", Domain: "av"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := dataAs[model.Agent](t, rec)
	assert.Equal(t, "AV Ops", agent.Name)

	rec = ts.do(t, http.MethodPost, "/v1/agents", model.CreateAgentRequest{Name: "AV Ops"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeConflict, decode(t, rec).Error.Code)

	rec = ts.do(t, http.MethodGet, "/v1/agents/"+agent.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/agents/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decode(t, rec).Error.Code)
}

func TestAgents_UnknownIDIs404(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/agents/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decode(t, rec).Error.Code)
}

func TestAgents_DeleteReferencedIs409(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	agent, err := ts.db.CreateAgent(ctx, model.CreateAgentRequest{Name: "AV Ops"})
	require.NoError(t, err)
	rcp, err := ts.db.CreateRecipe(ctx, "restart-encoder", "act:\n  - av.restart_encoder\n")
	require.NoError(t, err)
	_, err = ts.db.CreateWorkflow(ctx, model.CreateWorkflowRequest{
		Name: "Nightly", AgentID: agent.ID, RecipeID: rcp.ID,
		Trigger: model.Trigger{Kind: model.TriggerManual},
	}, time.Now().UTC())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodDelete, "/v1/agents/"+agent.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeReferenced, decode(t, rec).Error.Code)
}

func TestRecipes_ValidateReportsEveryViolation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/recipes/validate", model.SaveRecipeRequest{
		Name:     "broken",
		Document: "intake:\n  - ''\nplan: scalar\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	env := decode(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.False(t, resp.Valid)
	assert.GreaterOrEqual(t, len(resp.Errors), 2)
}

func TestRecipes_InvalidDocumentSaveIs422(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/recipes", model.SaveRecipeRequest{
		Name:     "broken",
		Document: "plan: not-a-list\n",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	env := decode(t, rec)
	assert.Equal(t, model.ErrCodeValidation, env.Error.Code)
	assert.NotEmpty(t, env.Error.Details)

	// Updates hold the same line; the stored version is untouched.
	rec = ts.do(t, http.MethodPost, "/v1/recipes", model.SaveRecipeRequest{
		Name:     "good",
		Document: "act:\n  - av.restart_encoder\n",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rcp := dataAs[model.Recipe](t, rec)

	rec = ts.do(t, http.MethodPut, "/v1/recipes/"+rcp.ID.String(), model.SaveRecipeRequest{
		Name:     "good",
		Document: "verify: scalar\n",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/recipes/"+rcp.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := dataAs[model.Recipe](t, rec)
	assert.Equal(t, 1, got.Version)
}

func TestRunWorkflow_EndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	agent, err := ts.db.CreateAgent(ctx, model.CreateAgentRequest{Name: "AV Ops"})
	require.NoError(t, err)
	rcp, err := ts.db.CreateRecipe(ctx, "restart-encoder", "act:\n  - av.restart_encoder\n")
	require.NoError(t, err)
	wf, err := ts.db.CreateWorkflow(ctx, model.CreateWorkflowRequest{
		Name: "Nightly", AgentID: agent.ID, RecipeID: rcp.ID,
		Trigger: model.Trigger{Kind: model.TriggerManual},
	}, time.Now().UTC())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/run", wf.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := dataAs[model.Run](t, rec)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, model.TriggerManual, run.Trigger)

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := dataAs[model.RunDetail](t, rec)
	assert.Equal(t, run.ID, detail.Run.ID)
	require.Len(t, detail.Steps, 1)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/v1/workflows/%s/status", wf.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := dataAs[model.WorkflowStatus](t, rec)
	assert.Equal(t, model.HealthHealthy, status.Health)
	assert.Equal(t, model.FreshnessGreen, status.Freshness)
}

func TestAgents_EmptyNameIs400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/agents", model.CreateAgentRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, model.ErrCodeInvalidInput, decode(t, rec).Error.Code)
}

func TestCancelRun_NoActiveRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs/6ba7b810-9dad-11d1-80b4-00c04fd430c8/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTickEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := dataAs[model.TickResult](t, rec)
	assert.Zero(t, result.Started)
}

func TestKPIsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/kpis?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	kpis := dataAs[model.KPIs](t, rec)
	assert.Zero(t, kpis.TotalRuns)

	rec = ts.do(t, http.MethodGet, "/v1/kpis?window=-1h", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.db.CreateAgent(ctx, model.CreateAgentRequest{Name: "AV Ops"})
	require.NoError(t, err)
	_, err = ts.db.CreateRecipe(ctx, "restart-encoder", "act:\n  - av.restart_encoder\n")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	data := rec.Body.Bytes()
	require.NotEmpty(t, data)

	req := httptest.NewRequest(http.MethodPost, "/v1/import?strategy=rename", bytes.NewReader(data))
	imp := httptest.NewRecorder()
	ts.handler.ServeHTTP(imp, req)
	require.Equal(t, http.StatusOK, imp.Code, imp.Body.String())

	var report model.MergeReport
	env := decode(t, imp)
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.Created.Agents)
	assert.Equal(t, 1, report.Created.Recipes)
	assert.Len(t, report.Renames, 2)
}

func TestImport_NotAZipIs400(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/import", bytes.NewReader([]byte("junk")))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decode(t, rec).Error.Code)
}

func TestUnknownFieldRejected(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/agents", map[string]any{"name": "x", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
