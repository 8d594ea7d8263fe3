package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/config"
	"github.com/camhq/cam/internal/dispatch"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/gitprovider"
	"github.com/camhq/cam/internal/lifecycle"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/pipeline"
	"github.com/camhq/cam/internal/secrets"
	"github.com/camhq/cam/internal/store"
	"github.com/camhq/cam/internal/workers"
)

type testApp struct {
	server *httptest.Server
	store  *store.Store
}

func setupApp(t *testing.T, authToken string) *testApp {
	t.Helper()
	cfg := config.FromEnv()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api-test.db")
	cfg.APIAuthToken = authToken

	st, err := store.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedBuiltinAgents(context.Background()))

	broker := events.NewBroker()
	emitter := events.NewEmitter(st, broker)
	resolver := secrets.NewResolver(st)

	// The stub provider factory keeps the API tests off the network.
	factory := func(_ context.Context, _ *secrets.Resolver, _ *gitprovider.Repo) gitprovider.Client {
		return nil
	}
	lc := lifecycle.New(st, emitter, resolver, factory, "")
	d := dispatch.New(st, emitter, resolver)
	exp := pipeline.NewExpander(st, emitter)
	reg := workers.NewRegistry(st, emitter, 90*time.Second)

	server := httptest.NewServer(NewServer(cfg, st, lc, d, exp, reg, resolver, emitter).Handler())
	t.Cleanup(server.Close)
	return &testApp{server: server, store: st}
}

// doJSON issues a request and decodes the envelope.
func (a *testApp) doJSON(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, payload)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

// dataAs re-marshals envelope data into a typed value.
func dataAs[T any](t *testing.T, env envelope) T {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (a *testApp) createTask(t *testing.T, body map[string]any) *model.Task {
	t.Helper()
	if _, ok := body["title"]; !ok {
		body["title"] = "test task"
	}
	if _, ok := body["agentDefinitionId"]; !ok {
		body["agentDefinitionId"] = "claude-code"
	}
	status, env := a.doJSON(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, env.Success)
	return dataAs[*model.Task](t, env)
}

func (a *testApp) registerWorker(t *testing.T, id string) {
	t.Helper()
	status, env := a.doJSON(t, http.MethodPost, "/api/workers", map[string]any{
		"id":   id,
		"name": "worker " + id,
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, env.Success)
}

func (a *testApp) nextTask(t *testing.T, workerID string) *dispatch.Assignment {
	t.Helper()
	status, env := a.doJSON(t, http.MethodGet, "/api/workers/"+workerID+"/next-task", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)
	if env.Data == nil {
		return nil
	}
	return dataAs[*dispatch.Assignment](t, env)
}

func (a *testApp) reportStatus(t *testing.T, taskID string, body map[string]any) *model.Task {
	t.Helper()
	status, env := a.doJSON(t, http.MethodPost, "/api/tasks/"+taskID+"/status", body)
	require.Equal(t, http.StatusOK, status, "report status: %+v", env.Error)
	return dataAs[*model.Task](t, env)
}

func TestEnvelopeErrorCodes(t *testing.T) {
	app := setupApp(t, "")

	status, env := app.doJSON(t, http.MethodGet, "/api/tasks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.False(t, env.Success)

	status, env = app.doJSON(t, http.MethodPost, "/api/tasks", map[string]any{
		"agentDefinitionId": "claude-code",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
}

func TestBearerAuth(t *testing.T) {
	app := setupApp(t, "hunter2")

	req, _ := http.NewRequest(http.MethodGet, app.server.URL+"/api/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateGetAndListTask(t *testing.T) {
	app := setupApp(t, "")

	task := app.createTask(t, map[string]any{"title": "hello", "groupId": "g1"})
	assert.Equal(t, model.StatusQueued, task.Status)

	status, env := app.doJSON(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, status)
	got := dataAs[*model.Task](t, env)
	assert.Equal(t, "hello", got.Title)

	status, env = app.doJSON(t, http.MethodGet, "/api/tasks?groupId=g1", nil)
	require.Equal(t, http.StatusOK, status)
	list := dataAs[[]*model.Task](t, env)
	require.Len(t, list, 1)
}

func TestCancelEndpointIdempotent(t *testing.T) {
	app := setupApp(t, "")
	task := app.createTask(t, map[string]any{})

	status, env := app.doJSON(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", map[string]any{"reason": "nope"})
	require.Equal(t, http.StatusOK, status)
	got := dataAs[*model.Task](t, env)
	assert.Equal(t, model.StatusCancelled, got.Status)

	status, env = app.doJSON(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	got = dataAs[*model.Task](t, env)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestDeleteEndpointRefusesLiveDependents(t *testing.T) {
	app := setupApp(t, "")
	up := app.createTask(t, map[string]any{})
	app.createTask(t, map[string]any{"dependsOn": []string{up.ID}})

	status, env := app.doJSON(t, http.MethodDelete, "/api/tasks/"+up.ID, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "STATE_CONFLICT", env.Error.Code)
}

func TestWorkerLifecycleEndpoints(t *testing.T) {
	app := setupApp(t, "")
	app.registerWorker(t, "w1")

	status, env := app.doJSON(t, http.MethodPost, "/api/workers/w1/heartbeat", map[string]any{"cpuUsage": 0.5})
	require.Equal(t, http.StatusOK, status)
	w := dataAs[*model.Worker](t, env)
	assert.Equal(t, model.WorkerIdle, w.Status)

	status, env = app.doJSON(t, http.MethodPatch, "/api/workers/w1", map[string]any{"action": "drain"})
	require.Equal(t, http.StatusOK, status)
	w = dataAs[*model.Worker](t, env)
	assert.Equal(t, model.WorkerDraining, w.Status)

	status, _ = app.doJSON(t, http.MethodPatch, "/api/workers/w1", map[string]any{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = app.doJSON(t, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, status)
	views := dataAs[[]map[string]any](t, env)
	require.Len(t, views, 1)
	assert.Equal(t, false, views[0]["stale"])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	app := setupApp(t, "")

	status, env := app.doJSON(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, env = app.doJSON(t, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)
}

func TestTemplateEndpoints(t *testing.T) {
	app := setupApp(t, "")

	status, _ := app.doJSON(t, http.MethodPost, "/api/templates", map[string]any{
		"name":           "broken",
		"titleTemplate":  "t",
		"promptTemplate": "p",
		"pipelineSteps":  []map[string]any{{"title": "only"}},
	})
	assert.Equal(t, http.StatusBadRequest, status, "pipeline with one step is rejected")

	status, _ = app.doJSON(t, http.MethodPost, "/api/templates", map[string]any{
		"name":              "two-step",
		"titleTemplate":     "{{title}}",
		"promptTemplate":    "{{description}}",
		"agentDefinitionId": "claude-code",
		"pipelineSteps":     []map[string]any{{"title": "a"}, {"title": "b"}},
	})
	require.Equal(t, http.StatusCreated, status)

	status, env := app.doJSON(t, http.MethodGet, "/api/templates/two-step", nil)
	require.Equal(t, http.StatusOK, status)
	tmpl := dataAs[*model.TaskTemplate](t, env)
	assert.True(t, tmpl.IsPipeline())
}

func TestSecretEndpointWritesAndResolves(t *testing.T) {
	app := setupApp(t, "")

	status, _ := app.doJSON(t, http.MethodPost, "/api/secrets", map[string]any{
		"name": "ANTHROPIC_API_KEY", "value": "sk-test", "agentDefinitionId": "claude-code",
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = app.doJSON(t, http.MethodPost, "/api/secrets", map[string]any{"name": "EMPTY"})
	assert.Equal(t, http.StatusBadRequest, status)

	// The stored secret materializes into a claimed task's env.
	app.registerWorker(t, "w1")
	app.createTask(t, map[string]any{})
	assignment := app.nextTask(t, "w1")
	require.NotNil(t, assignment)
	assert.Equal(t, "sk-test", assignment.Env["ANTHROPIC_API_KEY"])
}

func TestAgentDispatchableEndpoint(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	app := setupApp(t, "")

	status, env := app.doJSON(t, http.MethodGet, "/api/agents/claude-code/dispatchable", nil)
	require.Equal(t, http.StatusOK, status)
	result := dataAs[map[string]any](t, env)
	assert.Equal(t, false, result["dispatchable"], "no secret, no workers advertising the key")

	_, _ = app.doJSON(t, http.MethodPost, "/api/secrets", map[string]any{
		"name": "ANTHROPIC_API_KEY", "value": "sk-test",
	})
	status, env = app.doJSON(t, http.MethodGet, "/api/agents/claude-code/dispatchable", nil)
	require.Equal(t, http.StatusOK, status)
	result = dataAs[map[string]any](t, env)
	assert.Equal(t, true, result["dispatchable"])
}

func TestEventsReplayEndpoint(t *testing.T) {
	app := setupApp(t, "")
	task := app.createTask(t, map[string]any{})

	status, env := app.doJSON(t, http.MethodGet, "/api/events?taskId="+task.ID, nil)
	require.Equal(t, http.StatusOK, status)
	evs := dataAs[[]*model.SystemEvent](t, env)
	require.NotEmpty(t, evs)
	assert.Equal(t, model.EventTaskCreated, evs[0].Type)
}

func TestPatchTaskStaleWriteIsIdempotent(t *testing.T) {
	app := setupApp(t, "")
	task := app.createTask(t, map[string]any{})

	// Cancel out from under the PATCH.
	status, _ := app.doJSON(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)

	// The PATCH is accepted but ignored; the row stays cancelled.
	status, env := app.doJSON(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]any{"status": "waiting"})
	require.Equal(t, http.StatusOK, status)
	got := dataAs[*model.Task](t, env)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	app := setupApp(t, "")

	req, err := http.NewRequest(http.MethodGet, app.server.URL+"/api/events/stream?type=task.", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Produce an event after the stream is attached.
	go func() {
		time.Sleep(100 * time.Millisecond)
		payload := []byte(`{"title":"streamed","agentDefinitionId":"claude-code"}`)
		resp, perr := http.Post(app.server.URL+"/api/tasks", "application/json", bytes.NewReader(payload))
		if perr == nil {
			resp.Body.Close()
		}
	}()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(4 * time.Second)
	var collected string
	for time.Now().Before(deadline) {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			collected += string(buf[:n])
			if len(collected) > 0 && containsEvent(collected, model.EventTaskCreated) {
				break
			}
		}
		if rerr != nil {
			break
		}
	}
	assert.True(t, containsEvent(collected, model.EventTaskCreated), "stream output: %q", collected)
}

func containsEvent(stream, eventType string) bool {
	return bytes.Contains([]byte(stream), []byte(fmt.Sprintf("event: %s\n", eventType)))
}
