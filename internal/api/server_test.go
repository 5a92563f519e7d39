package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/internal/trigger"
	"github.com/rendis/toolflow/internal/validation"
	"github.com/rendis/toolflow/pkg/schema"
)

const cronSecret = "tick-tock"

type testEnv struct {
	srv   *Server
	store store.Store
}

func petTools() tools.Executor {
	return tools.ExecutorFunc(func(_ context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
		switch toolID {
		case "pets.get":
			return schema.Object(map[string]schema.Value{
				"id":   params["id"],
				"name": schema.String("Rex"),
			}), nil
		case "cards.format":
			pet := params["pet"]
			name, _ := pet.Get("name")
			return schema.String("Card for " + name.AsString()), nil
		case "broken":
			return schema.Value{}, schema.NewError(schema.ErrCodeToolFailed, "upstream down")
		}
		return schema.Value{}, schema.NewErrorf(schema.ErrCodeToolNotFound, "unknown tool %s", toolID)
	})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewMemStore()
	require.NoError(t, err)
	validator, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	hub := streaming.NewMemoryHub()

	eng := engine.New(petTools(), validator, engine.Config{NodeTimeout: time.Second}, logger)
	t.Cleanup(eng.Close)
	runner := engine.NewRunner(eng, st, hub, logger)

	srv := NewServer(Deps{
		Store:      st,
		Validator:  validator,
		Dispatcher: trigger.NewDispatcher(st, runner),
		Scanner:    trigger.NewScanner(st, runner, hub, trigger.ScannerConfig{}, logger),
		Webhooks:   trigger.NewWebhookReceiver(st, runner, hub, trigger.WebhookConfig{}, logger),
		Schedules:  trigger.NewSchedules(st),
		Hub:        hub,
		CronSecret: cronSecret,
		Logger:     logger,
	})
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func petWorkflow() map[string]any {
	return map[string]any{
		"id":   "wf-pets",
		"name": "pet cards",
		"nodes": []map[string]any{
			{"id": "fetchPet", "toolId": "pets.get", "params": map[string]any{"id": "/id"}},
			{"id": "formatCard", "toolId": "cards.format", "params": map[string]any{"pet": "fetchPet.output"}},
		},
		"edges": []map[string]any{{"from": "fetchPet", "to": "formatCard"}},
	}
}

func (e *testEnv) createPets(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/workflows", petWorkflow())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)

	rec := env.do(t, http.MethodGet, "/api/workflows/wf-pets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decode[store.Workflow](t, rec)
	assert.Equal(t, "pet cards", wf.Name)
	assert.True(t, wf.Enabled)

	rec = env.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Workflow](t, rec), 1)

	rec = env.do(t, http.MethodPut, "/api/workflows/wf-pets", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[store.Workflow](t, rec).Enabled)

	rec = env.do(t, http.MethodPost, "/api/workflows", petWorkflow())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/workflows/wf-pets", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/workflows/wf-pets", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decode[errorBody](t, rec).Code)
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	wf := petWorkflow()
	wf["edges"] = []map[string]any{
		{"from": "fetchPet", "to": "formatCard"},
		{"from": "formatCard", "to": "fetchPet"},
	}

	rec := env.do(t, http.MethodPost, "/api/workflows", wf)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeCycleDetected, decode[errorBody](t, rec).Code)
}

func TestExecuteWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)

	rec := env.do(t, http.MethodPost, "/api/workflows/wf-pets/execute", map[string]any{
		"variables": map[string]any{"id": "pet-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	exec := decode[store.ExecutionRecord](t, rec)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, schema.TriggerManual, exec.TriggeredBy)
	require.NotNil(t, exec.NodeResults["formatCard"].Output)
	assert.Equal(t, "Card for Rex", exec.NodeResults["formatCard"].Output.AsString())

	rec = env.do(t, http.MethodGet, "/api/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/executions?workflowId=wf-pets&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.ExecutionRecord](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/executions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteDisabledWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)
	env.do(t, http.MethodPut, "/api/workflows/wf-pets", map[string]any{"enabled": false})

	rec := env.do(t, http.MethodPost, "/api/workflows/wf-pets/execute", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeDisabled, decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/workflows/nope/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)

	rec := env.do(t, http.MethodPost, "/api/workflows/wf-pets/schedule", map[string]any{
		"type": "cron", "cronExpression": "*/5 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[store.ScheduledJob](t, rec)
	assert.True(t, job.Enabled)
	assert.True(t, job.NextRun.After(time.Now().Add(-time.Second)))

	rec = env.do(t, http.MethodPost, "/api/workflows/wf-pets/schedule", map[string]any{
		"type": "cron", "cronExpression": "every day",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/workflows/wf-pets/schedule", map[string]any{"type": "email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/workflows/wf-pets/schedule", map[string]any{"type": "webhook", "secret": "shh"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/workflows/wf-pets/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sched := decode[trigger.Schedule](t, rec)
	require.NotNil(t, sched.Cron)
	require.NotNil(t, sched.Webhook)

	rec = env.do(t, http.MethodDelete, "/api/workflows/wf-pets/schedule?type=cron", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/workflows/wf-pets/schedule?type=cron", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)
	rec := env.do(t, http.MethodPost, "/api/workflows/wf-pets/schedule", map[string]any{"type": "webhook", "secret": "shh"})
	require.Equal(t, http.StatusCreated, rec.Code)
	wh := decode[store.Webhook](t, rec)
	path := "/api/webhooks/" + wh.Token

	body := []byte(`{"id":"pet-9"}`)
	rec = env.do(t, http.MethodPost, path, body, trigger.SignatureHeader, trigger.SignPayload("shh", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[trigger.WebhookResponse](t, rec)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.ExecutionID)

	rec = env.do(t, http.MethodPost, path, []byte(`{"id":"pet-0"}`), trigger.SignatureHeader, trigger.SignPayload("shh", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/webhooks/unknown", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An accepted webhook answers 200 even when the run fails.
	broken := petWorkflow()
	broken["nodes"] = []map[string]any{{"id": "fetchPet", "toolId": "broken"}}
	broken["edges"] = []map[string]any{}
	rec = env.do(t, http.MethodPut, "/api/workflows/wf-pets", broken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, path, "not json")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[trigger.WebhookResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, schema.ExecutionStatusFailed, resp.Status)
}

func TestCronEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)
	require.NoError(t, env.store.UpsertScheduledJob(context.Background(), &store.ScheduledJob{
		ID: "job-1", WorkflowID: "wf-pets", CronExpression: "* * * * *", Timezone: "UTC",
		Enabled: true, NextRun: time.Now().UTC().Add(-time.Minute),
	}))

	for _, header := range []string{"", "Bearer wrong", "bearer " + cronSecret, "Bearer " + cronSecret + " "} {
		rec := env.do(t, http.MethodGet, "/api/cron", nil, "Authorization", header)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}

	rec := env.do(t, http.MethodGet, "/api/cron", nil, "Authorization", "Bearer "+cronSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[trigger.ScanResult](t, rec)
	require.Equal(t, 1, res.Processed)
	assert.Equal(t, schema.JobRunCompleted, res.Jobs[0].Status)

	rec = env.do(t, http.MethodGet, "/api/cron", nil, "Authorization", "Bearer "+cronSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[trigger.ScanResult](t, rec).Processed)
}

func TestExecutionEventStream(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)
	rec := env.do(t, http.MethodPost, "/api/workflows/wf-pets/execute", map[string]any{
		"variables": map[string]any{"id": "pet-1"},
	})
	exec := decode[store.ExecutionRecord](t, rec)

	rec = env.do(t, http.MethodGet, "/api/executions/"+exec.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: execution_started\n")
	assert.Contains(t, body, "event: node_completed\n")
	assert.Contains(t, body, "event: execution_completed\n")

	rec = env.do(t, http.MethodGet, "/api/executions/"+exec.ID+"/events", nil, "Last-Event-ID", "5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "execution_started")
	assert.Contains(t, rec.Body.String(), "execution_completed")

	rec = env.do(t, http.MethodGet, "/api/executions/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowDiagram(t *testing.T) {
	env := newTestEnv(t)
	env.createPets(t)
	exec := decode[store.ExecutionRecord](t, env.do(t, http.MethodPost, "/api/workflows/wf-pets/execute", nil))

	rec := env.do(t, http.MethodGet, "/api/workflows/wf-pets/diagram?execution="+exec.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graph TD")
	assert.Contains(t, rec.Body.String(), "class fetchPet completed")

	rec = env.do(t, http.MethodGet, "/api/workflows/wf-pets/diagram?format=gif", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		schema.ErrCodeNotFound:     http.StatusNotFound,
		schema.ErrCodeValidation:   http.StatusBadRequest,
		schema.ErrCodeDisabled:     http.StatusBadRequest,
		schema.ErrCodeUnauthorized: http.StatusUnauthorized,
		schema.ErrCodeConflict:     http.StatusConflict,
		schema.ErrCodeStore:        http.StatusInternalServerError,
		"":                         http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusFor(code), code)
	}
}

func TestHealthz(t *testing.T) {
	rec := newTestEnv(t).do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
