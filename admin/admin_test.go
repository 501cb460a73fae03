package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dazzle.dev/core/config"
	"dazzle.dev/core/process"
	"dazzle.dev/core/tier"
)

type fixture struct {
	core *tier.Core
	e    *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = 8095

	core, err := tier.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	e := echo.New()
	NewHandlers(core, nil, nil).RegisterRoutes(e)
	return &fixture{core: core, e: e}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func approvalSpec() *process.Spec {
	return &process.Spec{
		Name:    "approve_order",
		Trigger: process.Trigger{Kind: process.TriggerManual},
		Steps: []process.Step{
			{Name: "approve", Kind: process.StepHuman, Surface: "orders", Outcomes: []string{"approved", "rejected"}, AssigneeRole: "manager"},
		},
	}
}

func TestStartListAndCancelRuns(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.core.Orchestrator.RegisterSpec(context.Background(), approvalSpec()))

	rec := f.do(t, http.MethodPost, "/admin/processes/approve_order/runs", `{"inputs":{"order_id":"O-1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[*process.Run](t, rec)
	assert.Equal(t, process.RunWaiting, run.Status)

	rec = f.do(t, http.MethodGet, "/admin/runs?process=approve_order", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]*process.Run](t, rec)
	require.Len(t, runs, 1)

	rec = f.do(t, http.MethodGet, "/admin/runs/"+run.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/runs/"+run.RunID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[*process.Run](t, rec)
	assert.Equal(t, process.RunCancelled, cancelled.Status)

	// Terminal runs refuse a second cancel.
	rec = f.do(t, http.MethodPost, "/admin/runs/"+run.RunID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartRunUnknownProcess(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/admin/processes/nope/runs", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskCompleteAndReassign(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.core.Orchestrator.RegisterSpec(context.Background(), approvalSpec()))

	rec := f.do(t, http.MethodPost, "/admin/processes/approve_order/runs", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decode[*process.Run](t, rec)

	rec = f.do(t, http.MethodGet, "/admin/tasks?run_id="+run.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]*process.Task](t, rec)
	require.Len(t, tasks, 1)
	taskID := tasks[0].TaskID

	rec = f.do(t, http.MethodPost, "/admin/tasks/"+taskID+"/reassign", `{"assignee_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/admin/tasks/"+taskID+"/complete", `{"outcome":"maybe"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/tasks/"+taskID+"/complete", `{"outcome":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[*process.Run](t, rec)
	assert.Equal(t, process.RunCompleted, done.Status)

	// The task is settled now.
	rec = f.do(t, http.MethodPost, "/admin/tasks/"+taskID+"/complete", `{"outcome":"approved"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVersionLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/versions", `{"version_id":"v1","files":{"order.yaml":"steps: [a]"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/admin/versions", `{"version_id":"v1","dsl_hash":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/versions", `{"version_id":"v2","dsl_hash":"hash2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/versions/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"v2"`)

	rec = f.do(t, http.MethodPost, "/admin/migrations", `{"from_version":"v1","to_version":"v2"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var status struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	rec = f.do(t, http.MethodPost, "/admin/migrations/"+status.ID+"/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Every admin mutation leaves an operation record.
	rec = f.do(t, http.MethodGet, "/admin/operations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ops := decode[[]*Operation](t, rec)
	assert.GreaterOrEqual(t, len(ops), 4)
}

func TestMigrationBlockedWhileRunsRemain(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.core.Orchestrator.RegisterSpec(context.Background(), approvalSpec()))

	rec := f.do(t, http.MethodPost, "/admin/versions", `{"version_id":"v1","dsl_hash":"h1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// This run is tagged v1 and waits on its human task.
	rec = f.do(t, http.MethodPost, "/admin/processes/approve_order/runs", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/versions", `{"version_id":"v2","dsl_hash":"h2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/migrations", `{"from_version":"v1","to_version":"v2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var status struct {
		ID            string `json:"id"`
		RunsRemaining int64  `json:"runs_remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(1), status.RunsRemaining)

	rec = f.do(t, http.MethodPost, "/admin/migrations/"+status.ID+"/complete", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOutboxEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/outbox/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/outbox/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/outbox/failed/nope/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBusIntrospection(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/topics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/topics/orders/groups/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/topics/orders/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestOperationTracker(t *testing.T) {
	tr := NewTracker(2)
	op1 := tr.Start("1", "outbox_retry", nil)
	tr.Complete(op1.ID, nil)
	tr.Start("2", "version_deploy", nil)
	tr.Start("3", "version_deploy", nil)

	// Capacity 2 evicted the oldest entry.
	assert.Nil(t, tr.Get("1"))
	assert.NotNil(t, tr.Get("2"))
	assert.NotNil(t, tr.Get("3"))

	stats := tr.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByKind["version_deploy"])
	assert.Equal(t, 2, stats.ByStatus[OpRunning])
}
