package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/pkg/coordinator"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/scheduler"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, fleet.Node, fleet.Task) error { return nil }

func newTestAPI(t *testing.T) (http.Handler, *coordinator.Coordinator) {
	t.Helper()
	cfg := coordinator.DefaultConfig()
	cfg.Dispatcher = nopDispatcher{}
	cfg.Registry.CheckInterval = time.Hour
	cfg.Scheduler.Interval = time.Hour
	cfg.MetricsInterval = time.Hour
	c, err := coordinator.New(cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/v1", NewAPI(c).Routes)
	return r, c
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
	return resp.Error.Code
}

func TestRegisterNodeAndHeartbeat(t *testing.T) {
	h, c := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/nodes",
		`{"node_id":"n1","host":"10.0.0.5","port":9100,"capabilities":["python"],"max_concurrent_tasks":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "n1", body["node_id"])

	rec = do(t, h, http.MethodPost, "/v1/nodes/n1/heartbeat", `{"metrics":{"cpu_usage":0.4}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["success"])

	n, err := c.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, n.PerformanceMetrics["cpu_usage"])

	rec = do(t, h, http.MethodGet, "/v1/nodes/n1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "n1", decodeMap(t, rec)["node_id"])

	rec = do(t, h, http.MethodGet, "/v1/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeMap(t, rec)["nodes"], 1)
}

func TestRegisterNodeValidation(t *testing.T) {
	h, c := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/nodes", `{"host":"10.0.0.5","port":9100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	assert.Empty(t, c.Nodes())

	rec = do(t, h, http.MethodPost, "/v1/nodes", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/nodes", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/nodes/ghost/heartbeat", `{"metrics":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeMap(t, rec)["success"])

	rec = do(t, h, http.MethodGet, "/v1/nodes/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestUnregisterNode(t *testing.T) {
	h, c := newTestAPI(t)
	_, err := c.RegisterNode(context.Background(), fleet.NodeSpec{ID: "n1", Host: "h", Port: 1})
	require.NoError(t, err)

	rec := do(t, h, http.MethodDelete, "/v1/nodes/n1", "")
	assert.Equal(t, true, decodeMap(t, rec)["success"])

	rec = do(t, h, http.MethodDelete, "/v1/nodes/n1", "")
	assert.Equal(t, false, decodeMap(t, rec)["success"])
}

func TestSubmitAndGetTask(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/tasks",
		`{"task_id":"t1","task_type":"unit_test","priority":4,"requirements":{"capabilities":["python"]},"payload":{"file":"a_test.py"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "t1", body["task_id"])

	rec = do(t, h, http.MethodGet, "/v1/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var task fleet.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	assert.Equal(t, fleet.TaskPending, task.Status)
	assert.Equal(t, 4, task.Priority)

	rec = do(t, h, http.MethodPost, "/v1/tasks", `{"task_id":"t1","task_type":"unit_test"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/v1/tasks?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeMap(t, rec)["tasks"], 1)
}

func TestSubmitTaskValidation(t *testing.T) {
	h, c := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/tasks", `{"task_type":"unit_test","priority":11}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	assert.Empty(t, c.Tasks(scheduler.Filter{}))

	rec = do(t, h, http.MethodGet, "/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitResult(t *testing.T) {
	h, c := newTestAPI(t)
	_, err := c.SubmitTask(context.Background(), fleet.TaskSpec{ID: "t1", Type: "unit_test"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"missing task id", `{"status":"success"}`, http.StatusBadRequest, apperrors.CodeValidation},
		{"bad status", `{"task_id":"t1","status":"done"}`, http.StatusBadRequest, apperrors.CodeValidation},
		{"unknown task", `{"task_id":"nope","status":"success"}`, http.StatusNotFound, apperrors.CodeNotFound},
		{"task not running", `{"task_id":"t1","status":"error","error":"boom"}`, http.StatusConflict, apperrors.CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/results", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, errorCode(t, rec))
		})
	}

	task, err := c.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskPending, task.Status)
}

func TestStatusAndReport(t *testing.T) {
	h, c := newTestAPI(t)
	_, err := c.RegisterNode(context.Background(), fleet.NodeSpec{ID: "n1", Host: "h", Port: 1})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "initializing", body["coordinator_status"])
	assert.Contains(t, body, "nodes")
	assert.Contains(t, body, "queue_length")

	rec = do(t, h, http.MethodGet, "/v1/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeMap(t, rec)
	assert.Contains(t, report, "node_details")
	assert.Contains(t, report, "scheduling_insights")
}

func TestOptimize(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := do(t, h, http.MethodPost, "/v1/optimize",
		`{"tasks":[{"task_id":"a","task_type":"unit_test"},{"task_id":"b","task_type":"e2e_test"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp OptimizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Report.TotalTasks)

	var ids []string
	for _, g := range resp.Groups {
		ids = append(ids, g...)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	rec = do(t, h, http.MethodPost, "/v1/optimize", `{"tasks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/optimize", `{"tasks":[{"task_id":"a"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "tasks[0].task_type", errResp.Error.Details["field"])
}
