package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gofleet/pkg/coordinator"
	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/optimize"
	"github.com/3leaps/gofleet/pkg/scheduler"
)

const maxBodyBytes = 4 << 20

// Coordinator is the surface the API needs from a running coordinator.
type Coordinator interface {
	RegisterNode(ctx context.Context, spec fleet.NodeSpec) (string, error)
	UnregisterNode(ctx context.Context, id string) bool
	Heartbeat(ctx context.Context, id string, metrics map[string]float64) bool
	Node(id string) (fleet.Node, error)
	Nodes() []fleet.Node

	SubmitTask(ctx context.Context, spec fleet.TaskSpec) (string, error)
	HandleResult(ctx context.Context, result fleet.ExecutionResult) error
	Task(id string) (fleet.Task, error)
	Tasks(f scheduler.Filter) []fleet.Task

	Status() coordinator.StatusReport
	DetailedReport() coordinator.DetailedReport
	OptimizeBatch(ctx context.Context, batch []fleet.Task, changedFiles []string) ([][]fleet.Task, optimize.Report, error)
}

var _ Coordinator = (*coordinator.Coordinator)(nil)

// API serves the /v1 routes.
type API struct {
	c   Coordinator
	now func() time.Time
}

// NewAPI creates the /v1 handlers for c.
func NewAPI(c Coordinator) *API {
	return &API{c: c, now: time.Now}
}

// Routes mounts the handlers on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", a.ListNodes)
		r.Post("/", a.RegisterNode)
		r.Get("/{id}", a.GetNode)
		r.Delete("/{id}", a.UnregisterNode)
		r.Post("/{id}/heartbeat", a.Heartbeat)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", a.ListTasks)
		r.Post("/", a.SubmitTask)
		r.Get("/{id}", a.GetTask)
	})
	r.Post("/results", a.SubmitResult)
	r.Get("/status", a.Status)
	r.Get("/report", a.Report)
	r.Post("/optimize", a.Optimize)
}

type successResponse struct {
	Success bool   `json:"success"`
	NodeID  string `json:"node_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &fleet.ValidationError{Field: "body", Message: "is required"}
		}
		return &fleet.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// RegisterNode handles POST /v1/nodes.
func (a *API) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var spec fleet.NodeSpec
	if err := decodeBody(w, r, &spec); err != nil {
		respondWithError(w, r, err)
		return
	}
	id, err := a.c.RegisterNode(r.Context(), spec)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, NodeID: id})
}

// UnregisterNode handles DELETE /v1/nodes/{id}. An unknown id reports
// success false.
func (a *API) UnregisterNode(w http.ResponseWriter, r *http.Request) {
	ok := a.c.UnregisterNode(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, successResponse{Success: ok})
}

type heartbeatRequest struct {
	Metrics map[string]float64 `json:"metrics"`
}

// Heartbeat handles POST /v1/nodes/{id}/heartbeat. An unknown node gets
// success false so it can re-register.
func (a *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	ok := a.c.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.Metrics)
	writeJSON(w, http.StatusOK, successResponse{Success: ok})
}

// GetNode handles GET /v1/nodes/{id}.
func (a *API) GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := a.c.Node(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// ListNodes handles GET /v1/nodes.
func (a *API) ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": a.c.Nodes()})
}

// SubmitTask handles POST /v1/tasks.
func (a *API) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var spec fleet.TaskSpec
	if err := decodeBody(w, r, &spec); err != nil {
		respondWithError(w, r, err)
		return
	}
	id, err := a.c.SubmitTask(r.Context(), spec)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, TaskID: id})
}

// GetTask handles GET /v1/tasks/{id}.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.c.Task(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks handles GET /v1/tasks?status=&node_id=.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := scheduler.Filter{
		Status: fleet.TaskStatus(q.Get("status")),
		NodeID: q.Get("node_id"),
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": a.c.Tasks(f)})
}

// SubmitResult handles POST /v1/results.
func (a *API) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var res fleet.ExecutionResult
	if err := decodeBody(w, r, &res); err != nil {
		respondWithError(w, r, err)
		return
	}
	if res.TaskID == "" {
		respondWithError(w, r, &fleet.ValidationError{Field: "task_id", Message: "is required"})
		return
	}
	switch res.Status {
	case fleet.ResultSuccess, fleet.ResultError:
	default:
		respondWithError(w, r, &fleet.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("must be %q or %q, got %q", fleet.ResultSuccess, fleet.ResultError, res.Status),
		})
		return
	}
	if err := a.c.HandleResult(r.Context(), res); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Status handles GET /v1/status.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.c.Status())
}

// Report handles GET /v1/report.
func (a *API) Report(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.c.DetailedReport())
}

// OptimizeRequest is the body of POST /v1/optimize.
type OptimizeRequest struct {
	Tasks        []fleet.TaskSpec `json:"tasks"`
	ChangedFiles []string         `json:"changed_files,omitempty"`
}

// OptimizeResponse lists task ids per wave plus the pass report.
type OptimizeResponse struct {
	Success bool            `json:"success"`
	Groups  [][]string      `json:"groups"`
	Report  optimize.Report `json:"report"`
}

// Optimize handles POST /v1/optimize. It plans the batch without
// submitting it.
func (a *API) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(req.Tasks) == 0 {
		respondWithError(w, r, &fleet.ValidationError{Field: "tasks", Message: "must not be empty"})
		return
	}

	now := a.now()
	batch := make([]fleet.Task, 0, len(req.Tasks))
	for i, spec := range req.Tasks {
		t, err := fleet.NewTask(spec, now, fleet.DefaultMaxRetries)
		if err != nil {
			var vErr *fleet.ValidationError
			if errors.As(err, &vErr) {
				err = &fleet.ValidationError{Field: fmt.Sprintf("tasks[%d].%s", i, vErr.Field), Message: vErr.Message}
			}
			respondWithError(w, r, err)
			return
		}
		batch = append(batch, *t)
	}

	groups, report, err := a.c.OptimizeBatch(r.Context(), batch, req.ChangedFiles)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	ids := make([][]string, len(groups))
	for i, g := range groups {
		ids[i] = make([]string, len(g))
		for j, t := range g {
			ids[i][j] = t.ID
		}
	}
	writeJSON(w, http.StatusOK, OptimizeResponse{Success: true, Groups: ids, Report: report})
}
