package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/manifest"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &fleet.ValidationError{Field: "task_type", Message: "is required"}, http.StatusBadRequest, CodeValidation},
		{"manifest validation", manifest.ValidationErrors{{Path: "/tasks/0/task_type", Message: "is required"}}, http.StatusBadRequest, CodeValidation},
		{"task not found", fmt.Errorf("get: %w", fleet.ErrTaskNotFound), http.StatusNotFound, CodeNotFound},
		{"node not found", fleet.ErrNodeNotFound, http.StatusNotFound, CodeNotFound},
		{"duplicate", fleet.ErrDuplicateTask, http.StatusConflict, CodeConflict},
		{"not running", fleet.ErrTaskNotRunning, http.StatusConflict, CodeConflict},
		{"external", NewExternalServiceError("store", errors.New("dial tcp")), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var resp HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestRespondWithErrorValidation(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	ctx := req.Context()
	req = req.WithContext(contextWithRequestID(ctx, "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, &fleet.ValidationError{Field: "priority", Message: "must be between 1 and 10, got 11"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decode(t, rec)
	assert.Equal(t, CodeValidation, resp.Error.Code)
	assert.Equal(t, "priority", resp.Error.Details["field"])
	assert.Equal(t, "req-1", resp.Error.RequestID)
}

func TestRespondWithErrorHidesInternalMessage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, CodeInternal, resp.Error.Code)
	assert.Equal(t, "internal server error", resp.Error.Message)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/nope", nil)

	rec := httptest.NewRecorder()
	NotFound(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode(t, rec).Error.Code)

	rec = httptest.NewRecorder()
	MethodNotAllowed(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, CodeMethodNotAllowed, resp.Error.Code)
	assert.Equal(t, http.MethodDelete, resp.Error.Details["method"])
}

func TestExternalServiceErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewExternalServiceError("redis", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "redis unavailable: connection refused", err.Error())
}

// contextWithRequestID mimics chi's RequestID middleware.
func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}
