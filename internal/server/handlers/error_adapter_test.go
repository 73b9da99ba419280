package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleet"
)

func restoreResponder(t *testing.T) {
	t.Helper()
	t.Cleanup(ResetHTTPErrorResponder)
}

func TestDefaultResponderWritesEnvelope(t *testing.T) {
	restoreResponder(t)
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/t-9", nil)
	respondWithError(rec, req, fmt.Errorf("lookup t-9: %w", fleet.ErrTaskNotFound))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.Contains(t, env.Error.Message, "task not found")
}

func TestCustomResponderReceivesError(t *testing.T) {
	restoreResponder(t)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", nil), fleet.ErrDuplicateTask)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, got, fleet.ErrDuplicateTask)
}

func TestSetNilResponderRestoresDefault(t *testing.T) {
	restoreResponder(t)

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", nil), fleet.ErrDuplicateTask)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
