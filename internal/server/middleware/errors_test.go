package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/internal/observability"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantMsg  string
	}{
		{
			name: "passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":true}`))
			},
			wantCode: http.StatusOK,
		},
		{
			name:     "string panic",
			handler:  func(w http.ResponseWriter, r *http.Request) { panic("scheduler table corrupted") },
			wantCode: http.StatusInternalServerError,
			wantMsg:  "panic: scheduler table corrupted",
		},
		{
			name:     "error panic",
			handler:  func(w http.ResponseWriter, r *http.Request) { panic(assert.AnError) },
			wantCode: http.StatusInternalServerError,
			wantMsg:  assert.AnError.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/results", nil)
			require.NotPanics(t, func() { Recovery(tt.handler).ServeHTTP(rec, req) })

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantMsg == "" {
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, apperrors.CodeInternal, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.wantMsg)
		})
	}
}

func TestRecoveryCarriesRequestID(t *testing.T) {
	h := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/report", nil)
	req.Header.Set(RequestIDHeader, "req-7f3a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-7f3a", resp.Error.RequestID)
	assert.Equal(t, "req-7f3a", rec.Header().Get(RequestIDHeader))
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = chimw.GetReqID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestErrorHandlerAliasesRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("x") })

	a, b := httptest.NewRecorder(), httptest.NewRecorder()
	Recovery(panicky).ServeHTTP(a, httptest.NewRequest(http.MethodGet, "/", nil))
	ErrorHandler(panicky).ServeHTTP(b, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, a.Header().Get("Content-Type"), b.Header().Get("Content-Type"))
}

func TestWriteErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorResponse(rec, ErrorResponse{Error: apperrors.HTTPError{
		Code:    apperrors.CodeValidation,
		Message: "priority must be between 1 and 5",
		Details: map[string]any{"field": "priority"},
	}}, http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.CodeValidation, resp.Error.Code)
	assert.Equal(t, "priority", resp.Error.Details["field"])
}

func TestLoggingWarnsOnServerErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/status", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Request failed", entry.Message)
	assert.Equal(t, int64(http.StatusBadGateway), entry.ContextMap()["status"])
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	exp, err := observability.NewMetricsExporter(prometheus.NewRegistry())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(Metrics(exp))
	r.Get("/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/tasks/t-1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/tasks/t-2", nil))

	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `gofleet_http_requests_total{code="200",method="GET",route="/v1/tasks/{id}"} 2`)
}
