package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/fleet"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "info", false},
		{"INFO", "info", false},
		{"debug", "debug", false},
		{"warning", "warn", false},
		{"error", "error", false},
		{"loud", "info", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl.String())
		})
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zap.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zap.DebugLevel))
}

func TestMetricsExporterRecordSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	exp, err := NewMetricsExporter(reg)
	require.NoError(t, err)

	exp.RecordSnapshot(fleet.Metrics{
		TotalNodes:          3,
		ActiveNodes:         2,
		OfflineNodes:        1,
		PendingTasks:        4,
		CompletedTasks:      9,
		SuccessRate:         0.9,
		ThroughputPerMinute: 1.5,
		ResourceUtilization: 0.25,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(exp.nodes.WithLabelValues("total")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.nodes.WithLabelValues("offline")))
	assert.Equal(t, 4.0, testutil.ToFloat64(exp.tasks.WithLabelValues("pending")))
	assert.Equal(t, 9.0, testutil.ToFloat64(exp.tasks.WithLabelValues("completed")))
	assert.Equal(t, 0.9, testutil.ToFloat64(exp.successRate))
	assert.Equal(t, 0.25, testutil.ToFloat64(exp.utilization))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.snapshots))
}

func TestMetricsExporterReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetricsExporter(reg)
	require.NoError(t, err)
	second, err := NewMetricsExporter(reg)
	require.NoError(t, err)

	first.RecordSnapshot(fleet.Metrics{})
	second.RecordSnapshot(fleet.Metrics{})

	assert.Equal(t, 2.0, testutil.ToFloat64(first.snapshots))
}

func TestMetricsExporterHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	exp, err := NewMetricsExporter(reg)
	require.NoError(t, err)

	exp.ObserveRequest("/v1/tasks", http.MethodPost, http.StatusOK, 20*time.Millisecond)
	exp.ObserveRequest("", http.MethodGet, http.StatusNotFound, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.httpRequests.WithLabelValues("unmatched", "GET", "404")))

	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "gofleet_http_requests_total"))
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "gofleet", "test", TracingConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}
