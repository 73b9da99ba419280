package observability

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/gofleet/pkg/fleet"
)

const namespace = "gofleet"

// PrometheusExporter is the process exporter, set by InitMetrics.
var PrometheusExporter *MetricsExporter

// MetricsExporter publishes coordinator snapshots and HTTP request
// counters as Prometheus collectors. It implements fleet.MetricsSink.
type MetricsExporter struct {
	gatherer prometheus.Gatherer

	nodes               *prometheus.GaugeVec
	tasks               *prometheus.GaugeVec
	avgExecution        prometheus.Gauge
	successRate         prometheus.Gauge
	throughput          prometheus.Gauge
	utilization         prometheus.Gauge
	snapshots           prometheus.Counter
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ fleet.MetricsSink = (*MetricsExporter)(nil)

// NewMetricsExporter registers the collectors with reg. Registering twice
// on the same registry reuses the existing collectors.
func NewMetricsExporter(reg *prometheus.Registry) (*MetricsExporter, error) {
	m := &MetricsExporter{gatherer: reg}

	nodes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "nodes",
		Help: "Registered nodes by status.",
	}, []string{"status"})
	tasks := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "tasks",
		Help: "Tracked tasks by status.",
	}, []string{"status"})
	avg := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "average_execution_seconds",
		Help: "Mean execution time of finished tasks.",
	})
	success := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "success_rate",
		Help: "Completed tasks over finished tasks.",
	})
	throughput := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "throughput_per_minute",
		Help: "Tasks completed per minute over the throughput window.",
	})
	util := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "resource_utilization",
		Help: "Busy slots over total slots on reachable nodes.",
	})
	snapshots := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "coordinator", Name: "metrics_snapshots_total",
		Help: "Metrics snapshots recorded.",
	})
	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})
	dur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"route", "method"})

	var err error
	if m.nodes, err = registerCollector(reg, nodes); err != nil {
		return nil, err
	}
	if m.tasks, err = registerCollector(reg, tasks); err != nil {
		return nil, err
	}
	if m.avgExecution, err = registerCollector(reg, avg); err != nil {
		return nil, err
	}
	if m.successRate, err = registerCollector(reg, success); err != nil {
		return nil, err
	}
	if m.throughput, err = registerCollector(reg, throughput); err != nil {
		return nil, err
	}
	if m.utilization, err = registerCollector(reg, util); err != nil {
		return nil, err
	}
	if m.snapshots, err = registerCollector(reg, snapshots); err != nil {
		return nil, err
	}
	if m.httpRequests, err = registerCollector(reg, reqs); err != nil {
		return nil, err
	}
	if m.httpRequestDuration, err = registerCollector(reg, dur); err != nil {
		return nil, err
	}
	return m, nil
}

// InitMetrics creates the process exporter on a fresh registry that also
// carries the Go and process collectors.
func InitMetrics() (*MetricsExporter, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := NewMetricsExporter(reg)
	if err != nil {
		return nil, err
	}
	PrometheusExporter = m
	return m, nil
}

// RecordSnapshot sets every coordinator gauge from m.
func (e *MetricsExporter) RecordSnapshot(m fleet.Metrics) {
	e.nodes.WithLabelValues("total").Set(float64(m.TotalNodes))
	e.nodes.WithLabelValues("active").Set(float64(m.ActiveNodes))
	e.nodes.WithLabelValues("busy").Set(float64(m.BusyNodes))
	e.nodes.WithLabelValues("idle").Set(float64(m.IdleNodes))
	e.nodes.WithLabelValues("offline").Set(float64(m.OfflineNodes))

	e.tasks.WithLabelValues("total").Set(float64(m.TotalTasks))
	e.tasks.WithLabelValues("pending").Set(float64(m.PendingTasks))
	e.tasks.WithLabelValues("running").Set(float64(m.RunningTasks))
	e.tasks.WithLabelValues("completed").Set(float64(m.CompletedTasks))
	e.tasks.WithLabelValues("failed").Set(float64(m.FailedTasks))

	e.avgExecution.Set(m.AverageExecutionTime)
	e.successRate.Set(m.SuccessRate)
	e.throughput.Set(m.ThroughputPerMinute)
	e.utilization.Set(m.ResourceUtilization)
	e.snapshots.Inc()
}

// ObserveRequest records one served HTTP request.
func (e *MetricsExporter) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	e.httpRequests.WithLabelValues(route, method, fmt.Sprintf("%d", code)).Inc()
	e.httpRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (e *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
