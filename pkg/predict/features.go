// Package predict scores nodes and task-node pairs for placement. Every
// model has a closed-form heuristic that is used until a trained model is
// available and whenever the trained model cannot produce a finite answer.
package predict

import (
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// NodeFeatures are the node gauges the models read.
type NodeFeatures struct {
	CPUUsage         float64 `json:"cpu_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	DiskIO           float64 `json:"disk_io"`
	NetworkIO        float64 `json:"network_io"`
	CompletionRate   float64 `json:"task_completion_rate"`
	AvgExecutionTime float64 `json:"average_execution_time"`
	ErrorRate        float64 `json:"error_rate"`
	ConcurrentTasks  float64 `json:"concurrent_tasks"`
}

// Vector returns the features in model order.
func (f NodeFeatures) Vector() []float64 {
	return []float64{
		f.CPUUsage, f.MemoryUsage, f.DiskIO, f.NetworkIO,
		f.CompletionRate, f.AvgExecutionTime, f.ErrorRate, f.ConcurrentTasks,
	}
}

// NodeFeaturesFrom reads a node's reported gauges. Unreported cpu and memory
// count as 50% and an unreported completion rate as 1.
func NodeFeaturesFrom(n fleet.Node) NodeFeatures {
	return NodeFeatures{
		CPUUsage:         n.Metric(fleet.MetricCPUUsage, 50),
		MemoryUsage:      n.Metric(fleet.MetricMemoryUsage, 50),
		DiskIO:           n.Metric(fleet.MetricDiskIO, 0),
		NetworkIO:        n.Metric(fleet.MetricNetworkIO, 0),
		CompletionRate:   n.Metric(fleet.MetricCompletionRate, 1),
		AvgExecutionTime: n.Metric(fleet.MetricAvgExecutionTime, 0),
		ErrorRate:        n.Metric(fleet.MetricErrorRate, 0),
		ConcurrentTasks:  float64(n.CurrentTasks),
	}
}

var typeCodes = map[string]float64{
	"unit_test":        1,
	"integration_test": 2,
	"ui_test":          3,
	"performance_test": 4,
	"security_test":    5,
	"api_test":         6,
	"load_test":        7,
	"stress_test":      8,
	"end_to_end_test":  9,
}

// TaskFeatures describe a task to the match model.
type TaskFeatures struct {
	Type              string  `json:"task_type"`
	Level             string  `json:"test_level"`
	EstimatedDuration float64 `json:"estimated_duration"`
	CPUCores          float64 `json:"cpu_cores"`
	MemoryGB          float64 `json:"memory_gb"`
	Priority          float64 `json:"priority"`
	Dependencies      float64 `json:"dependencies"`
}

// Vector returns the features in model order. Unknown types encode as 0 and
// levels are read from "levelN".
func (f TaskFeatures) Vector() []float64 {
	return []float64{
		typeCodes[f.Type],
		levelCode(f.Level),
		f.EstimatedDuration,
		f.CPUCores,
		f.MemoryGB,
		f.Priority,
		f.Dependencies,
	}
}

func levelCode(level string) float64 {
	n, err := strconv.Atoi(strings.TrimPrefix(level, "level"))
	if err != nil || !strings.HasPrefix(level, "level") || n < 1 || n > 10 {
		return 0
	}
	return float64(n)
}

// TaskFeaturesFrom describes t given its estimated duration. Sizing hints
// default to 1 core and 2 GB.
func TaskFeaturesFrom(t fleet.Task, estimate time.Duration) TaskFeatures {
	cores := t.Requirements.CPUCores
	if cores <= 0 {
		cores = 1
	}
	mem := t.Requirements.MemoryGB
	if mem <= 0 {
		mem = 2
	}
	return TaskFeatures{
		Type:              t.Type,
		Level:             t.TestLevel,
		EstimatedDuration: estimate.Seconds(),
		CPUCores:          cores,
		MemoryGB:          mem,
		Priority:          float64(t.Priority),
		Dependencies:      float64(len(t.SourceFiles)),
	}
}
