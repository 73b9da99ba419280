// Package fleet defines the shared data model of the coordinator: worker
// nodes, tasks, execution results, and the collaborator interfaces the core
// depends on (durable store, event publisher, metrics sink, dispatcher).
package fleet

import (
	"encoding/json"
	"slices"
	"time"
)

// NodeStatus is the scheduling state of a worker node.
//
// NOTE: These values are persisted by fleetstore and returned over the API.
type NodeStatus string

const (
	NodeActive  NodeStatus = "active"
	NodeBusy    NodeStatus = "busy"
	NodeIdle    NodeStatus = "idle"
	NodeOffline NodeStatus = "offline"
)

// Schedulable reports whether a node in this status may receive new work.
func (s NodeStatus) Schedulable() bool {
	return s == NodeActive || s == NodeIdle
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 2

	DefaultMaxRetries         = 3
	DefaultMaxConcurrentTasks = 5
)

// Well-known keys in Node.PerformanceMetrics.
const (
	MetricCPUUsage          = "cpu_usage"
	MetricMemoryUsage       = "memory_usage"
	MetricAvailableMemoryGB = "available_memory_gb"
	MetricAvgResponseTime   = "avg_response_time"
	MetricDiskIO            = "disk_io"
	MetricNetworkIO         = "network_io"
	MetricCompletionRate    = "task_completion_rate"
	MetricAvgExecutionTime  = "average_execution_time"
	MetricErrorRate         = "error_rate"
)

// Node is a registered worker the coordinator can assign work to.
type Node struct {
	ID                 string             `json:"node_id"`
	Host               string             `json:"host"`
	Port               int                `json:"port"`
	Capabilities       []string           `json:"capabilities"`
	MaxConcurrentTasks int                `json:"max_concurrent_tasks"`
	CurrentTasks       int                `json:"current_tasks"`
	Status             NodeStatus         `json:"status"`
	LastHeartbeat      time.Time          `json:"last_heartbeat"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	RegisteredAt       time.Time          `json:"registered_at"`
}

// HasCapabilities reports whether every required tag is advertised by the node.
func (n *Node) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(n.Capabilities, c) {
			return false
		}
	}
	return true
}

// Metric returns a performance gauge, or fallback when the node has not reported it.
func (n *Node) Metric(key string, fallback float64) float64 {
	if v, ok := n.PerformanceMetrics[key]; ok {
		return v
	}
	return fallback
}

// Clone returns a deep copy safe to hand out of a locked table.
func (n Node) Clone() Node {
	n.Capabilities = slices.Clone(n.Capabilities)
	if n.PerformanceMetrics != nil {
		m := make(map[string]float64, len(n.PerformanceMetrics))
		for k, v := range n.PerformanceMetrics {
			m[k] = v
		}
		n.PerformanceMetrics = m
	}
	if n.Metadata != nil {
		m := make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			m[k] = v
		}
		n.Metadata = m
	}
	return n
}

// Resources holds optional resource thresholds a node must satisfy.
// A nil field is not checked.
type Resources struct {
	MaxCPUUsage          *float64 `json:"max_cpu_usage,omitempty"`
	MaxMemoryUsage       *float64 `json:"max_memory_usage,omitempty"`
	MinAvailableMemoryGB *float64 `json:"min_available_memory_gb,omitempty"`
}

// Requirements constrains which nodes may run a task.
//
// CPUCores and MemoryGB are sizing hints used by placement; they are not
// checked against node metrics.
type Requirements struct {
	Capabilities []string  `json:"capabilities,omitempty"`
	Resources    Resources `json:"resources,omitzero"`
	CPUCores     float64   `json:"cpu_cores,omitempty"`
	MemoryGB     float64   `json:"memory_gb,omitempty"`
}

// Attempt records one binding of a task to a node.
type Attempt struct {
	NodeID    string     `json:"node_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Task is one schedulable unit of work.
type Task struct {
	ID            string          `json:"task_id"`
	Type          string          `json:"task_type"`
	TestLevel     string          `json:"test_level,omitempty"`
	Priority      int             `json:"priority"`
	Requirements  Requirements    `json:"requirements"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SourceFiles   []string        `json:"source_files,omitempty"`
	Status        TaskStatus      `json:"status"`
	AssignedNode  string          `json:"assigned_node,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	Attempts      []Attempt       `json:"attempts,omitempty"`
}

// Clone returns a deep copy safe to hand out of a locked table.
func (t Task) Clone() Task {
	t.Requirements.Capabilities = slices.Clone(t.Requirements.Capabilities)
	t.Payload = slices.Clone(t.Payload)
	t.SourceFiles = slices.Clone(t.SourceFiles)
	t.Result = slices.Clone(t.Result)
	t.Attempts = slices.Clone(t.Attempts)
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	return t
}

// Duration returns the wall time between start and completion, if both are known.
func (t *Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// ResultStatus is the outcome reported by a node for one execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// ExecutionResult is the callback a node runtime sends when an execution ends.
type ExecutionResult struct {
	TaskID        string             `json:"task_id"`
	NodeID        string             `json:"node_id,omitempty"`
	Status        ResultStatus       `json:"status"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
	ExecutionTime float64            `json:"execution_time"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
}

// Succeeded reports whether the execution succeeded.
func (r ExecutionResult) Succeeded() bool {
	return r.Status == ResultSuccess
}
