package fleet

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeSpec is a node registration request.
type NodeSpec struct {
	ID                 string             `json:"node_id"`
	Host               string             `json:"host"`
	Port               int                `json:"port"`
	Capabilities       []string           `json:"capabilities"`
	MaxConcurrentTasks int                `json:"max_concurrent_tasks,omitempty"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
}

// Validate checks required fields. A zero MaxConcurrentTasks is defaulted
// by the registry.
func (s NodeSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid("node_id", "is required")
	}
	if strings.TrimSpace(s.Host) == "" {
		return invalid("host", "is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return invalid("port", "must be between 0 and 65535, got %d", s.Port)
	}
	if s.MaxConcurrentTasks < 0 {
		return invalid("max_concurrent_tasks", "must be >= 1, got %d", s.MaxConcurrentTasks)
	}
	for _, c := range s.Capabilities {
		if strings.TrimSpace(c) == "" {
			return invalid("capabilities", "must not contain empty tags")
		}
	}
	return nil
}

// TaskSpec is a task submission request.
type TaskSpec struct {
	ID           string          `json:"task_id,omitempty"`
	Type         string          `json:"task_type"`
	TestLevel    string          `json:"test_level,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Requirements Requirements    `json:"requirements"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
	SourceFiles  []string        `json:"source_files,omitempty"`
}

// Validate checks the submission without applying defaults.
func (s TaskSpec) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return invalid("task_type", "is required")
	}
	if s.Priority != 0 && (s.Priority < MinPriority || s.Priority > MaxPriority) {
		return invalid("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, s.Priority)
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return invalid("max_retries", "must be >= 0, got %d", *s.MaxRetries)
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return invalid("payload", "must be valid JSON")
	}
	r := s.Requirements.Resources
	for name, v := range map[string]*float64{
		"max_cpu_usage":           r.MaxCPUUsage,
		"max_memory_usage":        r.MaxMemoryUsage,
		"min_available_memory_gb": r.MinAvailableMemoryGB,
	} {
		if v != nil && *v < 0 {
			return invalid("requirements.resources."+name, "must be >= 0")
		}
	}
	return nil
}

// NewTask validates spec and builds a PENDING task, generating an id when
// none was supplied.
func NewTask(spec TaskSpec, now time.Time, defaultMaxRetries int) (*Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	priority := spec.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	maxRetries := defaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	t := Task{
		ID:           id,
		Type:         strings.TrimSpace(spec.Type),
		TestLevel:    spec.TestLevel,
		Priority:     priority,
		Requirements: spec.Requirements,
		Payload:      spec.Payload,
		SourceFiles:  spec.SourceFiles,
		Status:       TaskPending,
		CreatedAt:    now.UTC(),
		MaxRetries:   maxRetries,
	}
	t = t.Clone()
	return &t, nil
}
