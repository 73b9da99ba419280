// Package manifest loads task-batch manifests used by the CLI.
//
// A batch manifest is a YAML or JSON file listing tasks to optimize or
// submit, with optional batch-wide defaults and the set of files changed
// since the last run.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  priority: 3
//	  requirements:
//	    capabilities: [python]
//	changed_files:
//	  - src/api.py
//	tasks:
//	  - task_id: api-unit
//	    task_type: unit_test
//	    source_files: ["src/api*.py"]
//	    payload:
//	      target: tests/test_api.py
//	  - task_type: e2e_test
//	    priority: 5
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// SupportedVersion is the only accepted manifest version.
const SupportedVersion = "1.0"

// Manifest is a validated task batch.
type Manifest struct {
	Version string `json:"version" yaml:"version"`

	// Defaults apply to every task that leaves the field unset.
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// ChangedFiles feeds incremental selection. Optional.
	ChangedFiles []string `json:"changed_files,omitempty" yaml:"changed_files,omitempty"`

	Tasks []TaskEntry `json:"tasks" yaml:"tasks"`
}

// Defaults holds batch-wide task settings.
type Defaults struct {
	Priority     int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TestLevel    string            `json:"test_level,omitempty" yaml:"test_level,omitempty"`
	Requirements *RequirementsSpec `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// RequirementsSpec mirrors fleet.Requirements with YAML tags.
type RequirementsSpec struct {
	Capabilities []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Resources    ResourcesSpec `json:"resources,omitempty" yaml:"resources,omitempty"`
	CPUCores     float64       `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryGB     float64       `json:"memory_gb,omitempty" yaml:"memory_gb,omitempty"`
}

// ResourcesSpec mirrors fleet.Resources with YAML tags.
type ResourcesSpec struct {
	MaxCPUUsage          *float64 `json:"max_cpu_usage,omitempty" yaml:"max_cpu_usage,omitempty"`
	MaxMemoryUsage       *float64 `json:"max_memory_usage,omitempty" yaml:"max_memory_usage,omitempty"`
	MinAvailableMemoryGB *float64 `json:"min_available_memory_gb,omitempty" yaml:"min_available_memory_gb,omitempty"`
}

func (r *RequirementsSpec) toFleet() fleet.Requirements {
	if r == nil {
		return fleet.Requirements{}
	}
	return fleet.Requirements{
		Capabilities: r.Capabilities,
		Resources: fleet.Resources{
			MaxCPUUsage:          r.Resources.MaxCPUUsage,
			MaxMemoryUsage:       r.Resources.MaxMemoryUsage,
			MinAvailableMemoryGB: r.Resources.MinAvailableMemoryGB,
		},
		CPUCores: r.CPUCores,
		MemoryGB: r.MemoryGB,
	}
}

// TaskEntry is one task in the batch.
type TaskEntry struct {
	ID           string            `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Type         string            `json:"task_type" yaml:"task_type"`
	TestLevel    string            `json:"test_level,omitempty" yaml:"test_level,omitempty"`
	Priority     int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Requirements *RequirementsSpec `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	SourceFiles  []string          `json:"source_files,omitempty" yaml:"source_files,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// ApplyDefaults fills unset task fields from Defaults.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if t.Priority == 0 {
			t.Priority = m.Defaults.Priority
		}
		if t.MaxRetries == nil && m.Defaults.MaxRetries != nil {
			v := *m.Defaults.MaxRetries
			t.MaxRetries = &v
		}
		if t.TestLevel == "" {
			t.TestLevel = m.Defaults.TestLevel
		}
		if t.Requirements == nil && m.Defaults.Requirements != nil {
			r := *m.Defaults.Requirements
			t.Requirements = &r
		}
	}
}

// Specs converts the entries into task submissions.
func (m *Manifest) Specs() ([]fleet.TaskSpec, error) {
	out := make([]fleet.TaskSpec, 0, len(m.Tasks))
	for i, t := range m.Tasks {
		var payload json.RawMessage
		if t.Payload != nil {
			b, err := json.Marshal(t.Payload)
			if err != nil {
				return nil, fmt.Errorf("task %d payload: %w", i, err)
			}
			payload = b
		}
		out = append(out, fleet.TaskSpec{
			ID:           t.ID,
			Type:         t.Type,
			TestLevel:    t.TestLevel,
			Priority:     t.Priority,
			Requirements: t.Requirements.toFleet(),
			Payload:      payload,
			MaxRetries:   t.MaxRetries,
			SourceFiles:  t.SourceFiles,
		})
	}
	return out, nil
}

// Build materializes pending tasks, generating ids where absent. It is used
// for offline planning where no scheduler assigns ids.
func (m *Manifest) Build(now time.Time) ([]fleet.Task, error) {
	specs, err := m.Specs()
	if err != nil {
		return nil, err
	}
	out := make([]fleet.Task, 0, len(specs))
	for i, spec := range specs {
		t, err := fleet.NewTask(spec, now, fleet.DefaultMaxRetries)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		out = append(out, *t)
	}
	return out, nil
}
