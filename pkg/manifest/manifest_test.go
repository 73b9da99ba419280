package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleet"
)

func validManifestYAML() string {
	return `version: "1.0"
defaults:
  priority: 3
  max_retries: 1
  requirements:
    capabilities: [python]
changed_files:
  - src/api.py
tasks:
  - task_id: api-unit
    task_type: unit_test
    test_level: level2
    source_files: ["src/api*.py"]
    payload:
      target: tests/test_api.py
      verbose: true
  - task_type: e2e_test
    priority: 5
    requirements:
      capabilities: [browser]
      resources:
        max_cpu_usage: 80
`
}

func validManifestJSON() string {
	return `{
  "version": "1.0",
  "tasks": [
    {"task_id": "a", "task_type": "unit_test", "payload": {"n": 1}},
    {"task_id": "b", "task_type": "integration_test", "priority": 4}
  ]
}`
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifestYAML()), 0644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Tasks, 2)
	assert.Equal(t, []string{"src/api.py"}, m.ChangedFiles)

	api := m.Tasks[0]
	assert.Equal(t, 3, api.Priority, "defaulted")
	require.NotNil(t, api.MaxRetries)
	assert.Equal(t, 1, *api.MaxRetries)
	assert.Equal(t, []string{"python"}, api.Requirements.Capabilities)

	e2e := m.Tasks[1]
	assert.Equal(t, 5, e2e.Priority, "explicit value kept")
	assert.Equal(t, []string{"browser"}, e2e.Requirements.Capabilities)
	require.NotNil(t, e2e.Requirements.Resources.MaxCPUUsage)
	assert.Equal(t, 80.0, *e2e.Requirements.Resources.MaxCPUUsage)

	specs, err := m.Specs()
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"tests/test_api.py","verbose":true}`, string(specs[0].Payload))
	assert.Nil(t, specs[1].Payload)
}

func TestLoadJSON(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestJSON()), "batch.json")
	require.NoError(t, err)
	require.Len(t, m.Tasks, 2)
	assert.Equal(t, "integration_test", m.Tasks[1].Type)
}

func TestLoadUnknownExtensionFallsBack(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestJSON()), "")
	require.NoError(t, err)
	assert.Len(t, m.Tasks, 2)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = LoadFromBytes([]byte("  \n"), "batch.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromBytes([]byte("version: \"1.0\"\ntasks:\n  - task_type: unit_test\n    colour: red\n"), "batch.yaml")
	assert.Error(t, err)

	_, err = LoadFromBytes([]byte(`{"version":"1.0","extra":1,"tasks":[{"task_type":"unit_test"}]}`), "batch.json")
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	data := `version: "2.0"
tasks:
  - task_id: dup
    task_type: unit_test
  - task_id: dup
    task_type: unit_test
  - task_type: ""
  - task_type: unit_test
    priority: 9
`
	_, err := LoadFromBytes([]byte(data), "batch.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	paths := make([]string, 0, len(verrs))
	for _, v := range verrs {
		paths = append(paths, v.Path)
	}
	assert.ElementsMatch(t, []string{
		"/version",
		"/tasks/1/task_id",
		"/tasks/2/task_type",
		"/tasks/3/priority",
	}, paths)
	assert.Contains(t, err.Error(), "4 errors")
}

func TestValidateRequiresTasks(t *testing.T) {
	_, err := LoadFromBytes([]byte(`version: "1.0"`), "batch.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/tasks")
}

func TestBuild(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestYAML()), "batch.yaml")
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tasks, err := m.Build(now)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "api-unit", tasks[0].ID)
	assert.Equal(t, fleet.TaskPending, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].MaxRetries)
	assert.NotEmpty(t, tasks[1].ID, "generated")
	assert.Equal(t, 1, tasks[1].MaxRetries, "batch default")
	assert.Equal(t, now, tasks[1].CreatedAt)
}

func TestValidationErrorString(t *testing.T) {
	assert.Equal(t, "msg", ValidationError{Message: "msg"}.Error())
	assert.Equal(t, "/a: msg", ValidationError{Path: "/a", Message: "msg"}.Error())
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}
