package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// ErrValidationFailed indicates the manifest failed validation.
var ErrValidationFailed = errors.New("manifest validation failed")

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/tasks/0/task_type").
	Path string

	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns ErrValidationFailed so callers can use errors.Is.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks version, task presence, unique ids, and each task's
// fields. Defaults are validated through the tasks they apply to, so call
// ApplyDefaults first.
func Validate(m *Manifest) error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if m.Version != SupportedVersion {
		add("/version", "must be %q, got %q", SupportedVersion, m.Version)
	}
	if len(m.Tasks) == 0 {
		add("/tasks", "at least one task is required")
	}

	specs, err := m.Specs()
	if err != nil {
		add("/tasks", "%v", err)
		return errs
	}

	seen := make(map[string]int, len(specs))
	for i, spec := range specs {
		path := fmt.Sprintf("/tasks/%d", i)
		if err := spec.Validate(); err != nil {
			var ve *fleet.ValidationError
			if errors.As(err, &ve) && ve.Field != "" {
				add(path+"/"+strings.ReplaceAll(ve.Field, ".", "/"), "%s", ve.Message)
			} else {
				add(path, "%v", err)
			}
		}
		if spec.ID == "" {
			continue
		}
		if prev, dup := seen[spec.ID]; dup {
			add(path+"/task_id", "duplicate of /tasks/%d", prev)
			continue
		}
		seen[spec.ID] = i
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
