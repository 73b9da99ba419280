package fleet

import (
	"errors"
	"fmt"
)

// Sentinel errors for coordinator operations.
var (
	// ErrNodeNotFound indicates the node id is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrTaskNotFound indicates the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask indicates a task with the same id was already submitted.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrTaskNotRunning indicates a result arrived for a task that is not running.
	ErrTaskNotRunning = errors.New("task not running")

	// ErrNodeAtCapacity indicates the node has no free execution slot.
	ErrNodeAtCapacity = errors.New("node at capacity")

	// ErrNodeUnavailable indicates the node cannot accept work in its current status.
	ErrNodeUnavailable = errors.New("node unavailable")
)

// ValidationError reports malformed input. Operations returning it never
// mutate state.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation returns true if err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound returns true if the error indicates an unknown node or task.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrTaskNotFound)
}

// IsConflict returns true if the error indicates a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateTask) ||
		errors.Is(err, ErrTaskNotRunning) ||
		errors.Is(err, ErrNodeAtCapacity) ||
		errors.Is(err, ErrNodeUnavailable)
}
