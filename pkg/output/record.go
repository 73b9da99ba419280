// Package output writes CLI results as JSON Lines.
//
// Every line is a Record envelope whose Type names the payload carried in
// Data, so a consumer can parse each line on its own.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types, versioned as gofleet.<type>.v<n>.
const (
	TypeSubmit  = "gofleet.submit.v1"
	TypeError   = "gofleet.error.v1"
	TypeWave    = "gofleet.wave.v1"
	TypeSummary = "gofleet.summary.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// BatchID correlates every record from one CLI invocation.
	BatchID string `json:"batch_id"`

	// Source is the coordinator URL, or "offline" for local planning.
	Source string `json:"source"`

	Data json.RawMessage `json:"data"`
}

// SubmitRecord reports one accepted task.
type SubmitRecord struct {
	Index    int    `json:"index"`
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Priority int    `json:"priority,omitempty"`
}

// ErrorRecord reports a task the coordinator rejected, or a failure that
// is not tied to one task (Index -1).
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Index   int    `json:"index"`
	TaskID  string `json:"task_id,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes carried in ErrorRecord.Code.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeInternal    = "INTERNAL"
)

// WaveRecord lists the task ids of one planned wave.
type WaveRecord struct {
	Wave    int      `json:"wave"`
	TaskIDs []string `json:"task_ids"`
}

// SummaryRecord closes a batch.
type SummaryRecord struct {
	Tasks    int `json:"tasks"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps a marshal or write failure.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
