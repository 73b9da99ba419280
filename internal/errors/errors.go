// Package errors provides the HTTP error envelope and the mapping from
// domain errors to status codes.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/gofleet/pkg/fleet"
	"github.com/3leaps/gofleet/pkg/manifest"
)

// Error codes carried in the envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope: {"success": false, "error": {...}}.
type HTTPErrorResponse struct {
	Success bool      `json:"success"`
	Error   HTTPError `json:"error"`
}

// ExternalServiceError reports that a dependency (store, bus, node) could
// not be reached. It maps to 503.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Err == nil {
		return e.Service + " unavailable"
	}
	return e.Service + " unavailable: " + e.Err.Error()
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError wraps err as an unavailable dependency.
func NewExternalServiceError(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// Classify returns the status code and envelope code for err.
func Classify(err error) (int, string) {
	var vErrs manifest.ValidationErrors
	var extErr *ExternalServiceError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case fleet.IsValidation(err), errors.As(err, &vErrs):
		return http.StatusBadRequest, CodeValidation
	case fleet.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case fleet.IsConflict(err):
		return http.StatusConflict, CodeConflict
	case errors.As(err, &extErr):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes the envelope for err. Internal errors do not
// leak their message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	var details map[string]any

	var vErr *fleet.ValidationError
	var vErrs manifest.ValidationErrors
	switch {
	case errors.As(err, &vErr):
		details = map[string]any{"field": vErr.Field}
	case errors.As(err, &vErrs):
		fields := make([]map[string]string, 0, len(vErrs))
		for _, e := range vErrs {
			fields = append(fields, map[string]string{"path": e.Path, "message": e.Message})
		}
		details = map[string]any{"errors": fields}
	}
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	WriteError(w, r, status, code, msg, details)
}

// WriteError writes an envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
		Details: details,
	}}
	if r != nil {
		resp.Error.RequestID = middleware.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// NotFound writes a 404 envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "resource not found", map[string]any{"path": r.URL.Path})
}

// MethodNotAllowed writes a 405 envelope.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed",
		map[string]any{"method": r.Method, "path": r.URL.Path})
}

// ServiceUnavailable writes a 503 envelope.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string, details map[string]any) {
	WriteError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, message, details)
}
