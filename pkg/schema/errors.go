package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeMalformedDelta = "MALFORMED_DELTA"
	ErrCodeCausalGap      = "CAUSAL_GAP"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeOffline        = "OFFLINE"
	ErrCodePersistence    = "PERSISTENCE_ERROR"
	ErrCodeIntegrity      = "INTEGRITY_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeClosed         = "CLOSED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeExpression     = "EXPRESSION_ERROR"
)

// SyncError is the structured error type for all flowsync operations.
type SyncError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	DiagramID string         `json:"diagram_id,omitempty"`
	Cause     error          `json:"-"`
}

func (e *SyncError) Error() string {
	if e.DiagramID != "" {
		return fmt.Sprintf("[%s] diagram %s: %s", e.Code, e.DiagramID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SyncError.
func NewError(code, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// NewErrorf creates a new SyncError with a formatted message.
func NewErrorf(code, format string, args ...any) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDiagram attaches a diagram ID to the error.
func (e *SyncError) WithDiagram(id string) *SyncError {
	e.DiagramID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *SyncError) WithCause(err error) *SyncError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SyncError) WithDetails(details map[string]any) *SyncError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a SyncError with the given code.
func HasCode(err error, code string) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsRetryable reports whether an operation that failed with err may succeed if repeated.
// Transport failures, timeouts and persistence outages are transient; everything else is not.
func IsRetryable(err error) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case ErrCodeTransport, ErrCodeOffline, ErrCodeTimeout, ErrCodePersistence:
		return true
	}
	return false
}
