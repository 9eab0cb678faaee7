package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeSetup      = "SETUP_ERROR"
	ErrCodeStepFailed = "STEP_FAILED"
	ErrCodeResume     = "RESUME_ERROR"
	ErrCodeInternal   = "INTERNAL_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeTransport  = "TRANSPORT_ERROR"
	ErrCodeStore      = "STORE_ERROR"

	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// RunError is the structured error type returned by every run operation.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Host    string         `json:"host,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RunError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunError.
func NewError(code, message string) *RunError {
	return &RunError{Code: code, Message: message}
}

// NewErrorf creates a new RunError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *RunError) WithStep(step string) *RunError {
	e.Step = step
	return e
}

// WithHost attaches the host the error happened on.
func (e *RunError) WithHost(host string) *RunError {
	e.Host = host
	return e
}

// WithCause attaches an underlying cause.
func (e *RunError) WithCause(err error) *RunError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunError) WithDetails(details map[string]any) *RunError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a RunError with the given code.
func IsCode(err error, code string) bool {
	var re *RunError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
