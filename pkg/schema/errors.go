package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting. The first block mirrors the
// pipeline failure taxonomy; the second block covers infrastructure failures.
const (
	ErrCodeMalformedDSL        = "MALFORMED_DSL"
	ErrCodeSchemaReference     = "SCHEMA_REFERENCE_ERROR"
	ErrCodeCompilation         = "COMPILATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeSecurityViolation   = "SECURITY_VIOLATION"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeCorrectionRejected  = "CORRECTION_REJECTED"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// PipelineError is the structured error type for all pipeline operations.
// It is serializable so that a step failure can be persisted in the
// conversation state and surfaced to the caller unchanged.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    StepKind       `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the step kind that produced the error.
func (e *PipelineError) WithStep(step StepKind) *PipelineError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// IsTerminal reports whether the error must end the turn without any retry.
func (e *PipelineError) IsTerminal() bool {
	switch e.Code {
	case ErrCodeSecurityViolation, ErrCodeUpstreamUnavailable, ErrCodeCircuitOpen,
		ErrCodeCancelled, ErrCodeStore, ErrCodeConflict:
		return true
	}
	return false
}

// Clone returns a copy that is safe to store in another state snapshot.
func (e *PipelineError) Clone() *PipelineError {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// AsPipelineError converts any error into a PipelineError, wrapping foreign
// errors with the given fallback code.
func AsPipelineError(err error, fallbackCode string) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// HasCode reports whether err is a PipelineError with the given code.
func HasCode(err error, code string) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Code == code
}
