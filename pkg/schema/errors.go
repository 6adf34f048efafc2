package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCyclicDependency   = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	ErrCodeDuplicateStepID    = "DUPLICATE_STEP_ID"
	ErrCodeDefinitionTampered = "DEFINITION_TAMPERED"
	ErrCodePlaybookNotActive  = "PLAYBOOK_NOT_ACTIVE"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable       = "NON_RETRYABLE"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeDeadlock           = "DEADLOCK"
	ErrCodeHandlerUnavailable = "HANDLER_UNAVAILABLE"
	ErrCodeConditionFailed    = "CONDITION_FAILED"
)

// nonRetryable lists codes for which another attempt cannot change the outcome.
var nonRetryable = map[string]bool{
	ErrCodeValidation:         true,
	ErrCodeCyclicDependency:   true,
	ErrCodeUnknownDependency:  true,
	ErrCodeDuplicateStepID:    true,
	ErrCodeDefinitionTampered: true,
	ErrCodePlaybookNotActive:  true,
	ErrCodeNotFound:           true,
	ErrCodeConflict:           true,
	ErrCodeInvalidTransition:  true,
	ErrCodeNonRetryable:       true,
	ErrCodeCancelled:          true,
	ErrCodeCircuitOpen:        true,
	ErrCodeHandlerUnavailable: true,
	ErrCodeConditionFailed:    true,
}

// PlaybookError is the structured error type used across the engine.
type PlaybookError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlaybookError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlaybookError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a failed attempt with this error may be retried.
func (e *PlaybookError) IsRetryable() bool {
	return !nonRetryable[e.Code]
}

// NewError creates a new PlaybookError.
func NewError(code, message string) *PlaybookError {
	return &PlaybookError{Code: code, Message: message}
}

// NewErrorf creates a new PlaybookError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlaybookError {
	return &PlaybookError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PlaybookError) WithStep(stepID string) *PlaybookError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlaybookError) WithCause(err error) *PlaybookError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlaybookError) WithDetails(details map[string]any) *PlaybookError {
	e.Details = details
	return e
}

// HasCode reports whether err, or any error it wraps, is a PlaybookError with the given code.
func HasCode(err error, code string) bool {
	var pe *PlaybookError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// CodeOf returns the code of the first PlaybookError in err's chain, or "".
func CodeOf(err error) string {
	var pe *PlaybookError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// StepOf returns the step id of the first PlaybookError in err's chain, or "".
func StepOf(err error) string {
	var pe *PlaybookError
	if errors.As(err, &pe) {
		return pe.StepID
	}
	return ""
}
