package model

import "errors"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrExternalDependency = "EXTERNAL_DEPENDENCY_ERROR"
)

// Workflow-specific error codes.
const (
	ErrInvalidState       = "INVALID_STATE"
	ErrInactive           = "INACTIVE"
	ErrNoSteps            = "NO_STEPS"
	ErrTransitionNotFound = "TRANSITION_NOT_FOUND"
	ErrNoValidTransition  = "NO_VALID_TRANSITION"
)

// ErrorEnvelope is the error type every service returns to callers and the
// body of every non-2xx API response. Code drives the HTTP status.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ErrorEnvelope) Unwrap() error { return e.cause }

// FieldError points at one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or "".
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

func newEnvelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return newEnvelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return newEnvelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return newEnvelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return newEnvelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return newEnvelope(ErrConflict, msg) }

// NewValidationError reports every invalid field at once.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := newEnvelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// Workflow engine failures.

func NewInvalidStateError(msg string) *ErrorEnvelope { return newEnvelope(ErrInvalidState, msg) }
func NewInactiveError(msg string) *ErrorEnvelope     { return newEnvelope(ErrInactive, msg) }
func NewNoStepsError(msg string) *ErrorEnvelope      { return newEnvelope(ErrNoSteps, msg) }

func NewTransitionNotFoundError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrTransitionNotFound, msg)
}

func NewNoValidTransitionError(msg string) *ErrorEnvelope {
	return newEnvelope(ErrNoValidTransition, msg)
}

// NewInternalError carries a fixed message so internals never reach clients.
func NewInternalError() *ErrorEnvelope {
	return newEnvelope(ErrInternalError, "An unexpected error occurred")
}

// NewExternalDependencyError wraps a failing store, notifier or validation
// engine. cause stays reachable through errors.Is and errors.As.
func NewExternalDependencyError(msg string, cause error) *ErrorEnvelope {
	e := newEnvelope(ErrExternalDependency, msg)
	e.cause = cause
	return e
}

// AsEnvelope passes envelope-carrying errors through and wraps anything else
// as EXTERNAL_DEPENDENCY_ERROR.
func AsEnvelope(err error, msg string) error {
	if err == nil || CodeOf(err) != "" {
		return err
	}
	return NewExternalDependencyError(msg, err)
}
