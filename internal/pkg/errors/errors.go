// Package errors provides the typed error surface of the Flowgate engine.
//
// Every rejection the engine produces is an *AppError carrying a stable
// machine-readable code. Callers branch on codes (or the sentinel errors),
// never on message text. Only configuration errors are fatal; everything
// else is local to the request that caused it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrConflict      = errors.New("conflict")
	ErrBusy          = errors.New("busy")
	ErrInternal      = errors.New("internal error")
)

// AppError is a structured engine error with a stable code.
// HTTPStatus is advisory: the engine has no HTTP surface of its own, but
// consumers map results into response envelopes and need the equivalence
// class (4xx user error vs 409 conflict vs retryable).
type AppError struct {
	// Code is a machine-readable error code (e.g. "INVALID_TRANSITION").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the equivalent HTTP status class for API consumers.
	HTTPStatus int `json:"-"`

	// Params carries structured context (guard detail, entity ids, states).
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// Constructors for the engine's error taxonomy.

// Configuration creates a fatal startup configuration error.
func Configuration(message string) *AppError {
	return New(CodeConfiguration, message, http.StatusInternalServerError)
}

// InvalidTransition creates the rejection for an edge absent from the
// registered workflow.
func InvalidTransition(kind, from, to string) *AppError {
	return New(CodeInvalidTransition,
		fmt.Sprintf("no transition %s -> %s for kind %s", from, to, kind),
		http.StatusUnprocessableEntity,
	).WithParams(map[string]interface{}{"kind": kind, "from": from, "to": to})
}

// GuardFailed creates a business-rule rejection with guard detail.
func GuardFailed(detail error) *AppError {
	return Wrap(detail, CodeGuardFailed, "guard predicate rejected the transition",
		http.StatusUnprocessableEntity,
	).WithParams(map[string]interface{}{"detail": detail.Error()})
}

// Unauthorized creates an actor-capability rejection.
func Unauthorized(actor string) *AppError {
	return New(CodeUnauthorized, "actor is not allowed to perform this transition",
		http.StatusForbidden,
	).WithParams(map[string]interface{}{"actor": actor})
}

// CascadeFailed creates a conflict rejection for an aborted cascade.
// No partial state is visible when this is returned.
func CascadeFailed(childID string, cause error) *AppError {
	return Wrap(cause, CodeCascadeFailed, "cascade aborted, no state changed",
		http.StatusConflict,
	).WithParams(map[string]interface{}{"child_id": childID})
}

// CycleDetected creates the rejection for a relation edit that would close
// a composition cycle.
func CycleDetected(parentID, childID string) *AppError {
	return New(CodeCycleDetected,
		fmt.Sprintf("relation %s -> %s would close a composition cycle", parentID, childID),
		http.StatusConflict,
	).WithParams(map[string]interface{}{"parent_id": parentID, "child_id": childID})
}

// Busy creates the retryable rejection for a lock acquisition timeout.
func Busy(entityID string) *AppError {
	return Wrap(ErrBusy, CodeBusy, "entity is locked by a concurrent transition",
		http.StatusServiceUnavailable,
	).WithParams(map[string]interface{}{"entity_id": entityID})
}

// DriftDetected creates the internal consistency alarm. It is logged and
// escalated, never surfaced to end users.
func DriftDetected(entityID string) *AppError {
	return New(CodeDriftDetected,
		fmt.Sprintf("snapshot diverges from journal for entity %s", entityID),
		http.StatusInternalServerError,
	).WithParams(map[string]interface{}{"entity_id": entityID})
}

// EntityNotFound creates a 404-class rejection.
func EntityNotFound(entityID string) *AppError {
	return Wrap(ErrNotFound, CodeEntityNotFound, "entity does not exist",
		http.StatusNotFound,
	).WithParams(map[string]interface{}{"entity_id": entityID})
}

// AlreadyExists creates a duplicate-creation rejection.
func AlreadyExists(entityID string) *AppError {
	return Wrap(ErrAlreadyExists, CodeAlreadyExists, "entity already exists",
		http.StatusConflict,
	).WithParams(map[string]interface{}{"entity_id": entityID})
}

// Internal creates a 500-class error for storage and infrastructure faults.
func Internal(message string, err error) *AppError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given engine error code.
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}
