// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDuplicateActive   = errors.New("duplicate active job")
	ErrLaunch            = errors.New("worker launch error")
	ErrTimeout           = errors.New("worker timeout")
	ErrProcess           = errors.New("worker process error")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "sessionId", "files")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "store.updateStatus")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// InvalidTransition creates an error for a status change the state machine forbids.
func InvalidTransition(jobID, from, to string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Message:  fmt.Sprintf("job %s: cannot transition from %s to %s", jobID, from, to),
		Resource: "job",
	}
}

// DuplicateActive creates an error for a start request while the session
// already has a non-terminal job.
func DuplicateActive(sessionID, jobID string) error {
	return &Error{
		Sentinel: ErrDuplicateActive,
		Message:  fmt.Sprintf("session %s already has active job %s", sessionID, jobID),
		Resource: "job",
	}
}

// Launch creates an error for a worker process that failed to start.
func Launch(cause error) error {
	return &Error{
		Sentinel: ErrLaunch,
		Message:  fmt.Sprintf("failed to launch worker: %v", cause),
		Op:       "runner.launch",
		Cause:    cause,
	}
}

// Timeout creates an error for a worker that exceeded its wall-clock budget.
func Timeout(timeoutSeconds int) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("worker exceeded timeout of %d seconds", timeoutSeconds),
		Op:       "runner.wait",
	}
}

// Process creates an error for a worker that exited non-zero.
// Captured stderr is attached to the message for failure visibility.
func Process(exitCode int, stderr string) error {
	msg := fmt.Sprintf("worker exited with code %d", exitCode)
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	return &Error{
		Sentinel: ErrProcess,
		Message:  msg,
		Op:       "runner.wait",
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
