package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/autoscribe/autoscribe/pkg/breaker"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/stores"
)

// ErrorClass classifies a failure for logging, metrics and the decision
// whether a tick may simply be retried.
type ErrorClass string

const (
	// ErrorClassCapacityDenied is a budget or daily cap denial.
	// The item is skipped and the queue still advances.
	ErrorClassCapacityDenied ErrorClass = "capacity_denied"

	// ErrorClassUpstreamUnavailable covers generation and discovery
	// transport failures, timeouts and open circuits.
	ErrorClassUpstreamUnavailable ErrorClass = "upstream_unavailable"

	// ErrorClassMalformedOutput is generation output that cannot be used.
	ErrorClassMalformedOutput ErrorClass = "malformed_output"

	// ErrorClassPersistenceConflict is a duplicate key.
	// It is treated as a successful no-op.
	ErrorClassPersistenceConflict ErrorClass = "persistence_conflict"

	// ErrorClassLockContention means another tick holds the lock.
	ErrorClassLockContention ErrorClass = "lock_contention"

	// ErrorClassStateCorruption is unreadable orchestration state.
	ErrorClassStateCorruption ErrorClass = "state_corruption"

	// ErrorClassConfiguration is a setup problem detected before the tick
	// does any work, such as having no categories.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassUnexpected is any other collaborator failure.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// ErrNoCategories is returned when a queue must be built but no category
// exists.
var ErrNoCategories = errors.New("no categories configured")

// ErrLockLost is returned when a tick finds its lock expired or taken over
// between work items.
var ErrLockLost = errors.New("lock expired or taken over")

// Error is a classified orchestration error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Phase is the tick phase the error occurred in, if any.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Phase != "" {
		msg = fmt.Sprintf("[%s] %s (phase=%s)", e.Class, e.Message, e.Phase)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewError creates a classified error.
func NewError(class ErrorClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// WithPhase adds the tick phase to an error.
func (e *Error) WithPhase(phase Phase) *Error {
	e.Phase = string(phase)
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Classify returns the class of err. Errors that are not already classified
// are mapped from well-known sentinels; anything else is unexpected.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}

	switch {
	case errors.Is(err, ErrNoCategories):
		return ErrorClassConfiguration
	case errors.Is(err, stores.ErrDuplicate):
		return ErrorClassPersistenceConflict
	case errors.Is(err, breaker.ErrOpen),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorClassUpstreamUnavailable
	case errors.Is(err, generation.ErrEmptyResponse):
		return ErrorClassMalformedOutput
	default:
		return ErrorClassUnexpected
	}
}

// IsFatal reports whether err should surface to the scheduler as a failed
// tick. Only configuration problems and unexpected collaborator failures
// qualify; every other class is absorbed where it occurs.
func IsFatal(err error) bool {
	switch Classify(err) {
	case ErrorClassConfiguration, ErrorClassUnexpected:
		return true
	default:
		return false
	}
}
