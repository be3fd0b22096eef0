package orchestrator

import (
	"errors"
	"fmt"

	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// NotFoundError reports a missing project context, history, or failure
	// record, or a workspace mismatch (scoping failures are indistinguishable
	// from missing resources by design).
	NotFoundError struct {
		// Resource names the missing resource kind ("pipeline", "failure").
		Resource string
		// ID is the identifier that failed to resolve.
		ID string
	}

	// ConflictError reports an operation rejected by the current pipeline
	// state: an active pipeline on start, or an illegal state for
	// pause/resume.
	ConflictError struct {
		// Message describes the conflicting condition.
		Message string
	}

	// InvalidTransitionError is the Conflict subtype carrying the rejected
	// edge for diagnostics.
	InvalidTransitionError struct {
		// From is the pipeline's current state.
		From pipeline.State
		// To is the rejected target state.
		To pipeline.State
	}

	// BadRequestError reports malformed input: unknown actions, incompatible
	// agent types, out-of-range parameters.
	BadRequestError struct {
		// Message describes the invalid input.
		Message string
	}
)

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return e.Message
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// Error implements the error interface.
func (e *BadRequestError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError or its
// InvalidTransitionError subtype.
func IsConflict(err error) bool {
	var c *ConflictError
	if errors.As(err, &c) {
		return true
	}
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// IsBadRequest reports whether err is a BadRequestError.
func IsBadRequest(err error) bool {
	var br *BadRequestError
	return errors.As(err, &br)
}

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func conflictf(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func badRequestf(format string, args ...any) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}
