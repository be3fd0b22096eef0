// Package state defines the hot-state store contract for live pipeline
// contexts (the single source of truth for "is this pipeline active and what
// is it doing now") and the adjacent store for transient active-failure
// records. Implementations must provide atomic create-if-absent semantics;
// every other mutation path relies on the orchestrator's per-project
// single-writer discipline.
package state

import (
	"context"
	"errors"

	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// Store persists live pipeline contexts keyed by project ID.
	Store interface {
		// Create atomically stores ctx if no context exists for its project.
		// Returns ErrConflict if one does. Implementations set an advisory TTL
		// to bound orphaned entries.
		Create(ctx context.Context, pctx pipeline.Context) error

		// Load returns the context for projectID, or ErrNotFound.
		Load(ctx context.Context, projectID string) (pipeline.Context, error)

		// Update applies mutate to the stored context and persists the result.
		// Returns ErrNotFound if no context exists. Callers must hold the
		// per-project lock; the store itself performs a plain read-modify-write.
		Update(ctx context.Context, projectID string, mutate func(*pipeline.Context)) (pipeline.Context, error)

		// Delete removes the context for projectID. Deleting a missing context
		// is a no-op.
		Delete(ctx context.Context, projectID string) error

		// Scan returns the project IDs of all live contexts. Used by the
		// recovery sweeper on startup.
		Scan(ctx context.Context) ([]string, error)
	}

	// FailureStore persists transient active-failure records awaiting
	// acknowledgement or manual override. At most one record exists per
	// project; creating a record for a project replaces any prior one.
	FailureStore interface {
		// Put stores the record, replacing any existing record for the same
		// project.
		Put(ctx context.Context, rec pipeline.FailureRecord) error

		// Get returns the record for failureID, or ErrNotFound.
		Get(ctx context.Context, failureID string) (pipeline.FailureRecord, error)

		// GetByProject returns the record for projectID, or ErrNotFound.
		GetByProject(ctx context.Context, projectID string) (pipeline.FailureRecord, error)

		// Delete removes the record for failureID. Deleting a missing record
		// is a no-op.
		Delete(ctx context.Context, failureID string) error
	}
)

var (
	// ErrConflict is returned by Create when a context already exists for the
	// project.
	ErrConflict = errors.New("state: context already exists")

	// ErrNotFound is returned when no entry exists for the requested key.
	ErrNotFound = errors.New("state: not found")
)
