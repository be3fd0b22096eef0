// Package journal defines the durable history contract: an append-only log of
// state transitions and failure-recovery attempts. The journal is the audit
// record, never the source of truth for liveness; the state machine appends a
// history row before mutating the hot store so a crash between the two is
// always recoverable.
package journal

import (
	"context"

	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// Page bounds a history query. Limit is capped by the control surface;
	// a zero limit returns no items but still reports the total.
	Page struct {
		Limit  int
		Offset int
	}

	// TransitionPage is one page of transition history ordered by CreatedAt
	// descending, along with the total row count for the project.
	TransitionPage struct {
		Items []pipeline.HistoryEntry
		Total int
	}

	// Journal persists transition and recovery history.
	Journal interface {
		// AppendTransition durably appends a transition row. Must complete
		// before the corresponding hot-state mutation.
		AppendTransition(ctx context.Context, entry pipeline.HistoryEntry) error

		// ListTransitions returns a page of transition rows for the project,
		// newest first, scoped to the workspace.
		ListTransitions(ctx context.Context, projectID, workspaceID string, page Page) (TransitionPage, error)

		// AppendRecovery durably appends a failure-recovery row, typically
		// with pipeline.StrategyPending before strategy execution.
		AppendRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error

		// CompleteRecovery updates the row identified by entry.ID with the
		// final strategy, outcome and retry count. Unknown IDs are a no-op so
		// crash-interrupted recoveries never wedge the engine.
		CompleteRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error

		// ListRecoveries returns all recovery rows for the project, newest
		// first. Cardinality is bounded by the retry policy so no pagination
		// is required.
		ListRecoveries(ctx context.Context, projectID string) ([]pipeline.RecoveryEntry, error)
	}
)
