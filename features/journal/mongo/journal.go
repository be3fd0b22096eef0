// Package mongo provides the MongoDB-backed history journal. Transition rows
// land in "pipeline_state_history" and recovery rows in
// "failure_recovery_history", both append-only with pagination served by a
// (project_id, created_at desc) index.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/pipeline/features/journal/mongo/clients/mongo"
	"goa.design/pipeline/orchestrator/journal"
	"goa.design/pipeline/orchestrator/pipeline"
)

// Journal implements journal.Journal by delegating to the Mongo client.
type Journal struct {
	client clientsmongo.Client
}

// NewJournal builds a Journal using the provided client.
func NewJournal(client clientsmongo.Client) (*Journal, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Journal{client: client}, nil
}

// AppendTransition durably appends a transition row.
func (j *Journal) AppendTransition(ctx context.Context, entry pipeline.HistoryEntry) error {
	return j.client.AppendTransition(ctx, entry)
}

// ListTransitions returns a newest-first page of transition rows scoped to
// the workspace.
func (j *Journal) ListTransitions(ctx context.Context, projectID, workspaceID string, page journal.Page) (journal.TransitionPage, error) {
	return j.client.ListTransitions(ctx, projectID, workspaceID, page)
}

// AppendRecovery durably appends a failure-recovery row.
func (j *Journal) AppendRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error {
	return j.client.AppendRecovery(ctx, entry)
}

// CompleteRecovery updates the row identified by entry.ID with the final
// strategy and outcome. Unknown IDs are a no-op.
func (j *Journal) CompleteRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error {
	return j.client.CompleteRecovery(ctx, entry)
}

// ListRecoveries returns all recovery rows for the project, newest first.
func (j *Journal) ListRecoveries(ctx context.Context, projectID string) ([]pipeline.RecoveryEntry, error) {
	return j.client.ListRecoveries(ctx, projectID)
}
