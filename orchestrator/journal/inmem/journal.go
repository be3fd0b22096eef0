// Package inmem provides an in-memory journal.Journal for tests and local
// development. Rows are held in per-project slices in append order; queries
// reverse into newest-first pages. Production deployments should use
// features/journal/mongo.
package inmem

import (
	"context"
	"sync"

	"goa.design/pipeline/orchestrator/journal"
	"goa.design/pipeline/orchestrator/pipeline"
)

// Journal implements journal.Journal in memory. Thread-safe.
type Journal struct {
	mu          sync.RWMutex
	transitions map[string][]pipeline.HistoryEntry
	recoveries  map[string][]pipeline.RecoveryEntry
}

// New constructs an empty Journal.
func New() *Journal {
	return &Journal{
		transitions: make(map[string][]pipeline.HistoryEntry),
		recoveries:  make(map[string][]pipeline.RecoveryEntry),
	}
}

// AppendTransition appends a transition row.
func (j *Journal) AppendTransition(_ context.Context, entry pipeline.HistoryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions[entry.ProjectID] = append(j.transitions[entry.ProjectID], entry)
	return nil
}

// ListTransitions returns a newest-first page of transition rows scoped to
// the workspace.
func (j *Journal) ListTransitions(_ context.Context, projectID, workspaceID string, page journal.Page) (journal.TransitionPage, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var rows []pipeline.HistoryEntry
	for _, e := range j.transitions[projectID] {
		if workspaceID == "" || e.WorkspaceID == workspaceID {
			rows = append(rows, e)
		}
	}
	// Reverse append order into newest-first.
	out := make([]pipeline.HistoryEntry, len(rows))
	for i, e := range rows {
		out[len(rows)-1-i] = e
	}

	total := len(out)
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if page.Limit <= 0 || end > total {
		end = total
	}
	if page.Limit == 0 {
		end = start
	}
	return journal.TransitionPage{Items: out[start:end], Total: total}, nil
}

// AppendRecovery appends a failure-recovery row.
func (j *Journal) AppendRecovery(_ context.Context, entry pipeline.RecoveryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recoveries[entry.ProjectID] = append(j.recoveries[entry.ProjectID], entry)
	return nil
}

// CompleteRecovery overwrites the row with the matching ID. Unknown IDs are a
// no-op.
func (j *Journal) CompleteRecovery(_ context.Context, entry pipeline.RecoveryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows := j.recoveries[entry.ProjectID]
	for i := range rows {
		if rows[i].ID == entry.ID {
			rows[i] = entry
			return nil
		}
	}
	return nil
}

// ListRecoveries returns all recovery rows for the project, newest first.
func (j *Journal) ListRecoveries(_ context.Context, projectID string) ([]pipeline.RecoveryEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rows := j.recoveries[projectID]
	out := make([]pipeline.RecoveryEntry, len(rows))
	for i, e := range rows {
		out[len(rows)-1-i] = e
	}
	return out, nil
}
