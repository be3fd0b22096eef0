// Package checkpoint defines the store contract for context snapshots taken
// at phase boundaries. The state machine saves a checkpoint on entry to each
// non-initial phase; the recovery engine loads them for rollback. Checkpoints
// are retained while the pipeline is active and deleted on terminal
// transition.
package checkpoint

import (
	"context"

	"goa.design/pipeline/orchestrator/pipeline"
)

// Store persists checkpoints keyed by (project, phase). Saving a checkpoint
// for an existing key replaces the prior snapshot.
type Store interface {
	// Save stores cp, replacing any checkpoint for the same (project, phase).
	Save(ctx context.Context, cp pipeline.Checkpoint) error

	// Load returns the checkpoint for (projectID, phase) and true, or false
	// when none exists. A missing checkpoint is not an error: the recovery
	// engine falls back to earlier phases.
	Load(ctx context.Context, projectID string, phase pipeline.Phase) (pipeline.Checkpoint, bool, error)

	// DeleteAll removes every checkpoint for the project. Called on terminal
	// transitions and aborts.
	DeleteAll(ctx context.Context, projectID string) error
}
