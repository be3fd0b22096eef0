// Package inmem provides an in-memory checkpoint.Store for tests and local
// development. Production deployments should use features/checkpoint/redis.
package inmem

import (
	"context"
	"sync"

	"goa.design/pipeline/orchestrator/pipeline"
)

type key struct {
	project string
	phase   pipeline.Phase
}

// Store implements checkpoint.Store in memory. Thread-safe.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[key]pipeline.Checkpoint
}

// New constructs an empty Store.
func New() *Store {
	return &Store{checkpoints: make(map[key]pipeline.Checkpoint)}
}

// Save stores the checkpoint, replacing any prior one for the same key.
func (s *Store) Save(_ context.Context, cp pipeline.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Snapshot = cp.Snapshot.Clone()
	s.checkpoints[key{cp.ProjectID, cp.Phase}] = cp
	return nil
}

// Load returns the checkpoint for (projectID, phase) when present.
func (s *Store) Load(_ context.Context, projectID string, phase pipeline.Phase) (pipeline.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[key{projectID, phase}]
	if !ok {
		return pipeline.Checkpoint{}, false, nil
	}
	cp.Snapshot = cp.Snapshot.Clone()
	return cp, true, nil
}

// DeleteAll removes every checkpoint for the project.
func (s *Store) DeleteAll(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.checkpoints {
		if k.project == projectID {
			delete(s.checkpoints, k)
		}
	}
	return nil
}
