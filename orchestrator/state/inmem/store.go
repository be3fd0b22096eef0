// Package inmem provides in-memory implementations of state.Store and
// state.FailureStore for tests and local development. Entries live in maps
// with no persistence across restarts; production deployments should use
// features/state/redis.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/orchestrator/state"
)

// Store implements state.Store in memory. All operations are thread-safe and
// contexts are defensively copied on read and write.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]pipeline.Context
}

// New constructs an empty Store.
func New() *Store {
	return &Store{contexts: make(map[string]pipeline.Context)}
}

// Create stores the context if absent, returning state.ErrConflict otherwise.
func (s *Store) Create(_ context.Context, pctx pipeline.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[pctx.ProjectID]; ok {
		return state.ErrConflict
	}
	s.contexts[pctx.ProjectID] = pctx.Clone()
	return nil
}

// Load returns a copy of the stored context or state.ErrNotFound.
func (s *Store) Load(_ context.Context, projectID string) (pipeline.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pctx, ok := s.contexts[projectID]
	if !ok {
		return pipeline.Context{}, state.ErrNotFound
	}
	return pctx.Clone(), nil
}

// Update applies mutate under the store lock and stamps UpdatedAt.
func (s *Store) Update(_ context.Context, projectID string, mutate func(*pipeline.Context)) (pipeline.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pctx, ok := s.contexts[projectID]
	if !ok {
		return pipeline.Context{}, state.ErrNotFound
	}
	updated := pctx.Clone()
	mutate(&updated)
	updated.UpdatedAt = time.Now().UTC()
	s.contexts[projectID] = updated
	return updated.Clone(), nil
}

// Delete removes the context; missing contexts are a no-op.
func (s *Store) Delete(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, projectID)
	return nil
}

// Scan returns the project IDs of all stored contexts.
func (s *Store) Scan(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids, nil
}

// FailureStore implements state.FailureStore in memory.
type FailureStore struct {
	mu      sync.RWMutex
	records map[string]pipeline.FailureRecord // by failure ID
	project map[string]string                 // project ID -> failure ID
}

// NewFailureStore constructs an empty FailureStore.
func NewFailureStore() *FailureStore {
	return &FailureStore{
		records: make(map[string]pipeline.FailureRecord),
		project: make(map[string]string),
	}
}

// Put stores the record, replacing any prior record for the same project.
func (s *FailureStore) Put(_ context.Context, rec pipeline.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.project[rec.ProjectID]; ok && prior != rec.FailureID {
		delete(s.records, prior)
	}
	s.records[rec.FailureID] = rec
	s.project[rec.ProjectID] = rec.FailureID
	return nil
}

// Get returns the record for failureID or state.ErrNotFound.
func (s *FailureStore) Get(_ context.Context, failureID string) (pipeline.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[failureID]
	if !ok {
		return pipeline.FailureRecord{}, state.ErrNotFound
	}
	return rec, nil
}

// GetByProject returns the record for projectID or state.ErrNotFound.
func (s *FailureStore) GetByProject(_ context.Context, projectID string) (pipeline.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.project[projectID]
	if !ok {
		return pipeline.FailureRecord{}, state.ErrNotFound
	}
	return s.records[id], nil
}

// Delete removes the record; missing records are a no-op.
func (s *FailureStore) Delete(_ context.Context, failureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[failureID]
	if !ok {
		return nil
	}
	delete(s.records, failureID)
	if s.project[rec.ProjectID] == failureID {
		delete(s.project, rec.ProjectID)
	}
	return nil
}
