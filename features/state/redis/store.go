package redis

import (
	"context"
	"errors"
	"time"

	clientsredis "goa.design/pipeline/features/state/redis/clients/redis"
	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// Store implements state.Store on Redis. Creation is atomic via SET NX;
	// updates are plain read-modify-write, relying on the orchestrator's
	// per-project single-writer discipline. Keys carry an advisory TTL so
	// orphaned contexts eventually age out.
	Store struct {
		client clientsredis.Client
	}

	// FailureStore implements state.FailureStore on Redis.
	FailureStore struct {
		client clientsredis.Client
	}
)

// NewStore builds a Store using the provided client.
func NewStore(client clientsredis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create atomically stores the context if no context exists for its project.
func (s *Store) Create(ctx context.Context, pctx pipeline.Context) error {
	return s.client.CreateContext(ctx, pctx)
}

// Load returns the context for projectID.
func (s *Store) Load(ctx context.Context, projectID string) (pipeline.Context, error) {
	return s.client.GetContext(ctx, projectID)
}

// Update applies mutate to the stored context and writes the result back,
// refreshing the TTL. Callers must hold the per-project lock.
func (s *Store) Update(ctx context.Context, projectID string, mutate func(*pipeline.Context)) (pipeline.Context, error) {
	pctx, err := s.client.GetContext(ctx, projectID)
	if err != nil {
		return pipeline.Context{}, err
	}
	mutate(&pctx)
	pctx.UpdatedAt = time.Now().UTC()
	if err := s.client.PutContext(ctx, pctx); err != nil {
		return pipeline.Context{}, err
	}
	return pctx, nil
}

// Delete removes the context; missing contexts are a no-op.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	return s.client.DeleteContext(ctx, projectID)
}

// Scan returns the project IDs of all live contexts.
func (s *Store) Scan(ctx context.Context) ([]string, error) {
	return s.client.ScanProjects(ctx)
}

// NewFailureStore builds a FailureStore using the provided client.
func NewFailureStore(client clientsredis.Client) (*FailureStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &FailureStore{client: client}, nil
}

// Put stores the record, replacing any existing record for the same project.
func (s *FailureStore) Put(ctx context.Context, rec pipeline.FailureRecord) error {
	return s.client.PutFailure(ctx, rec)
}

// Get returns the record for failureID.
func (s *FailureStore) Get(ctx context.Context, failureID string) (pipeline.FailureRecord, error) {
	return s.client.GetFailure(ctx, failureID)
}

// GetByProject returns the record for projectID.
func (s *FailureStore) GetByProject(ctx context.Context, projectID string) (pipeline.FailureRecord, error) {
	return s.client.GetFailureByProject(ctx, projectID)
}

// Delete removes the record; missing records are a no-op.
func (s *FailureStore) Delete(ctx context.Context, failureID string) error {
	return s.client.DeleteFailure(ctx, failureID)
}
