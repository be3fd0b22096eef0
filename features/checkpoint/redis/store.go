// Package redis provides the Redis-backed checkpoint store. Snapshots are
// JSON values under "pipeline:checkpoint:{projectID}:{phase}" with an advisory
// TTL; the phase key makes save-or-replace a single SET.
package redis

import (
	"context"
	"errors"

	clientsredis "goa.design/pipeline/features/checkpoint/redis/clients/redis"
	"goa.design/pipeline/orchestrator/pipeline"
)

// Store implements checkpoint.Store by delegating to the Redis client.
type Store struct {
	client clientsredis.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsredis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Save stores cp, replacing any checkpoint for the same (project, phase).
func (s *Store) Save(ctx context.Context, cp pipeline.Checkpoint) error {
	return s.client.SaveCheckpoint(ctx, cp)
}

// Load returns the checkpoint for (projectID, phase) when present.
func (s *Store) Load(ctx context.Context, projectID string, phase pipeline.Phase) (pipeline.Checkpoint, bool, error) {
	return s.client.LoadCheckpoint(ctx, projectID, phase)
}

// DeleteAll removes every checkpoint for the project.
func (s *Store) DeleteAll(ctx context.Context, projectID string) error {
	return s.client.DeleteCheckpoints(ctx, projectID)
}
