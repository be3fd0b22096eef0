// Package redis hosts the Redis client used by the checkpoint store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"goa.design/pipeline/orchestrator/pipeline"
)

const (
	defaultKeyPrefix     = "pipeline"
	defaultTTL           = 7 * 24 * time.Hour
	defaultOpTimeout     = 5 * time.Second
	defaultScanCount     = 200
	checkpointClientName = "checkpoint-redis"
)

type (
	// Client exposes Redis-backed operations for phase-boundary checkpoints.
	Client interface {
		health.Pinger

		// SaveCheckpoint stores cp under its (project, phase) key, replacing
		// any prior snapshot.
		SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error
		// LoadCheckpoint returns the checkpoint for (projectID, phase) and
		// true, or false when none exists.
		LoadCheckpoint(ctx context.Context, projectID string, phase pipeline.Phase) (pipeline.Checkpoint, bool, error)
		// DeleteCheckpoints removes every checkpoint for the project.
		DeleteCheckpoints(ctx context.Context, projectID string) error
	}

	// Options configures the Redis checkpoint client.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
		// KeyPrefix namespaces all keys. Defaults to "pipeline".
		KeyPrefix string
		// TTL is the advisory retention for checkpoint keys.
		TTL time.Duration
		// Timeout bounds individual Redis operations.
		Timeout time.Duration
	}

	client struct {
		redis   *goredis.Client
		prefix  string
		ttl     time.Duration
		timeout time.Duration
	}
)

// New returns a Client backed by Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{redis: opts.Redis, prefix: prefix, ttl: ttl, timeout: timeout}, nil
}

func (c *client) Name() string {
	return checkpointClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

func (c *client) key(projectID string, phase pipeline.Phase) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s", c.prefix, projectID, phase)
}

func (c *client) SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error {
	if cp.ProjectID == "" {
		return errors.New("project id is required")
	}
	if cp.Phase == "" {
		return errors.New("phase is required")
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Set(ctx, c.key(cp.ProjectID, cp.Phase), payload, c.ttl).Err()
}

func (c *client) LoadCheckpoint(ctx context.Context, projectID string, phase pipeline.Phase) (pipeline.Checkpoint, bool, error) {
	if projectID == "" {
		return pipeline.Checkpoint{}, false, errors.New("project id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	payload, err := c.redis.Get(ctx, c.key(projectID, phase)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return pipeline.Checkpoint{}, false, nil
		}
		return pipeline.Checkpoint{}, false, err
	}
	var cp pipeline.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return pipeline.Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

func (c *client) DeleteCheckpoints(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errors.New("project id is required")
	}
	pattern := fmt.Sprintf("%s:checkpoint:%s:*", c.prefix, projectID)
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, defaultScanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
