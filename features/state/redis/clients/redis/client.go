// Package redis hosts the Redis client used by the hot state store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/orchestrator/state"
)

const (
	defaultKeyPrefix = "pipeline"
	defaultTTL       = 7 * 24 * time.Hour
	defaultOpTimeout = 5 * time.Second
	defaultScanCount = 200
	stateClientName  = "state-redis"
)

type (
	// Client exposes Redis-backed operations for live pipeline contexts and
	// active-failure records.
	Client interface {
		health.Pinger

		// CreateContext stores pctx under its project key only if absent.
		// Returns state.ErrConflict when a context already exists.
		CreateContext(ctx context.Context, pctx pipeline.Context) error
		// GetContext returns the context for projectID or state.ErrNotFound.
		GetContext(ctx context.Context, projectID string) (pipeline.Context, error)
		// PutContext overwrites the context and refreshes its TTL.
		PutContext(ctx context.Context, pctx pipeline.Context) error
		// DeleteContext removes the context. Missing keys are a no-op.
		DeleteContext(ctx context.Context, projectID string) error
		// ScanProjects returns the project IDs of all live contexts.
		ScanProjects(ctx context.Context) ([]string, error)

		// PutFailure stores the failure record and its project index entry,
		// replacing any prior record for the project.
		PutFailure(ctx context.Context, rec pipeline.FailureRecord) error
		// GetFailure returns the record for failureID or state.ErrNotFound.
		GetFailure(ctx context.Context, failureID string) (pipeline.FailureRecord, error)
		// GetFailureByProject resolves the project index to its record.
		GetFailureByProject(ctx context.Context, projectID string) (pipeline.FailureRecord, error)
		// DeleteFailure removes the record and its index entry.
		DeleteFailure(ctx context.Context, failureID string) error
	}

	// Options configures the Redis state client.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
		// KeyPrefix namespaces all keys. Defaults to "pipeline".
		KeyPrefix string
		// TTL is the advisory retention for context and failure keys. Writes
		// refresh it. Defaults to seven days.
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
	return stateClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

func (c *client) contextKey(projectID string) string {
	return c.prefix + ":state:" + projectID
}

func (c *client) failureKey(failureID string) string {
	return c.prefix + ":failure:" + failureID
}

func (c *client) failureIndexKey(projectID string) string {
	return c.prefix + ":failure:project:" + projectID
}

func (c *client) CreateContext(ctx context.Context, pctx pipeline.Context) error {
	if pctx.ProjectID == "" {
		return errors.New("project id is required")
	}
	payload, err := json.Marshal(pctx)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ok, err := c.redis.SetNX(ctx, c.contextKey(pctx.ProjectID), payload, c.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return state.ErrConflict
	}
	return nil
}

func (c *client) GetContext(ctx context.Context, projectID string) (pipeline.Context, error) {
	if projectID == "" {
		return pipeline.Context{}, errors.New("project id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	payload, err := c.redis.Get(ctx, c.contextKey(projectID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return pipeline.Context{}, state.ErrNotFound
		}
		return pipeline.Context{}, err
	}
	var pctx pipeline.Context
	if err := json.Unmarshal(payload, &pctx); err != nil {
		return pipeline.Context{}, fmt.Errorf("decode context: %w", err)
	}
	return pctx, nil
}

func (c *client) PutContext(ctx context.Context, pctx pipeline.Context) error {
	if pctx.ProjectID == "" {
		return errors.New("project id is required")
	}
	payload, err := json.Marshal(pctx)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Set(ctx, c.contextKey(pctx.ProjectID), payload, c.ttl).Err()
}

func (c *client) DeleteContext(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errors.New("project id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Del(ctx, c.contextKey(projectID)).Err()
}

func (c *client) ScanProjects(ctx context.Context) ([]string, error) {
	pattern := c.prefix + ":state:*"
	keyPrefix := c.prefix + ":state:"
	var (
		ids    []string
		cursor uint64
	)
	for {
		// Scan runs unbounded by the per-op timeout: a full sweep of a large
		// keyspace legitimately takes longer than a single command.
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, defaultScanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (c *client) PutFailure(ctx context.Context, rec pipeline.FailureRecord) error {
	if rec.FailureID == "" {
		return errors.New("failure id is required")
	}
	if rec.ProjectID == "" {
		return errors.New("project id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failure record: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Replace any prior record for the project before writing the new pair.
	prior, err := c.redis.Get(ctx, c.failureIndexKey(rec.ProjectID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return err
	}
	pipe := c.redis.TxPipeline()
	if prior != "" && prior != rec.FailureID {
		pipe.Del(ctx, c.failureKey(prior))
	}
	pipe.Set(ctx, c.failureKey(rec.FailureID), payload, c.ttl)
	pipe.Set(ctx, c.failureIndexKey(rec.ProjectID), rec.FailureID, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *client) GetFailure(ctx context.Context, failureID string) (pipeline.FailureRecord, error) {
	if failureID == "" {
		return pipeline.FailureRecord{}, errors.New("failure id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.getFailureByKey(ctx, c.failureKey(failureID))
}

func (c *client) GetFailureByProject(ctx context.Context, projectID string) (pipeline.FailureRecord, error) {
	if projectID == "" {
		return pipeline.FailureRecord{}, errors.New("project id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	failureID, err := c.redis.Get(ctx, c.failureIndexKey(projectID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return pipeline.FailureRecord{}, state.ErrNotFound
		}
		return pipeline.FailureRecord{}, err
	}
	return c.getFailureByKey(ctx, c.failureKey(failureID))
}

func (c *client) DeleteFailure(ctx context.Context, failureID string) error {
	if failureID == "" {
		return errors.New("failure id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	rec, err := c.getFailureByKey(ctx, c.failureKey(failureID))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	pipe := c.redis.TxPipeline()
	pipe.Del(ctx, c.failureKey(failureID))
	pipe.Del(ctx, c.failureIndexKey(rec.ProjectID))
	_, err = pipe.Exec(ctx)
	return err
}

func (c *client) getFailureByKey(ctx context.Context, key string) (pipeline.FailureRecord, error) {
	payload, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return pipeline.FailureRecord{}, state.ErrNotFound
		}
		return pipeline.FailureRecord{}, err
	}
	var rec pipeline.FailureRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return pipeline.FailureRecord{}, fmt.Errorf("decode failure record: %w", err)
	}
	return rec, nil
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
