// Package pulse hosts the Pulse pool client used by the agent job dispatcher.
// Callers build a Redis client, pass it to New, and receive a typed interface
// exposing only the operations the dispatcher needs.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"

	"goa.design/clue/health"
)

const (
	defaultPoolName     = "pipeline-agents"
	dispatchClientName  = "dispatch-pulse"
	defaultDispatchTime = 10 * time.Second
)

type (
	// Client exposes the subset of Pulse pool APIs required by the dispatcher.
	Client interface {
		health.Pinger

		// DispatchJob routes the payload to a pool worker by key. Jobs with
		// the same key land on the same worker.
		DispatchJob(ctx context.Context, key string, payload []byte) error
		// Close removes this node from the pool and releases its resources.
		Close(ctx context.Context) error
	}

	// Options configures the Pulse pool client.
	Options struct {
		// Redis is the Redis connection backing the pool. Required.
		Redis *goredis.Client
		// PoolName names the worker pool. Nodes and workers sharing a name
		// and Redis connection form a cluster. Defaults to "pipeline-agents".
		PoolName string
		// NodeOptions are additional options for the Pulse pool node.
		NodeOptions []pool.NodeOption
		// Timeout bounds individual dispatch operations.
		Timeout time.Duration
	}

	client struct {
		redis   *goredis.Client
		node    *pool.Node
		timeout time.Duration
	}
)

// New joins the worker pool and returns a Client. The caller owns the Redis
// connection; Close leaves the pool but does not close Redis.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	poolName := opts.PoolName
	if poolName == "" {
		poolName = defaultPoolName
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTime
	}
	node, err := pool.AddNode(ctx, poolName, opts.Redis, opts.NodeOptions...)
	if err != nil {
		return nil, fmt.Errorf("add pool node: %w", err)
	}
	return &client{redis: opts.Redis, node: node, timeout: timeout}, nil
}

func (c *client) Name() string {
	return dispatchClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

func (c *client) DispatchJob(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return errors.New("job key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.node.DispatchJob(ctx, key, payload); err != nil {
		return fmt.Errorf("pulse dispatch: %w", err)
	}
	return nil
}

func (c *client) Close(ctx context.Context) error {
	return c.node.Close(ctx)
}
