// Package pulse provides the Pulse-backed agent job dispatcher. Jobs are
// routed by project ID so a pool worker sees the jobs of one project in
// order, and enqueue throughput is bounded by a token-bucket limiter so a
// recovery storm cannot flood the queue.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	clientspulse "goa.design/pipeline/features/dispatch/pulse/clients/pulse"
	"goa.design/pipeline/orchestrator/dispatch"
	"goa.design/pipeline/telemetry"
)

const (
	defaultRateLimit = 50
	defaultBurst     = 100
)

type (
	// Envelope is the wire form of a queued agent job. Workers decode it,
	// execute the agent and report back through the control surface using
	// the embedded job ID.
	Envelope struct {
		// JobID is assigned at enqueue time.
		JobID string `json:"job_id"`
		// Job is the agent work order.
		Job dispatch.Job `json:"job"`
		// EnqueuedAt records when the envelope was built.
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// DispatcherOptions configures the Pulse dispatcher.
	DispatcherOptions struct {
		// Client is the pool client. Required.
		Client clientspulse.Client
		// Logger receives delayed-dispatch failures. Optional.
		Logger telemetry.Logger
		// RateLimit bounds enqueues per second. Defaults to 50.
		RateLimit rate.Limit
		// Burst is the limiter burst size. Defaults to 100.
		Burst int
	}

	// Dispatcher implements dispatch.Dispatcher over a Pulse worker pool.
	Dispatcher struct {
		client  clientspulse.Client
		logger  telemetry.Logger
		limiter *rate.Limiter
	}
)

// NewDispatcher builds a Dispatcher using the provided options.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Dispatcher{
		client:  opts.Client,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Dispatch enqueues job after delay and returns the assigned job ID. A zero
// delay enqueues synchronously; a positive delay arms an in-process timer, so
// a crash before it fires loses the enqueue and the startup sweeper replays
// the phase once the run goes stale.
func (d *Dispatcher) Dispatch(ctx context.Context, job dispatch.Job, delay time.Duration) (string, error) {
	if job.ProjectID == "" {
		return "", errors.New("project id is required")
	}
	if job.Phase == "" {
		return "", errors.New("phase is required")
	}
	env := Envelope{
		JobID:      uuid.NewString(),
		Job:        job,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	if delay <= 0 {
		if err := d.enqueue(ctx, job.ProjectID, payload); err != nil {
			return "", err
		}
		return env.JobID, nil
	}

	time.AfterFunc(delay, func() {
		ctx := context.Background()
		if err := d.enqueue(ctx, job.ProjectID, payload); err != nil {
			d.logger.Error(ctx, "delayed dispatch failed",
				"project_id", job.ProjectID,
				"phase", string(job.Phase),
				"job_id", env.JobID,
				"err", err)
		}
	})
	return env.JobID, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, key string, payload []byte) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return d.client.DispatchJob(ctx, key, payload)
}
