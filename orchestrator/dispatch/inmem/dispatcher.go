// Package inmem provides a recording dispatch.Dispatcher for tests. Jobs are
// captured in memory instead of being enqueued; tests inspect the recorded
// sequence to assert dispatch behavior.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pipeline/orchestrator/dispatch"
)

type (
	// Dispatched captures one Dispatch call.
	Dispatched struct {
		Job   dispatch.Job
		Delay time.Duration
	}

	// Dispatcher implements dispatch.Dispatcher by recording jobs. Thread-safe.
	Dispatcher struct {
		mu   sync.Mutex
		jobs []Dispatched
		err  error
	}
)

// New constructs an empty recording Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// FailWith makes subsequent Dispatch calls return err. Pass nil to restore
// normal recording.
func (d *Dispatcher) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dispatch records the job and returns a synthetic job ID.
func (d *Dispatcher) Dispatch(_ context.Context, job dispatch.Job, delay time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.jobs = append(d.jobs, Dispatched{Job: job, Delay: delay})
	return fmt.Sprintf("job-%d", len(d.jobs)), nil
}

// Jobs returns a copy of the recorded dispatches in order.
func (d *Dispatcher) Jobs() []Dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Dispatched, len(d.jobs))
	copy(out, d.jobs)
	return out
}

// Reset clears recorded dispatches.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = nil
}
