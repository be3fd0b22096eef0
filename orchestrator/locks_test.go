package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableSerializesPerProject(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	release, err := table.acquire(ctx, "p1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := table.acquire(ctx, "p1")
		if err == nil {
			r2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire must proceed after release")
	}
}

func TestLockTableIndependentProjects(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	r1, err := table.acquire(ctx, "p1")
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := table.acquire(ctx, "p2")
		if err == nil {
			r2()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different projects must not contend")
	}
}

func TestLockTableHonorsContextCancellation(t *testing.T) {
	table := newLockTable()
	release, err := table.acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = table.acquire(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockTableReapsEntries(t *testing.T) {
	table := newLockTable()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.acquire(ctx, "p1")
			if err != nil {
				return
			}
			release()
		}()
	}
	wg.Wait()

	table.mu.Lock()
	defer table.mu.Unlock()
	assert.Empty(t, table.locks, "released locks must be reaped")
}

func TestLockTableReleaseIdempotent(t *testing.T) {
	table := newLockTable()
	release, err := table.acquire(context.Background(), "p1")
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	r2, err := table.acquire(context.Background(), "p1")
	require.NoError(t, err)
	r2()
}
