package orchestrator

import (
	"context"
	"sync"
)

// lockTable serializes mutations per project. Each project gets a
// single-permit semaphore; entries are reference counted and reaped when the
// last holder releases.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*projectLock)}
}

// acquire blocks until the project lock is held or ctx is done. The returned
// release function must be called exactly once.
func (t *lockTable) acquire(ctx context.Context, projectID string) (func(), error) {
	t.mu.Lock()
	pl, ok := t.locks[projectID]
	if !ok {
		pl = &projectLock{sem: make(chan struct{}, 1)}
		t.locks[projectID] = pl
	}
	pl.refs++
	t.mu.Unlock()

	select {
	case pl.sem <- struct{}{}:
	case <-ctx.Done():
		t.put(projectID, pl)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-pl.sem
			t.put(projectID, pl)
		})
	}
	return release, nil
}

func (t *lockTable) put(projectID string, pl *projectLock) {
	t.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(t.locks, projectID)
	}
	t.mu.Unlock()
}
