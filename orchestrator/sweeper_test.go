package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline/orchestrator/hooks"
	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/orchestrator/state"
)

type stubProber struct{ alive bool }

func (p stubProber) Alive(context.Context, string) bool { return p.alive }

func seedContext(t *testing.T, f *fixture, projectID string, st pipeline.State, enteredAt time.Time, agentID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(context.Background(), pipeline.Context{
		ProjectID:      projectID,
		WorkspaceID:    "ws1",
		WorkflowID:     "wf-" + projectID,
		CurrentState:   st,
		PreviousState:  pipeline.StateIdle,
		StateEnteredAt: enteredAt,
		ActiveAgentID:  agentID,
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
}

func TestSweepEmptyStore(t *testing.T) {
	f := newFixture(t)
	summary, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{}, summary)
	assert.True(t, f.events.has(hooks.EventSweepCompleted))
}

func TestSweepLeavesFreshContextsAlone(t *testing.T) {
	f := newFixture(t)
	f.start(t, "p1", StartOptions{})

	summary, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Zero(t, summary.Stale)
	assert.Zero(t, summary.Recovered)
	assert.Len(t, f.dispatcher.Jobs(), 1, "fresh pipelines must not be re-dispatched")
}

func TestSweepReconcilesTerminalLeftover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedContext(t, f, "p1", pipeline.StateComplete, time.Now().UTC(), "")

	summary, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Recovered)

	_, err = f.store.Load(ctx, "p1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestSweepHandsStaleContextToRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	seedContext(t, f, "p1", pipeline.StatePlanning, old, "dead-agent")

	summary, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stale)

	pctx, err := f.store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, pctx.RetryCount, "stalled recovery consumes a retry")
	assert.True(t, pctx.StateEnteredAt.After(old), "recovery resets the stale clock")

	entries, err := f.journal.ListRecoveries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pipeline.FailureStalled, entries[0].FailureType)
}

func TestSweepReplayHasNoAdditionalEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedContext(t, f, "p1", pipeline.StatePlanning, time.Now().UTC().Add(-time.Hour), "dead-agent")

	_, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	jobs := len(f.dispatcher.Jobs())

	summary, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Stale)
	assert.Len(t, f.dispatcher.Jobs(), jobs, "replay must not dispatch again")
}

func TestSweepSkipsPausedAndEscalated(t *testing.T) {
	f := newFixture(t)
	old := time.Now().UTC().Add(-time.Hour)
	seedContext(t, f, "p1", pipeline.StatePaused, old, "")
	seedContext(t, f, "p2", pipeline.StateAwaitingManual, old, "")

	summary, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Zero(t, summary.Stale, "blocked control states wait on humans, not agents")
}

func TestSweepTrustsLiveAgents(t *testing.T) {
	f := newFixture(t)
	sweeper, err := NewSweeper(SweeperOptions{Machine: f.machine, Engine: f.engine, Prober: stubProber{alive: true}})
	require.NoError(t, err)
	seedContext(t, f, "p1", pipeline.StatePlanning, time.Now().UTC().Add(-time.Hour), "agent-1")

	summary, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Stale)
}
