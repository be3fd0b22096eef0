package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	checkpointinmem "goa.design/pipeline/orchestrator/checkpoint/inmem"
	dispatchinmem "goa.design/pipeline/orchestrator/dispatch/inmem"
	"goa.design/pipeline/orchestrator/hooks"
	journalinmem "goa.design/pipeline/orchestrator/journal/inmem"
	"goa.design/pipeline/orchestrator/pipeline"
	stateinmem "goa.design/pipeline/orchestrator/state/inmem"
)

// fixture wires a machine, engine, sweeper, and service over in-memory
// backends with an event recorder on the bus.
type fixture struct {
	store       *stateinmem.Store
	failures    *stateinmem.FailureStore
	journal     *journalinmem.Journal
	checkpoints *checkpointinmem.Store
	dispatcher  *dispatchinmem.Dispatcher
	bus         hooks.Bus
	events      *eventRecorder
	machine     *Machine
	engine      *Engine
	sweeper     *Sweeper
	service     *Service
}

type fixtureOption func(*MachineOptions)

func withConfig(cfg Config) fixtureOption {
	return func(o *MachineOptions) { o.Config = cfg }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:       stateinmem.New(),
		failures:    stateinmem.NewFailureStore(),
		journal:     journalinmem.New(),
		checkpoints: checkpointinmem.New(),
		dispatcher:  dispatchinmem.New(),
		bus:         hooks.NewBus(),
		events:      &eventRecorder{},
	}
	_, err := f.bus.Register(f.events)
	require.NoError(t, err)

	mopts := MachineOptions{
		Store:       f.store,
		Journal:     f.journal,
		Checkpoints: f.checkpoints,
		Dispatcher:  f.dispatcher,
		Bus:         f.bus,
	}
	for _, opt := range opts {
		opt(&mopts)
	}
	f.machine, err = NewMachine(mopts)
	require.NoError(t, err)
	f.engine, err = NewEngine(EngineOptions{Machine: f.machine, Failures: f.failures})
	require.NoError(t, err)
	f.sweeper, err = NewSweeper(SweeperOptions{Machine: f.machine, Engine: f.engine})
	require.NoError(t, err)
	f.service, err = NewService(ServiceOptions{Machine: f.machine, Engine: f.engine})
	require.NoError(t, err)
	return f
}

// start creates a run for the project and returns its context as stored.
func (f *fixture) start(t *testing.T, projectID string, opts StartOptions) pipeline.Context {
	t.Helper()
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = "ws1"
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "user:u1"
	}
	_, err := f.machine.Start(context.Background(), projectID, opts)
	require.NoError(t, err)
	pctx, err := f.store.Load(context.Background(), projectID)
	require.NoError(t, err)
	return pctx
}

// advance drives the run through completed phases in order.
func (f *fixture) advance(t *testing.T, projectID string, phases ...pipeline.Phase) {
	t.Helper()
	for _, phase := range phases {
		out, err := f.machine.OnPhaseComplete(context.Background(), projectID, phase, PhaseResult{})
		require.NoError(t, err)
		require.True(t, out.Applied, "phase %s completion must apply", phase)
	}
}

// eventRecorder captures published events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *eventRecorder) HandleEvent(_ context.Context, event hooks.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []hooks.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

func (r *eventRecorder) has(t hooks.EventType) bool {
	for _, et := range r.types() {
		if et == t {
			return true
		}
	}
	return false
}

// failingJournal wraps the in-memory journal and fails appends on demand.
type failingJournal struct {
	*journalinmem.Journal
	appendErr error
}

func (j *failingJournal) AppendTransition(ctx context.Context, entry pipeline.HistoryEntry) error {
	if j.appendErr != nil {
		return j.appendErr
	}
	return j.Journal.AppendTransition(ctx, entry)
}
