package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/pipeline/orchestrator/checkpoint"
	"goa.design/pipeline/orchestrator/dispatch"
	"goa.design/pipeline/orchestrator/hooks"
	"goa.design/pipeline/orchestrator/journal"
	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/orchestrator/state"
	"goa.design/pipeline/telemetry"
)

type (
	// MachineOptions configures a Machine. Store, Journal, and Dispatcher are
	// required; the rest default to no-op implementations.
	MachineOptions struct {
		// Store is the hot store holding live pipeline contexts.
		Store state.Store
		// Journal persists transition and recovery history.
		Journal journal.Journal
		// Checkpoints persists phase-boundary snapshots for rollback. Optional;
		// without it rollback degrades to plain retry.
		Checkpoints checkpoint.Store
		// Dispatcher enqueues agent jobs.
		Dispatcher dispatch.Dispatcher
		// Bus receives lifecycle events. Optional.
		Bus hooks.Bus
		// Logger receives structured logs. Optional.
		Logger telemetry.Logger
		// Metrics receives counters and timers. Optional.
		Metrics telemetry.Metrics
		// Config tunes retries, staleness, and pagination. Zero fields take
		// defaults.
		Config Config
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Machine drives pipeline runs through the transition graph: it creates
	// runs, applies transitions with journal-before-state ordering, handles
	// pause/resume, and advances phases on agent completion. All mutations of
	// a project's context are serialized through a per-project lock.
	Machine struct {
		store       state.Store
		journal     journal.Journal
		checkpoints checkpoint.Store
		dispatcher  dispatch.Dispatcher
		bus         hooks.Bus
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		cfg         Config
		locks       *lockTable
		clock       func() time.Time
	}

	// StartOptions parameterizes a new run.
	StartOptions struct {
		// WorkspaceID scopes the run.
		WorkspaceID string
		// StoryID is the optional unit-of-work label.
		StoryID string
		// TriggeredBy is the principal starting the run.
		TriggeredBy string
		// MaxRetries overrides the configured retry budget when positive.
		MaxRetries int
		// Metadata seeds the run's free-form metadata.
		Metadata map[string]string
	}

	// StartResult reports a created run.
	StartResult struct {
		// Context is the context as stored.
		Context pipeline.Context
		// JobID is the planning dispatch's queue job ID, empty when dispatch
		// failed (the sweeper recovers stalled runs).
		JobID string
	}

	// TransitionOptions parameterizes a manual transition.
	TransitionOptions struct {
		// TriggeredBy is the principal requesting the transition.
		TriggeredBy string
		// Reason optionally explains the transition.
		Reason string
		// Metadata is attached to the history row.
		Metadata map[string]string
	}

	// PauseResult reports the states around a pause or resume.
	PauseResult struct {
		// Previous is the state before the operation.
		Previous pipeline.State
		// Current is the state after the operation.
		Current pipeline.State
	}

	// PhaseResult is an agent's completion report for a phase.
	PhaseResult struct {
		// AgentID identifies the reporting agent job.
		AgentID string
		// Rework requests a loop back to implementing (QA phase only).
		Rework bool
		// Details optionally summarizes the agent's output.
		Details string
	}

	// PhaseOutcome reports the effect of a phase-completion callback.
	PhaseOutcome struct {
		// Applied is false when the callback was a duplicate and had no effect.
		Applied bool
		// State is the pipeline state after the callback.
		State pipeline.State
		// JobID is the next phase's dispatch job ID, when one was enqueued.
		JobID string
	}
)

// NewMachine constructs a Machine from opts.
func NewMachine(opts MachineOptions) (*Machine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Bus == nil {
		opts.Bus = hooks.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{
		store:       opts.Store,
		journal:     opts.Journal,
		checkpoints: opts.Checkpoints,
		dispatcher:  opts.Dispatcher,
		bus:         opts.Bus,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		cfg:         opts.Config.withDefaults(),
		locks:       newLockTable(),
		clock:       opts.Clock,
	}, nil
}

// Start creates a new run for projectID in the planning state and dispatches
// the planning agent. Returns ConflictError when a run is already active.
func (m *Machine) Start(ctx context.Context, projectID string, opts StartOptions) (StartResult, error) {
	now := m.clock()
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.cfg.MaxRetries
	}
	agentType := m.cfg.primaryAgent(pipeline.PhasePlanning)
	pctx := pipeline.Context{
		ProjectID:       projectID,
		WorkspaceID:     opts.WorkspaceID,
		WorkflowID:      uuid.NewString(),
		CurrentState:    pipeline.StatePlanning,
		PreviousState:   pipeline.StateIdle,
		StateEnteredAt:  now,
		ActiveAgentType: agentType,
		StoryID:         opts.StoryID,
		MaxRetries:      maxRetries,
		Metadata:        cloneMeta(opts.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	release, err := m.locks.acquire(ctx, projectID)
	if err != nil {
		return StartResult{}, err
	}
	if err := m.store.Create(ctx, pctx); err != nil {
		release()
		if errors.Is(err, state.ErrConflict) {
			return StartResult{}, conflictf("pipeline already active for project %q", projectID)
		}
		return StartResult{}, fmt.Errorf("create context: %w", err)
	}
	entry := m.historyEntry(pctx, pipeline.StateIdle, pipeline.StatePlanning, opts.TriggeredBy, "pipeline started", nil)
	if err := m.journal.AppendTransition(ctx, entry); err != nil {
		if derr := m.store.Delete(ctx, projectID); derr != nil {
			m.logger.Error(ctx, "orphaned context after journal failure", "project_id", projectID, "error", derr)
		}
		release()
		return StartResult{}, fmt.Errorf("journal start transition: %w", err)
	}
	release()

	m.publish(ctx, hooks.NewStartedEvent(projectID, pctx.WorkspaceID, pctx.WorkflowID, opts.TriggeredBy))
	m.publish(ctx, hooks.NewStateChangedEvent(projectID, pctx.WorkspaceID, pctx.WorkflowID, pipeline.StateIdle, pipeline.StatePlanning, opts.TriggeredBy, "pipeline started"))
	m.metrics.IncCounter("pipeline.started", 1, "workspace:"+pctx.WorkspaceID)

	jobID := m.dispatchPhase(ctx, pctx, pipeline.PhasePlanning, agentType, 1, 0)
	return StartResult{Context: pctx, JobID: jobID}, nil
}

// GetState returns the live context for projectID.
func (m *Machine) GetState(ctx context.Context, projectID string) (pipeline.Context, error) {
	pctx, err := m.store.Load(ctx, projectID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return pipeline.Context{}, notFound("pipeline", projectID)
		}
		return pipeline.Context{}, err
	}
	return pctx, nil
}

// History returns a page of the project's transition history, newest first.
// The page limit is capped by the configured history page cap.
func (m *Machine) History(ctx context.Context, projectID, workspaceID string, page journal.Page) (journal.TransitionPage, error) {
	if page.Limit > m.cfg.HistoryPageCap {
		page.Limit = m.cfg.HistoryPageCap
	}
	return m.journal.ListTransitions(ctx, projectID, workspaceID, page)
}

// Transition applies an explicit transition to the given state. Used for
// operator-driven state changes; agent-driven advancement goes through
// OnPhaseComplete.
func (m *Machine) Transition(ctx context.Context, projectID string, to pipeline.State, opts TransitionOptions) (pipeline.Context, error) {
	release, err := m.locks.acquire(ctx, projectID)
	if err != nil {
		return pipeline.Context{}, err
	}
	pctx, err := m.load(ctx, projectID)
	if err != nil {
		release()
		return pipeline.Context{}, err
	}
	from := pctx.CurrentState
	updated, err := m.transitionLocked(ctx, pctx, to, opts.TriggeredBy, opts.Reason, opts.Metadata, nil)
	release()
	if err != nil {
		return pipeline.Context{}, err
	}
	m.publishTransition(ctx, updated, from, to, opts.TriggeredBy, opts.Reason)
	return updated, nil
}

// Pause suspends an active run. The in-flight agent, if any, is not canceled;
// its completion callback is absorbed while paused and replayed on resume
// via re-dispatch.
func (m *Machine) Pause(ctx context.Context, projectID, triggeredBy string) (PauseResult, error) {
	release, err := m.locks.acquire(ctx, projectID)
	if err != nil {
		return PauseResult{}, err
	}
	pctx, err := m.load(ctx, projectID)
	if err != nil {
		release()
		return PauseResult{}, err
	}
	prior := pctx.CurrentState
	if !prior.Pausable() {
		release()
		return PauseResult{}, conflictf("pipeline in state %q cannot be paused", prior)
	}
	updated, err := m.transitionLocked(ctx, pctx, pipeline.StatePaused, triggeredBy, "paused by user", nil, nil)
	release()
	if err != nil {
		return PauseResult{}, err
	}
	m.publish(ctx, hooks.NewPausedEvent(projectID, updated.WorkspaceID, updated.WorkflowID, prior))
	m.publish(ctx, hooks.NewStateChangedEvent(projectID, updated.WorkspaceID, updated.WorkflowID, prior, pipeline.StatePaused, triggeredBy, "paused by user"))
	m.metrics.IncCounter("pipeline.paused", 1)
	return PauseResult{Previous: prior, Current: pipeline.StatePaused}, nil
}

// Resume returns a paused run to the state it held before the pause. When no
// agent survived the pause, the phase is re-dispatched.
func (m *Machine) Resume(ctx context.Context, projectID, triggeredBy string) (PauseResult, error) {
	release, err := m.locks.acquire(ctx, projectID)
	if err != nil {
		return PauseResult{}, err
	}
	pctx, err := m.load(ctx, projectID)
	if err != nil {
		release()
		return PauseResult{}, err
	}
	if pctx.CurrentState != pipeline.StatePaused {
		release()
		return PauseResult{}, conflictf("pipeline in state %q is not paused", pctx.CurrentState)
	}
	restored := pctx.PreviousState
	if !pipeline.CanTransition(pipeline.StatePaused, restored) {
		release()
		return PauseResult{}, conflictf("paused pipeline has no restorable state (previous %q)", restored)
	}
	updated, err := m.transitionLocked(ctx, pctx, restored, triggeredBy, "resumed by user", nil, nil)
	release()
	if err != nil {
		return PauseResult{}, err
	}
	m.publish(ctx, hooks.NewResumedEvent(projectID, updated.WorkspaceID, updated.WorkflowID, restored))
	m.publish(ctx, hooks.NewStateChangedEvent(projectID, updated.WorkspaceID, updated.WorkflowID, pipeline.StatePaused, restored, triggeredBy, "resumed by user"))
	m.metrics.IncCounter("pipeline.resumed", 1)

	if phase, ok := restored.Phase(); ok && updated.ActiveAgentID == "" {
		agentType := updated.ActiveAgentType
		if agentType == "" {
			agentType = m.cfg.primaryAgent(phase)
		}
		m.dispatchPhase(ctx, updated, phase, agentType, updated.RetryCount+1, 0)
	}
	return PauseResult{Previous: pipeline.StatePaused, Current: restored}, nil
}

// OnPhaseComplete handles an agent's completion callback for phase. Duplicate
// callbacks (context already past the phase's entry state) are absorbed with
// Applied false and no side effects.
func (m *Machine) OnPhaseComplete(ctx context.Context, projectID string, phase pipeline.Phase, result PhaseResult) (PhaseOutcome, error) {
	entry, ok := pipeline.EntryState(phase)
	if !ok {
		return PhaseOutcome{}, badRequestf("unknown phase %q", phase)
	}
	next, _ := pipeline.NextState(phase, result.Rework)

	release, err := m.locks.acquire(ctx, projectID)
	if err != nil {
		return PhaseOutcome{}, err
	}
	pctx, err := m.load(ctx, projectID)
	if err != nil {
		release()
		return PhaseOutcome{}, err
	}
	if pctx.CurrentState != entry {
		release()
		m.logger.Debug(ctx, "duplicate phase completion absorbed",
			"project_id", projectID, "phase", string(phase), "current_state", string(pctx.CurrentState))
		return PhaseOutcome{Applied: false, State: pctx.CurrentState}, nil
	}

	triggeredBy := "agent:" + pctx.ActiveAgentType
	reason := result.Details
	if reason == "" {
		reason = fmt.Sprintf("phase %s completed", phase)
	}
	updated, err := m.transitionLocked(ctx, pctx, next, triggeredBy, reason, nil, func(c *pipeline.Context) {
		c.ActiveAgentID = ""
		c.ActiveAgentType = ""
	})
	release()
	if err != nil {
		return PhaseOutcome{}, err
	}

	m.publish(ctx, hooks.NewPhaseCompletedEvent(projectID, updated.WorkspaceID, updated.WorkflowID, phase, next))
	m.publishTransition(ctx, updated, entry, next, triggeredBy, reason)
	m.metrics.IncCounter("pipeline.phase_completed", 1, "phase:"+string(phase))

	outcome := PhaseOutcome{Applied: true, State: next}
	if nextPhase, ok := next.Phase(); ok {
		agentType := m.cfg.primaryAgent(nextPhase)
		outcome.JobID = m.dispatchPhase(ctx, updated, nextPhase, agentType, 1, 0)
	}
	return outcome, nil
}

// load translates store sentinels into the public error taxonomy.
func (m *Machine) load(ctx context.Context, projectID string) (pipeline.Context, error) {
	pctx, err := m.store.Load(ctx, projectID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return pipeline.Context{}, notFound("pipeline", projectID)
		}
		return pipeline.Context{}, err
	}
	return pctx, nil
}

// transitionLocked applies a single transition under the caller-held project
// lock: validate the edge, append the history row, then mutate the hot store.
// Terminal targets delete the context and its checkpoints instead of updating.
// extra, when non-nil, is applied to the context after the state fields.
func (m *Machine) transitionLocked(ctx context.Context, pctx pipeline.Context, to pipeline.State, triggeredBy, reason string, meta map[string]string, extra func(*pipeline.Context)) (pipeline.Context, error) {
	from := pctx.CurrentState
	if !pipeline.CanTransition(from, to) {
		return pipeline.Context{}, &InvalidTransitionError{From: from, To: to}
	}
	now := m.clock()
	entry := m.historyEntry(pctx, from, to, triggeredBy, reason, meta)
	if err := m.journal.AppendTransition(ctx, entry); err != nil {
		return pipeline.Context{}, fmt.Errorf("journal transition %s -> %s: %w", from, to, err)
	}

	if to.Terminal() {
		if err := m.store.Delete(ctx, pctx.ProjectID); err != nil {
			return pipeline.Context{}, fmt.Errorf("delete terminal context: %w", err)
		}
		if m.checkpoints != nil {
			if err := m.checkpoints.DeleteAll(ctx, pctx.ProjectID); err != nil {
				m.logger.Warn(ctx, "checkpoint cleanup failed", "project_id", pctx.ProjectID, "error", err)
			}
		}
		done := pctx.Clone()
		done.PreviousState = from
		done.CurrentState = to
		done.StateEnteredAt = now
		done.UpdatedAt = now
		return done, nil
	}

	updated, err := m.store.Update(ctx, pctx.ProjectID, func(c *pipeline.Context) {
		c.PreviousState = from
		c.CurrentState = to
		c.StateEnteredAt = now
		if extra != nil {
			extra(c)
		}
	})
	if err != nil {
		return pipeline.Context{}, fmt.Errorf("update context %s -> %s: %w", from, to, err)
	}

	if phase, ok := to.Phase(); ok && phase != pipeline.PhasePlanning {
		m.saveCheckpoint(ctx, updated, phase)
	}
	return updated, nil
}

// saveCheckpoint snapshots the context on entry to a non-initial phase.
// Checkpoint failures are logged, not fatal: rollback degrades to retry.
func (m *Machine) saveCheckpoint(ctx context.Context, pctx pipeline.Context, phase pipeline.Phase) {
	if m.checkpoints == nil {
		return
	}
	cp := pipeline.Checkpoint{
		ID:        uuid.NewString(),
		ProjectID: pctx.ProjectID,
		Phase:     phase,
		Snapshot:  pctx.Clone(),
		CreatedAt: m.clock(),
	}
	if err := m.checkpoints.Save(ctx, cp); err != nil {
		m.logger.Warn(ctx, "checkpoint save failed",
			"project_id", pctx.ProjectID, "phase", string(phase), "error", err)
	}
}

// dispatchPhase enqueues the phase's agent job and records the assigned job ID
// on the context. Dispatch failures never roll back the transition that led
// here; they are logged and left to the stale sweeper.
func (m *Machine) dispatchPhase(ctx context.Context, pctx pipeline.Context, phase pipeline.Phase, agentType string, attempt int, delay time.Duration) string {
	job := dispatch.Job{
		ProjectID:   pctx.ProjectID,
		WorkspaceID: pctx.WorkspaceID,
		WorkflowID:  pctx.WorkflowID,
		Phase:       phase,
		AgentType:   agentType,
		StoryID:     pctx.StoryID,
		Attempt:     attempt,
		Metadata:    cloneMeta(pctx.Metadata),
	}
	jobID, err := m.dispatcher.Dispatch(ctx, job, delay)
	if err != nil {
		m.logger.Error(ctx, "agent dispatch failed",
			"project_id", pctx.ProjectID, "phase", string(phase), "agent_type", agentType, "error", err)
		m.metrics.IncCounter("pipeline.dispatch_failed", 1, "phase:"+string(phase))
		return ""
	}
	m.recordAgent(ctx, pctx.ProjectID, phase, jobID, agentType)
	m.metrics.IncCounter("pipeline.dispatched", 1, "phase:"+string(phase), "agent_type:"+agentType)
	return jobID
}

// recordAgent stores the dispatched job's ID on the context, skipping the
// write when the pipeline moved on while the dispatch was in flight.
func (m *Machine) recordAgent(ctx context.Context, projectID string, phase pipeline.Phase, jobID, agentType string) {
	release, err := m.locks.acquire(ctx, projectID)
	if err != nil {
		return
	}
	defer release()
	entry, _ := pipeline.EntryState(phase)
	_, err = m.store.Update(ctx, projectID, func(c *pipeline.Context) {
		if c.CurrentState != entry {
			return
		}
		c.ActiveAgentID = jobID
		c.ActiveAgentType = agentType
	})
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		m.logger.Warn(ctx, "recording dispatched agent failed", "project_id", projectID, "error", err)
	}
}

func (m *Machine) historyEntry(pctx pipeline.Context, from, to pipeline.State, triggeredBy, reason string, meta map[string]string) pipeline.HistoryEntry {
	return pipeline.HistoryEntry{
		ID:            uuid.NewString(),
		ProjectID:     pctx.ProjectID,
		WorkspaceID:   pctx.WorkspaceID,
		WorkflowID:    pctx.WorkflowID,
		PreviousState: from,
		NewState:      to,
		TriggeredBy:   triggeredBy,
		Reason:        reason,
		Metadata:      cloneMeta(meta),
		CreatedAt:     m.clock(),
	}
}

// publishTransition emits the stateChanged event plus the terminal event the
// target state implies, if any.
func (m *Machine) publishTransition(ctx context.Context, pctx pipeline.Context, from, to pipeline.State, triggeredBy, reason string) {
	m.publish(ctx, hooks.NewStateChangedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, from, to, triggeredBy, reason))
	switch to {
	case pipeline.StateComplete:
		m.publish(ctx, hooks.NewCompletedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID))
		m.metrics.IncCounter("pipeline.completed", 1)
	case pipeline.StateFailed:
		m.publish(ctx, hooks.NewAbortedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, reason))
		m.metrics.IncCounter("pipeline.aborted", 1)
	}
}

// publish delivers an event and logs subscriber errors. Events never affect
// pipeline progress.
func (m *Machine) publish(ctx context.Context, event hooks.Event) {
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Warn(ctx, "event subscriber error", "event", string(event.Type()), "error", err)
	}
}

func cloneMeta(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
