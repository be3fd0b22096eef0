package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/pipeline/orchestrator/hooks"
	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/orchestrator/state"
)

type (
	// EngineOptions configures a recovery Engine.
	EngineOptions struct {
		// Machine is the state machine the engine drives transitions through.
		Machine *Machine
		// Failures stores transient active-failure records awaiting override.
		Failures state.FailureStore
	}

	// Engine classifies reported failures, selects and executes a recovery
	// strategy, and handles manual overrides of escalated pipelines. It shares
	// the Machine's per-project locks so context mutations stay single-writer.
	Engine struct {
		m        *Machine
		failures state.FailureStore
	}

	// FailureReport describes a failure observed by a worker, the runtime, or
	// the sweeper.
	FailureReport struct {
		// ProjectID identifies the failing pipeline.
		ProjectID string
		// FailureType classifies the failure.
		FailureType pipeline.FailureType
		// Severity grades the failure. Defaults to low.
		Severity pipeline.Severity
		// Details carries free-form diagnostics.
		Details string
	}

	// RecoveryResult reports the outcome of a failure report or override.
	RecoveryResult struct {
		// FailureID keys the recovery history row, empty when the report was a
		// no-op.
		FailureID string
		// Strategy is the strategy executed.
		Strategy pipeline.Strategy
		// Success reports whether the strategy executed without error.
		Success bool
		// RetryCount is the run's retry count after recovery.
		RetryCount int
		// State is the pipeline state after recovery.
		State pipeline.State
		// Message summarizes the outcome for callers.
		Message string
	}

	// OverrideAction is a human-selected resolution for an escalated failure.
	OverrideAction string

	// OverrideRequest resolves an escalated failure.
	OverrideRequest struct {
		// FailureID keys the active failure record.
		FailureID string
		// WorkspaceID must match the record's workspace.
		WorkspaceID string
		// UserID identifies the overriding principal.
		UserID string
		// Action selects the resolution.
		Action OverrideAction
		// Guidance is stored in run metadata for ActionProvideGuidance.
		Guidance string
		// ReassignTo names the agent type for ActionReassign. Must be one of
		// the phase's configured agent types.
		ReassignTo string
	}

	// RecoveryStatus summarizes a project's failure and recovery situation.
	RecoveryStatus struct {
		// ProjectID identifies the pipeline.
		ProjectID string
		// State is the live context's state, empty when none exists.
		State pipeline.State
		// ActiveFailure is the unresolved failure record, if any.
		ActiveFailure *pipeline.FailureRecord
		// IsEscalated reports whether the run awaits manual override.
		IsEscalated bool
		// RetryCount is the run's retry count.
		RetryCount int
		// MaxRetries is the run's retry budget.
		MaxRetries int
		// History lists past recovery attempts, newest first.
		History []pipeline.RecoveryEntry
	}
)

const (
	// ActionRetry re-dispatches the current phase without consuming a retry.
	ActionRetry OverrideAction = "retry"
	// ActionRollback restores the last checkpoint and re-dispatches.
	ActionRollback OverrideAction = "rollback"
	// ActionReassign dispatches the requested agent type for the phase.
	ActionReassign OverrideAction = "reassign"
	// ActionProvideGuidance injects guidance into run metadata, then retries.
	ActionProvideGuidance OverrideAction = "provide_guidance"
	// ActionTerminate aborts the run.
	ActionTerminate OverrideAction = "terminate"
)

// ValidOverrideAction reports whether a is a known override action.
func ValidOverrideAction(a OverrideAction) bool {
	switch a {
	case ActionRetry, ActionRollback, ActionReassign, ActionProvideGuidance, ActionTerminate:
		return true
	}
	return false
}

// NewEngine constructs a recovery Engine from opts.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if opts.Failures == nil {
		return nil, fmt.Errorf("failure store is required")
	}
	return &Engine{m: opts.Machine, failures: opts.Failures}, nil
}

// HandleFailure classifies the reported failure, records a recovery history
// row, executes the selected strategy, and completes the row with the outcome.
// Reports for absent or terminal pipelines, and for pipelines already awaiting
// manual override, are absorbed as no-ops.
func (e *Engine) HandleFailure(ctx context.Context, report FailureReport) (RecoveryResult, error) {
	if !pipeline.ValidFailureType(report.FailureType) {
		return RecoveryResult{}, badRequestf("unknown failure type %q", report.FailureType)
	}
	if report.Severity == "" {
		report.Severity = pipeline.SeverityLow
	}
	if !pipeline.ValidSeverity(report.Severity) {
		return RecoveryResult{}, badRequestf("unknown severity %q", report.Severity)
	}

	release, err := e.m.locks.acquire(ctx, report.ProjectID)
	if err != nil {
		return RecoveryResult{}, err
	}
	pctx, err := e.m.store.Load(ctx, report.ProjectID)
	if err != nil {
		release()
		if errors.Is(err, state.ErrNotFound) {
			return RecoveryResult{Success: true, Message: "pipeline no longer active"}, nil
		}
		return RecoveryResult{}, err
	}

	if pctx.CurrentState == pipeline.StateAwaitingManual {
		release()
		return RecoveryResult{
			Success:    true,
			RetryCount: pctx.RetryCount,
			State:      pipeline.StateAwaitingManual,
			Message:    "pipeline already awaiting manual override",
		}, nil
	}

	failureID := uuid.NewString()
	severity := raisedSeverity(report.Severity, pctx.RetryCount)
	entry := pipeline.RecoveryEntry{
		ID:               uuid.NewString(),
		ProjectID:        pctx.ProjectID,
		WorkspaceID:      pctx.WorkspaceID,
		FailureID:        failureID,
		FailureType:      report.FailureType,
		Severity:         severity,
		Strategy:         pipeline.StrategyPending,
		RetryCountBefore: pctx.RetryCount,
		Details:          report.Details,
		CreatedAt:        e.m.clock(),
	}
	if err := e.m.journal.AppendRecovery(ctx, entry); err != nil {
		release()
		return RecoveryResult{}, fmt.Errorf("journal recovery attempt: %w", err)
	}

	strategy := e.classify(report, pctx)
	result, events, execErr := e.execute(ctx, pctx, strategy, failureID, report, severity)
	release()

	for _, evt := range events {
		e.m.publish(ctx, evt)
	}
	if result.dispatch != nil {
		d := result.dispatch
		e.m.dispatchPhase(ctx, d.pctx, d.phase, d.agentType, d.attempt, d.delay)
	}

	entry.Strategy = result.Strategy
	entry.Success = result.Success
	entry.RetryCountAfter = result.RetryCount
	entry.CheckpointID = result.checkpointID
	if err := e.m.journal.CompleteRecovery(ctx, entry); err != nil {
		e.m.logger.Warn(ctx, "completing recovery entry failed", "project_id", pctx.ProjectID, "failure_id", failureID, "error", err)
	}
	e.m.metrics.IncCounter("pipeline.recovery", 1,
		"strategy:"+string(result.Strategy), "failure_type:"+string(report.FailureType))

	result.FailureID = failureID
	return result.RecoveryResult, execErr
}

// classify selects the recovery strategy for the report against the current
// context. Fatal failures and critical repeats abort; first critical and
// exhausted retry budgets escalate; otherwise the failure type's default
// strategy applies. Pipelines not currently executing a phase (paused) can
// only escalate or abort.
func (e *Engine) classify(report FailureReport, pctx pipeline.Context) pipeline.Strategy {
	if report.FailureType == pipeline.FailureFatal {
		return pipeline.StrategyAbort
	}
	if report.Severity == pipeline.SeverityCritical {
		if pctx.RetryCount > 0 {
			return pipeline.StrategyAbort
		}
		return pipeline.StrategyEscalate
	}
	if pctx.RetryCount >= pctx.MaxRetries {
		return pipeline.StrategyEscalate
	}
	if _, ok := pctx.CurrentState.Phase(); !ok {
		return pipeline.StrategyEscalate
	}
	switch report.FailureType {
	case pipeline.FailureTransient:
		return pipeline.StrategyRetry
	case pipeline.FailureStalled, pipeline.FailureValidation:
		return pipeline.StrategyRollback
	case pipeline.FailureAgentError:
		return pipeline.StrategyReassign
	}
	return pipeline.StrategyEscalate
}

type recoveryOutcome struct {
	RecoveryResult
	checkpointID string
	// dispatch, when non-nil, is performed after the project lock is
	// released (dispatch re-acquires the lock to record the job ID).
	dispatch *pendingDispatch
}

type pendingDispatch struct {
	pctx      pipeline.Context
	phase     pipeline.Phase
	agentType string
	attempt   int
	delay     time.Duration
}

// execute runs the selected strategy under the caller-held project lock and
// returns the outcome plus the events to publish after release. Strategies
// that cannot proceed (no checkpoint, no alternate agent) degrade to retry.
func (e *Engine) execute(ctx context.Context, pctx pipeline.Context, strategy pipeline.Strategy, failureID string, report FailureReport, severity pipeline.Severity) (recoveryOutcome, []hooks.Event, error) {
	switch strategy {
	case pipeline.StrategyRetry:
		return e.executeRetry(ctx, pctx, failureID)
	case pipeline.StrategyRollback:
		return e.executeRollback(ctx, pctx, failureID)
	case pipeline.StrategyReassign:
		return e.executeReassign(ctx, pctx, failureID)
	case pipeline.StrategyEscalate:
		return e.executeEscalate(ctx, pctx, failureID, report, severity)
	case pipeline.StrategyAbort:
		return e.executeAbort(ctx, pctx, report.Details)
	}
	return recoveryOutcome{}, nil, fmt.Errorf("unknown strategy %q", strategy)
}

// executeRetry consumes a retry and re-dispatches the current phase with
// exponential backoff. The stale clock resets so the sweeper does not
// double-report the same stall.
func (e *Engine) executeRetry(ctx context.Context, pctx pipeline.Context, failureID string) (recoveryOutcome, []hooks.Event, error) {
	now := e.m.clock()
	updated, err := e.m.store.Update(ctx, pctx.ProjectID, func(c *pipeline.Context) {
		c.RetryCount++
		c.StateEnteredAt = now
		c.ActiveAgentID = ""
	})
	if err != nil {
		return recoveryOutcome{}, nil, fmt.Errorf("increment retry count: %w", err)
	}
	phase, _ := updated.CurrentState.Phase()
	agentType := updated.ActiveAgentType
	if agentType == "" {
		agentType = e.m.cfg.primaryAgent(phase)
	}
	delay := e.m.cfg.retryDelay(updated.RetryCount)

	events := []hooks.Event{
		hooks.NewFailureRecoveredEvent(updated.ProjectID, updated.WorkspaceID, updated.WorkflowID, failureID, pipeline.StrategyRetry, updated.RetryCount),
	}
	return recoveryOutcome{
		RecoveryResult: RecoveryResult{
			Strategy:   pipeline.StrategyRetry,
			Success:    true,
			RetryCount: updated.RetryCount,
			State:      updated.CurrentState,
			Message:    fmt.Sprintf("retry %d of %d scheduled in %s", updated.RetryCount, updated.MaxRetries, delay),
		},
		dispatch: &pendingDispatch{pctx: updated, phase: phase, agentType: agentType, attempt: updated.RetryCount + 1, delay: delay},
	}, events, nil
}

// executeRollback restores the most recent checkpoint at or before the
// current phase, consumes a retry, and re-dispatches the restored phase.
// Without a usable checkpoint it degrades to retry.
func (e *Engine) executeRollback(ctx context.Context, pctx pipeline.Context, failureID string) (recoveryOutcome, []hooks.Event, error) {
	cp, ok := e.findCheckpoint(ctx, pctx)
	if !ok {
		return e.executeRetry(ctx, pctx, failureID)
	}

	from := pctx.CurrentState
	restored := cp.Snapshot.CurrentState
	now := e.m.clock()
	entry := e.m.historyEntry(pctx, from, restored, "system", fmt.Sprintf("rollback to checkpoint %s", cp.Phase), nil)
	if err := e.m.journal.AppendTransition(ctx, entry); err != nil {
		return recoveryOutcome{}, nil, fmt.Errorf("journal rollback transition: %w", err)
	}
	updated, err := e.m.store.Update(ctx, pctx.ProjectID, func(c *pipeline.Context) {
		snap := cp.Snapshot.Clone()
		c.PreviousState = from
		c.CurrentState = restored
		c.StateEnteredAt = now
		c.ActiveAgentID = ""
		c.ActiveAgentType = snap.ActiveAgentType
		c.StoryID = snap.StoryID
		c.Metadata = snap.Metadata
		c.RetryCount++
	})
	if err != nil {
		return recoveryOutcome{}, nil, fmt.Errorf("restore checkpoint: %w", err)
	}

	phase, _ := restored.Phase()
	agentType := updated.ActiveAgentType
	if agentType == "" {
		agentType = e.m.cfg.primaryAgent(phase)
	}

	events := []hooks.Event{
		hooks.NewStateChangedEvent(updated.ProjectID, updated.WorkspaceID, updated.WorkflowID, from, restored, "system", "rollback"),
		hooks.NewFailureRecoveredEvent(updated.ProjectID, updated.WorkspaceID, updated.WorkflowID, failureID, pipeline.StrategyRollback, updated.RetryCount),
	}
	return recoveryOutcome{
		RecoveryResult: RecoveryResult{
			Strategy:   pipeline.StrategyRollback,
			Success:    true,
			RetryCount: updated.RetryCount,
			State:      restored,
			Message:    fmt.Sprintf("rolled back to %s", restored),
		},
		checkpointID: cp.ID,
		dispatch:     &pendingDispatch{pctx: updated, phase: phase, agentType: agentType, attempt: updated.RetryCount + 1},
	}, events, nil
}

// findCheckpoint walks the phase sequence backwards from the current phase
// looking for a stored checkpoint.
func (e *Engine) findCheckpoint(ctx context.Context, pctx pipeline.Context) (pipeline.Checkpoint, bool) {
	if e.m.checkpoints == nil {
		return pipeline.Checkpoint{}, false
	}
	current, ok := pctx.CurrentState.Phase()
	if !ok {
		return pipeline.Checkpoint{}, false
	}
	phases := pipeline.Phases()
	start := 0
	for i, p := range phases {
		if p == current {
			start = i
			break
		}
	}
	for i := start; i >= 0; i-- {
		cp, found, err := e.m.checkpoints.Load(ctx, pctx.ProjectID, phases[i])
		if err != nil {
			e.m.logger.Warn(ctx, "checkpoint load failed", "project_id", pctx.ProjectID, "phase", string(phases[i]), "error", err)
			continue
		}
		if found {
			return cp, true
		}
	}
	return pipeline.Checkpoint{}, false
}

// executeReassign dispatches an alternate agent type for the current phase
// without consuming a retry. Without an alternate it degrades to retry.
func (e *Engine) executeReassign(ctx context.Context, pctx pipeline.Context, failureID string) (recoveryOutcome, []hooks.Event, error) {
	phase, _ := pctx.CurrentState.Phase()
	alternate := ""
	for _, cand := range e.m.cfg.agentsFor(phase) {
		if cand != pctx.ActiveAgentType {
			alternate = cand
			break
		}
	}
	if alternate == "" {
		return e.executeRetry(ctx, pctx, failureID)
	}

	now := e.m.clock()
	updated, err := e.m.store.Update(ctx, pctx.ProjectID, func(c *pipeline.Context) {
		c.ActiveAgentID = ""
		c.ActiveAgentType = alternate
		c.StateEnteredAt = now
	})
	if err != nil {
		return recoveryOutcome{}, nil, fmt.Errorf("reassign agent: %w", err)
	}

	events := []hooks.Event{
		hooks.NewFailureRecoveredEvent(updated.ProjectID, updated.WorkspaceID, updated.WorkflowID, failureID, pipeline.StrategyReassign, updated.RetryCount),
	}
	return recoveryOutcome{
		RecoveryResult: RecoveryResult{
			Strategy:   pipeline.StrategyReassign,
			Success:    true,
			RetryCount: updated.RetryCount,
			State:      updated.CurrentState,
			Message:    fmt.Sprintf("reassigned phase %s to %s", phase, alternate),
		},
		dispatch: &pendingDispatch{pctx: updated, phase: phase, agentType: alternate, attempt: updated.RetryCount + 1},
	}, events, nil
}

// executeEscalate moves the run to awaiting_manual and records the active
// failure awaiting override.
func (e *Engine) executeEscalate(ctx context.Context, pctx pipeline.Context, failureID string, report FailureReport, severity pipeline.Severity) (recoveryOutcome, []hooks.Event, error) {
	from := pctx.CurrentState
	updated, err := e.m.transitionLocked(ctx, pctx, pipeline.StateAwaitingManual, "system", "retries exhausted, awaiting manual override", nil, nil)
	if err != nil {
		return recoveryOutcome{}, nil, err
	}
	rec := pipeline.FailureRecord{
		FailureID:   failureID,
		ProjectID:   pctx.ProjectID,
		WorkspaceID: pctx.WorkspaceID,
		FailureType: report.FailureType,
		Severity:    severity,
		RetryCount:  pctx.RetryCount,
		Escalated:   true,
		Details:     report.Details,
		CreatedAt:   e.m.clock(),
	}
	if err := e.failures.Put(ctx, rec); err != nil {
		return recoveryOutcome{}, nil, fmt.Errorf("store failure record: %w", err)
	}

	events := []hooks.Event{
		hooks.NewStateChangedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, from, pipeline.StateAwaitingManual, "system", "retries exhausted"),
		hooks.NewFailureEscalatedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, failureID, report.FailureType, severity),
		hooks.NewManualOverrideRequiredEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, failureID),
	}
	return recoveryOutcome{RecoveryResult: RecoveryResult{
		Strategy:   pipeline.StrategyEscalate,
		Success:    true,
		RetryCount: updated.RetryCount,
		State:      pipeline.StateAwaitingManual,
		Message:    "escalated for manual override",
	}}, events, nil
}

// executeAbort moves the run to the failed terminal state. The terminal
// transition deletes the context and checkpoints; any active failure record
// is cleaned up alongside.
func (e *Engine) executeAbort(ctx context.Context, pctx pipeline.Context, reason string) (recoveryOutcome, []hooks.Event, error) {
	from := pctx.CurrentState
	if reason == "" {
		reason = "aborted by failure recovery"
	}
	updated, err := e.m.transitionLocked(ctx, pctx, pipeline.StateFailed, "system", reason, nil, nil)
	if err != nil {
		return recoveryOutcome{}, nil, err
	}
	if rec, err := e.failures.GetByProject(ctx, pctx.ProjectID); err == nil {
		if derr := e.failures.Delete(ctx, rec.FailureID); derr != nil {
			e.m.logger.Warn(ctx, "failure record cleanup failed", "project_id", pctx.ProjectID, "error", derr)
		}
	}

	events := []hooks.Event{
		hooks.NewStateChangedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, from, pipeline.StateFailed, "system", reason),
		hooks.NewAbortedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, reason),
	}
	return recoveryOutcome{RecoveryResult: RecoveryResult{
		Strategy:   pipeline.StrategyAbort,
		Success:    true,
		RetryCount: updated.RetryCount,
		State:      pipeline.StateFailed,
		Message:    "pipeline aborted",
	}}, events, nil
}

// HandleManualOverride resolves an escalated failure with a human-selected
// action. The failure record is consumed; a manual_override recovery row is
// appended to the journal.
func (e *Engine) HandleManualOverride(ctx context.Context, req OverrideRequest) (RecoveryResult, error) {
	if !ValidOverrideAction(req.Action) {
		return RecoveryResult{}, badRequestf("unknown override action %q", req.Action)
	}
	rec, err := e.failures.Get(ctx, req.FailureID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return RecoveryResult{}, notFound("failure", req.FailureID)
		}
		return RecoveryResult{}, err
	}
	if req.WorkspaceID != "" && rec.WorkspaceID != req.WorkspaceID {
		return RecoveryResult{}, notFound("failure", req.FailureID)
	}

	release, err := e.m.locks.acquire(ctx, rec.ProjectID)
	if err != nil {
		return RecoveryResult{}, err
	}
	pctx, err := e.m.store.Load(ctx, rec.ProjectID)
	if err != nil {
		release()
		if errors.Is(err, state.ErrNotFound) {
			if derr := e.failures.Delete(ctx, req.FailureID); derr != nil {
				e.m.logger.Warn(ctx, "failure record cleanup failed", "failure_id", req.FailureID, "error", derr)
			}
			return RecoveryResult{Success: true, Message: "pipeline no longer active"}, nil
		}
		return RecoveryResult{}, err
	}

	outcome, events, execErr := e.executeOverride(ctx, pctx, rec, req)
	release()
	if execErr != nil {
		return RecoveryResult{}, execErr
	}

	for _, evt := range events {
		e.m.publish(ctx, evt)
	}
	if outcome.dispatch != nil {
		d := outcome.dispatch
		e.m.dispatchPhase(ctx, d.pctx, d.phase, d.agentType, d.attempt, d.delay)
	}
	if err := e.failures.Delete(ctx, req.FailureID); err != nil {
		e.m.logger.Warn(ctx, "failure record cleanup failed", "failure_id", req.FailureID, "error", err)
	}

	entry := pipeline.RecoveryEntry{
		ID:               uuid.NewString(),
		ProjectID:        rec.ProjectID,
		WorkspaceID:      rec.WorkspaceID,
		FailureID:        req.FailureID,
		FailureType:      rec.FailureType,
		Severity:         rec.Severity,
		Strategy:         pipeline.StrategyManualOverride,
		Success:          outcome.Success,
		RetryCountBefore: pctx.RetryCount,
		RetryCountAfter:  outcome.RetryCount,
		CheckpointID:     outcome.checkpointID,
		Details:          fmt.Sprintf("action=%s by %s", req.Action, req.UserID),
		CreatedAt:        e.m.clock(),
	}
	if err := e.m.journal.AppendRecovery(ctx, entry); err != nil {
		e.m.logger.Warn(ctx, "journaling manual override failed", "failure_id", req.FailureID, "error", err)
	}
	e.m.metrics.IncCounter("pipeline.manual_override", 1, "action:"+string(req.Action))

	result := outcome.RecoveryResult
	result.FailureID = req.FailureID
	return result, nil
}

// executeOverride performs the override action under the caller-held lock.
// Escalated runs are first restored to their pre-escalation state unless the
// action terminates the run.
func (e *Engine) executeOverride(ctx context.Context, pctx pipeline.Context, rec pipeline.FailureRecord, req OverrideRequest) (recoveryOutcome, []hooks.Event, error) {
	if req.Action == ActionTerminate {
		return e.executeAbort(ctx, pctx, "terminated by manual override")
	}

	// Reassign targets are checked against the phase the run resumes in
	// before any restore transition so a bad target leaves the run escalated.
	if req.Action == ActionReassign {
		resume := pctx.CurrentState
		if resume == pipeline.StateAwaitingManual {
			resume = pctx.PreviousState
		}
		if phase, ok := resume.Phase(); ok && !e.phaseHasAgent(phase, req.ReassignTo) {
			return recoveryOutcome{}, nil, badRequestf("agent type %q is not configured for phase %q", req.ReassignTo, phase)
		}
	}

	var events []hooks.Event
	if pctx.CurrentState == pipeline.StateAwaitingManual {
		restored := pctx.PreviousState
		if !pipeline.CanTransition(pipeline.StateAwaitingManual, restored) {
			return recoveryOutcome{}, nil, conflictf("escalated pipeline has no restorable state (previous %q)", restored)
		}
		updated, err := e.m.transitionLocked(ctx, pctx, restored, "user:"+req.UserID, "manual override", nil, nil)
		if err != nil {
			return recoveryOutcome{}, nil, err
		}
		events = append(events, hooks.NewStateChangedEvent(pctx.ProjectID, pctx.WorkspaceID, pctx.WorkflowID, pipeline.StateAwaitingManual, restored, "user:"+req.UserID, "manual override"))
		pctx = updated
	}

	phase, ok := pctx.CurrentState.Phase()
	if !ok {
		return recoveryOutcome{}, nil, conflictf("pipeline in state %q has no phase to resume", pctx.CurrentState)
	}

	switch req.Action {
	case ActionRetry, ActionProvideGuidance:
		now := e.m.clock()
		updated, err := e.m.store.Update(ctx, pctx.ProjectID, func(c *pipeline.Context) {
			c.ActiveAgentID = ""
			c.StateEnteredAt = now
			if req.Action == ActionProvideGuidance && req.Guidance != "" {
				if c.Metadata == nil {
					c.Metadata = make(map[string]string)
				}
				c.Metadata["userGuidance"] = req.Guidance
			}
		})
		if err != nil {
			return recoveryOutcome{}, nil, fmt.Errorf("prepare override retry: %w", err)
		}
		agentType := updated.ActiveAgentType
		if agentType == "" {
			agentType = e.m.cfg.primaryAgent(phase)
		}
		events = append(events, hooks.NewFailureRecoveredEvent(updated.ProjectID, updated.WorkspaceID, updated.WorkflowID, req.FailureID, pipeline.StrategyManualOverride, updated.RetryCount))
		return recoveryOutcome{
			RecoveryResult: RecoveryResult{
				Strategy:   pipeline.StrategyManualOverride,
				Success:    true,
				RetryCount: updated.RetryCount,
				State:      updated.CurrentState,
				Message:    fmt.Sprintf("override %s dispatched phase %s", req.Action, phase),
			},
			dispatch: &pendingDispatch{pctx: updated, phase: phase, agentType: agentType, attempt: updated.RetryCount + 1},
		}, events, nil

	case ActionRollback:
		outcome, rbEvents, err := e.executeRollback(ctx, pctx, req.FailureID)
		if err != nil {
			return recoveryOutcome{}, nil, err
		}
		outcome.Strategy = pipeline.StrategyManualOverride
		return outcome, append(events, rbEvents...), nil

	case ActionReassign:
		now := e.m.clock()
		updated, err := e.m.store.Update(ctx, pctx.ProjectID, func(c *pipeline.Context) {
			c.ActiveAgentID = ""
			c.ActiveAgentType = req.ReassignTo
			c.StateEnteredAt = now
		})
		if err != nil {
			return recoveryOutcome{}, nil, fmt.Errorf("override reassign: %w", err)
		}
		events = append(events, hooks.NewFailureRecoveredEvent(updated.ProjectID, updated.WorkspaceID, updated.WorkflowID, req.FailureID, pipeline.StrategyManualOverride, updated.RetryCount))
		return recoveryOutcome{
			RecoveryResult: RecoveryResult{
				Strategy:   pipeline.StrategyManualOverride,
				Success:    true,
				RetryCount: updated.RetryCount,
				State:      updated.CurrentState,
				Message:    fmt.Sprintf("override reassigned phase %s to %s", phase, req.ReassignTo),
			},
			dispatch: &pendingDispatch{pctx: updated, phase: phase, agentType: req.ReassignTo, attempt: updated.RetryCount + 1},
		}, events, nil
	}
	return recoveryOutcome{}, nil, badRequestf("unknown override action %q", req.Action)
}

// phaseHasAgent reports whether agentType is configured for phase.
func (e *Engine) phaseHasAgent(phase pipeline.Phase, agentType string) bool {
	for _, cand := range e.m.cfg.agentsFor(phase) {
		if cand == agentType {
			return true
		}
	}
	return false
}

// GetRecoveryStatus summarizes the project's failure situation: live state,
// active failure record, and recovery history.
func (e *Engine) GetRecoveryStatus(ctx context.Context, projectID string) (RecoveryStatus, error) {
	status := RecoveryStatus{ProjectID: projectID}

	pctx, err := e.m.store.Load(ctx, projectID)
	switch {
	case err == nil:
		status.State = pctx.CurrentState
		status.IsEscalated = pctx.CurrentState == pipeline.StateAwaitingManual
		status.RetryCount = pctx.RetryCount
		status.MaxRetries = pctx.MaxRetries
	case !errors.Is(err, state.ErrNotFound):
		return RecoveryStatus{}, err
	}

	if rec, err := e.failures.GetByProject(ctx, projectID); err == nil {
		status.ActiveFailure = &rec
	} else if !errors.Is(err, state.ErrNotFound) {
		return RecoveryStatus{}, err
	}

	history, err := e.m.journal.ListRecoveries(ctx, projectID)
	if err != nil {
		return RecoveryStatus{}, err
	}
	status.History = history
	return status, nil
}

// raisedSeverity raises sev once per consumed retry, capped at high. Critical
// is reserved for explicit reporter grading.
func raisedSeverity(sev pipeline.Severity, retries int) pipeline.Severity {
	for i := 0; i < retries; i++ {
		if sev == pipeline.SeverityHigh || sev == pipeline.SeverityCritical {
			break
		}
		sev = sev.Raise()
	}
	return sev
}
