package hooks

import (
	"time"

	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// EventType identifies an orchestrator lifecycle event.
	EventType string

	// Event is the interface all orchestrator events implement. Subscribers
	// switch on Type or on the concrete event types to access typed payloads.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// ProjectID returns the pipeline the event belongs to.
		ProjectID() string
		// WorkspaceID returns the workspace scope of the event.
		WorkspaceID() string
		// WorkflowID returns the run the event belongs to.
		WorkflowID() string
		// Timestamp returns when the event was created (UTC).
		Timestamp() time.Time
	}

	baseEvent struct {
		eventType   EventType
		projectID   string
		workspaceID string
		workflowID  string
		at          time.Time
	}

	// StartedEvent fires when a pipeline run is created.
	StartedEvent struct {
		baseEvent
		// TriggeredBy is the principal that started the run.
		TriggeredBy string
	}

	// StateChangedEvent fires on every state transition, including the
	// transitions embedded in pause, resume, escalation and abort.
	StateChangedEvent struct {
		baseEvent
		// From is the state before the transition.
		From pipeline.State
		// To is the state after the transition.
		To pipeline.State
		// TriggeredBy is the principal that caused the transition.
		TriggeredBy string
		// Reason optionally explains the transition.
		Reason string
	}

	// PausedEvent fires when a pipeline is paused.
	PausedEvent struct {
		baseEvent
		// Prior is the active state held before the pause.
		Prior pipeline.State
	}

	// ResumedEvent fires when a paused pipeline resumes.
	ResumedEvent struct {
		baseEvent
		// Restored is the active state the pipeline returned to.
		Restored pipeline.State
	}

	// PhaseCompletedEvent fires when an agent reports a phase done.
	PhaseCompletedEvent struct {
		baseEvent
		// Phase is the completed phase.
		Phase pipeline.Phase
		// Next is the state entered after completion.
		Next pipeline.State
	}

	// CompletedEvent fires when a run reaches the complete terminal state.
	CompletedEvent struct {
		baseEvent
	}

	// AbortedEvent fires when a run is aborted to the failed terminal state.
	AbortedEvent struct {
		baseEvent
		// Reason explains the abort.
		Reason string
	}

	// FailureRecoveredEvent fires when a recovery strategy returned the
	// pipeline to an executable state.
	FailureRecoveredEvent struct {
		baseEvent
		// FailureID correlates with the recovery history row.
		FailureID string
		// Strategy is the strategy that recovered the run.
		Strategy pipeline.Strategy
		// RetryCount is the run's retry count after recovery.
		RetryCount int
	}

	// FailureEscalatedEvent fires when retries are exhausted and the run
	// moves to awaiting_manual.
	FailureEscalatedEvent struct {
		baseEvent
		// FailureID keys the active failure record awaiting override.
		FailureID string
		// FailureType classifies the escalated failure.
		FailureType pipeline.FailureType
		// Severity grades the escalated failure.
		Severity pipeline.Severity
	}

	// ManualOverrideRequiredEvent fires alongside escalation to signal
	// notification channels that a human must intervene.
	ManualOverrideRequiredEvent struct {
		baseEvent
		// FailureID keys the active failure record to override.
		FailureID string
	}

	// SweepCompletedEvent reports the startup recovery sweep summary.
	SweepCompletedEvent struct {
		baseEvent
		// Total is the number of live contexts scanned.
		Total int
		// Recovered is the number of terminal leftovers reconciled.
		Recovered int
		// Stale is the number of contexts handed to failure recovery.
		Stale int
	}
)

const (
	// EventStarted is published by startPipeline.
	EventStarted EventType = "pipeline.started"
	// EventStateChanged is published on every transition.
	EventStateChanged EventType = "pipeline.stateChanged"
	// EventPaused is published when a pipeline is paused.
	EventPaused EventType = "pipeline.paused"
	// EventResumed is published when a pipeline resumes.
	EventResumed EventType = "pipeline.resumed"
	// EventPhaseCompleted is published when an agent completes a phase.
	EventPhaseCompleted EventType = "pipeline.phaseCompleted"
	// EventCompleted is published on successful terminal transitions.
	EventCompleted EventType = "pipeline.completed"
	// EventAborted is published on aborts to the failed state.
	EventAborted EventType = "pipeline.aborted"
	// EventFailureRecovered is published after a successful recovery.
	EventFailureRecovered EventType = "pipeline.failureRecovered"
	// EventFailureEscalated is published when a failure escalates.
	EventFailureEscalated EventType = "pipeline.failureEscalated"
	// EventManualOverrideRequired is published alongside escalation.
	EventManualOverrideRequired EventType = "pipeline.manualOverrideRequired"
	// EventSweepCompleted is published after the startup recovery sweep.
	EventSweepCompleted EventType = "pipeline.sweepCompleted"
)

func newBase(t EventType, projectID, workspaceID, workflowID string) baseEvent {
	return baseEvent{
		eventType:   t,
		projectID:   projectID,
		workspaceID: workspaceID,
		workflowID:  workflowID,
		at:          time.Now().UTC(),
	}
}

// Type returns the event type constant.
func (e baseEvent) Type() EventType { return e.eventType }

// ProjectID returns the pipeline the event belongs to.
func (e baseEvent) ProjectID() string { return e.projectID }

// WorkspaceID returns the workspace scope of the event.
func (e baseEvent) WorkspaceID() string { return e.workspaceID }

// WorkflowID returns the run the event belongs to.
func (e baseEvent) WorkflowID() string { return e.workflowID }

// Timestamp returns when the event was created.
func (e baseEvent) Timestamp() time.Time { return e.at }

// NewStartedEvent constructs a pipeline.started event.
func NewStartedEvent(projectID, workspaceID, workflowID, triggeredBy string) *StartedEvent {
	return &StartedEvent{
		baseEvent:   newBase(EventStarted, projectID, workspaceID, workflowID),
		TriggeredBy: triggeredBy,
	}
}

// NewStateChangedEvent constructs a pipeline.stateChanged event.
func NewStateChangedEvent(projectID, workspaceID, workflowID string, from, to pipeline.State, triggeredBy, reason string) *StateChangedEvent {
	return &StateChangedEvent{
		baseEvent:   newBase(EventStateChanged, projectID, workspaceID, workflowID),
		From:        from,
		To:          to,
		TriggeredBy: triggeredBy,
		Reason:      reason,
	}
}

// NewPausedEvent constructs a pipeline.paused event.
func NewPausedEvent(projectID, workspaceID, workflowID string, prior pipeline.State) *PausedEvent {
	return &PausedEvent{
		baseEvent: newBase(EventPaused, projectID, workspaceID, workflowID),
		Prior:     prior,
	}
}

// NewResumedEvent constructs a pipeline.resumed event.
func NewResumedEvent(projectID, workspaceID, workflowID string, restored pipeline.State) *ResumedEvent {
	return &ResumedEvent{
		baseEvent: newBase(EventResumed, projectID, workspaceID, workflowID),
		Restored:  restored,
	}
}

// NewPhaseCompletedEvent constructs a pipeline.phaseCompleted event.
func NewPhaseCompletedEvent(projectID, workspaceID, workflowID string, phase pipeline.Phase, next pipeline.State) *PhaseCompletedEvent {
	return &PhaseCompletedEvent{
		baseEvent: newBase(EventPhaseCompleted, projectID, workspaceID, workflowID),
		Phase:     phase,
		Next:      next,
	}
}

// NewCompletedEvent constructs a pipeline.completed event.
func NewCompletedEvent(projectID, workspaceID, workflowID string) *CompletedEvent {
	return &CompletedEvent{baseEvent: newBase(EventCompleted, projectID, workspaceID, workflowID)}
}

// NewAbortedEvent constructs a pipeline.aborted event.
func NewAbortedEvent(projectID, workspaceID, workflowID, reason string) *AbortedEvent {
	return &AbortedEvent{
		baseEvent: newBase(EventAborted, projectID, workspaceID, workflowID),
		Reason:    reason,
	}
}

// NewFailureRecoveredEvent constructs a pipeline.failureRecovered event.
func NewFailureRecoveredEvent(projectID, workspaceID, workflowID, failureID string, strategy pipeline.Strategy, retryCount int) *FailureRecoveredEvent {
	return &FailureRecoveredEvent{
		baseEvent:  newBase(EventFailureRecovered, projectID, workspaceID, workflowID),
		FailureID:  failureID,
		Strategy:   strategy,
		RetryCount: retryCount,
	}
}

// NewFailureEscalatedEvent constructs a pipeline.failureEscalated event.
func NewFailureEscalatedEvent(projectID, workspaceID, workflowID, failureID string, ft pipeline.FailureType, sev pipeline.Severity) *FailureEscalatedEvent {
	return &FailureEscalatedEvent{
		baseEvent:   newBase(EventFailureEscalated, projectID, workspaceID, workflowID),
		FailureID:   failureID,
		FailureType: ft,
		Severity:    sev,
	}
}

// NewManualOverrideRequiredEvent constructs a pipeline.manualOverrideRequired event.
func NewManualOverrideRequiredEvent(projectID, workspaceID, workflowID, failureID string) *ManualOverrideRequiredEvent {
	return &ManualOverrideRequiredEvent{
		baseEvent: newBase(EventManualOverrideRequired, projectID, workspaceID, workflowID),
		FailureID: failureID,
	}
}

// NewSweepCompletedEvent constructs a pipeline.sweepCompleted event. Sweep
// summaries are process-wide, so project and workflow identifiers are empty.
func NewSweepCompletedEvent(total, recovered, stale int) *SweepCompletedEvent {
	return &SweepCompletedEvent{
		baseEvent: newBase(EventSweepCompleted, "", "", ""),
		Total:     total,
		Recovered: recovered,
		Stale:     stale,
	}
}
