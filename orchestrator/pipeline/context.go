package pipeline

import (
	"time"
)

type (
	// Context is the live record of a pipeline's state and metadata. Exactly
	// one context exists per project while the pipeline is active; terminal
	// transitions delete it. The context is exclusively mutated by the state
	// machine and the failure recovery engine.
	Context struct {
		// ProjectID is the primary key of the hot store entry.
		ProjectID string `json:"project_id"`
		// WorkspaceID scopes every orchestrator operation to a tenant.
		WorkspaceID string `json:"workspace_id"`
		// WorkflowID is stable for a single start-to-terminal run. Multiple
		// runs of the same project get distinct workflow IDs.
		WorkflowID string `json:"workflow_id"`
		// CurrentState is the pipeline's position in the transition graph.
		CurrentState State `json:"current_state"`
		// PreviousState is the state before the last transition. Empty only on
		// the initial row; for paused pipelines it records the active state to
		// restore on resume.
		PreviousState State `json:"previous_state,omitempty"`
		// StateEnteredAt records when CurrentState was entered. The recovery
		// sweeper uses it for stale detection.
		StateEnteredAt time.Time `json:"state_entered_at"`
		// ActiveAgentID identifies the in-flight agent job, if any. At most
		// one agent is active per project.
		ActiveAgentID string `json:"active_agent_id,omitempty"`
		// ActiveAgentType names the agent kind executing the current phase.
		ActiveAgentType string `json:"active_agent_type,omitempty"`
		// StoryID is an optional unit-of-work label carried through dispatches.
		StoryID string `json:"story_id,omitempty"`
		// RetryCount is the total number of retries across failures in this
		// run. Bounded by MaxRetries+1: the last increment triggers escalation.
		RetryCount int `json:"retry_count"`
		// MaxRetries is the retry policy for this run.
		MaxRetries int `json:"max_retries"`
		// Metadata carries free-form key-value data opaque to the orchestrator.
		Metadata map[string]string `json:"metadata,omitempty"`
		// CreatedAt records when the run started.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// HistoryEntry is an immutable, append-only record of a single state
	// transition.
	HistoryEntry struct {
		// ID is a random identifier assigned on append.
		ID string `json:"id"`
		// ProjectID identifies the pipeline.
		ProjectID string `json:"project_id"`
		// WorkspaceID scopes the entry.
		WorkspaceID string `json:"workspace_id"`
		// WorkflowID ties the entry to a specific run.
		WorkflowID string `json:"workflow_id"`
		// PreviousState is the state before the transition (empty on the first
		// row of a run).
		PreviousState State `json:"previous_state,omitempty"`
		// NewState is the state after the transition.
		NewState State `json:"new_state"`
		// TriggeredBy is the principal that caused the transition:
		// "user:<id>", "system", or "agent:<type>".
		TriggeredBy string `json:"triggered_by"`
		// Reason optionally explains the transition.
		Reason string `json:"reason,omitempty"`
		// Metadata carries transition-scoped key-value data.
		Metadata map[string]string `json:"metadata,omitempty"`
		// CreatedAt is the append timestamp.
		CreatedAt time.Time `json:"created_at"`
	}

	// RecoveryEntry is an immutable record of one failure-recovery attempt.
	// The engine appends it with StrategyPending before executing a strategy
	// and completes it with the final strategy and outcome afterwards.
	RecoveryEntry struct {
		// ID is a random identifier assigned on append.
		ID string `json:"id"`
		// ProjectID identifies the pipeline.
		ProjectID string `json:"project_id"`
		// WorkspaceID scopes the entry.
		WorkspaceID string `json:"workspace_id"`
		// FailureID correlates the entry with an active failure record.
		FailureID string `json:"failure_id"`
		// FailureType classifies the failure.
		FailureType FailureType `json:"failure_type"`
		// Severity grades the failure.
		Severity Severity `json:"severity"`
		// Strategy is the recovery strategy selected (StrategyPending until
		// execution finishes).
		Strategy Strategy `json:"recovery_strategy"`
		// Success reports whether the strategy executed without error.
		Success bool `json:"success"`
		// RetryCountBefore is the run's retry count when the failure arrived.
		RetryCountBefore int `json:"retry_count_before"`
		// RetryCountAfter is the retry count after the strategy executed.
		RetryCountAfter int `json:"retry_count_after"`
		// CheckpointID names the checkpoint used, when the strategy rolled back.
		CheckpointID string `json:"checkpoint_id,omitempty"`
		// Details carries free-form diagnostics supplied by the reporter.
		Details string `json:"details,omitempty"`
		// CreatedAt is the append timestamp.
		CreatedAt time.Time `json:"created_at"`
	}

	// Checkpoint is a stored snapshot of a context at a phase boundary, used
	// by the recovery engine for rollback. Keyed by (project, phase); saving a
	// new checkpoint for the same key replaces the previous one.
	Checkpoint struct {
		// ID is a random identifier assigned on save.
		ID string `json:"id"`
		// ProjectID identifies the pipeline.
		ProjectID string `json:"project_id"`
		// Phase is the phase whose entry the snapshot captures.
		Phase Phase `json:"phase"`
		// Snapshot is the context as of phase entry.
		Snapshot Context `json:"context_snapshot"`
		// CreatedAt is the save timestamp.
		CreatedAt time.Time `json:"created_at"`
	}

	// FailureRecord is a transient record describing an unresolved failure
	// that requires (or is awaiting) intervention. At most one exists per
	// project at any time; it is consumed by manual override or retry.
	FailureRecord struct {
		// FailureID is the record key.
		FailureID string `json:"failure_id"`
		// ProjectID identifies the pipeline.
		ProjectID string `json:"project_id"`
		// WorkspaceID scopes the record.
		WorkspaceID string `json:"workspace_id"`
		// FailureType classifies the failure.
		FailureType FailureType `json:"failure_type"`
		// Severity grades the failure.
		Severity Severity `json:"severity"`
		// RetryCount is the run's retry count when the record was created.
		RetryCount int `json:"retry_count"`
		// Escalated reports whether the pipeline moved to awaiting_manual.
		Escalated bool `json:"escalated"`
		// Details carries free-form diagnostics supplied by the reporter.
		Details string `json:"details,omitempty"`
		// CreatedAt is the record creation timestamp.
		CreatedAt time.Time `json:"created_at"`
	}

	// FailureType classifies a reported failure and selects its default
	// recovery strategy.
	FailureType string

	// Severity grades a failure. Severity raises after each retry; critical
	// bypasses further retries and escalates immediately.
	Severity string

	// Strategy names a recovery strategy executed by the recovery engine.
	Strategy string
)

const (
	// FailureTransient covers rate limits, upstream 5xx and timeouts.
	FailureTransient FailureType = "transient"
	// FailureStalled covers missing heartbeats past the stale threshold.
	FailureStalled FailureType = "stalled"
	// FailureAgentError covers structured agent errors the runtime could not
	// handle.
	FailureAgentError FailureType = "agent_error"
	// FailureValidation covers agent output that failed post-conditions.
	FailureValidation FailureType = "validation_failed"
	// FailureFatal covers non-recoverable failures (policy violations,
	// signed-off aborts).
	FailureFatal FailureType = "fatal"
)

const (
	// SeverityLow is the default grade for recoverable failures.
	SeverityLow Severity = "low"
	// SeverityMedium grades failures that already consumed a retry.
	SeverityMedium Severity = "medium"
	// SeverityHigh grades repeated failures nearing escalation.
	SeverityHigh Severity = "high"
	// SeverityCritical bypasses retries and escalates immediately.
	SeverityCritical Severity = "critical"
)

const (
	// StrategyPending marks a recovery entry whose strategy has not executed yet.
	StrategyPending Strategy = "pending"
	// StrategyRetry re-dispatches the same phase with exponential backoff.
	StrategyRetry Strategy = "retry"
	// StrategyRollback restores the last checkpoint, then retries.
	StrategyRollback Strategy = "rollback"
	// StrategyReassign dispatches an alternate agent type for the phase.
	StrategyReassign Strategy = "reassign"
	// StrategyEscalate moves the pipeline to awaiting_manual.
	StrategyEscalate Strategy = "escalate"
	// StrategyAbort moves the pipeline to failed.
	StrategyAbort Strategy = "abort"
	// StrategyManualOverride records a human-resolved failure.
	StrategyManualOverride Strategy = "manual_override"
)

// ValidFailureType reports whether t is a known failure classification.
func ValidFailureType(t FailureType) bool {
	switch t {
	case FailureTransient, FailureStalled, FailureAgentError, FailureValidation, FailureFatal:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a known severity grade.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Raise returns the next severity grade. Critical does not raise further.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	}
	return s
}

// Clone returns a deep copy of the context. Metadata is copied so mutations
// on the clone never leak into stored snapshots.
func (c Context) Clone() Context {
	out := c
	out.Metadata = cloneMetadata(c.Metadata)
	return out
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
