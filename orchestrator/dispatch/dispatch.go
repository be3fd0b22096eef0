// Package dispatch defines the contract between the orchestrator and the
// agent job queue. The orchestrator only enqueues; workers execute agents
// out-of-process and report back through the control surface. Dispatch is
// at-least-once: duplicate completion callbacks are absorbed by the state
// machine's idempotent phase-completion handling.
package dispatch

import (
	"context"
	"time"

	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// Job is the payload enqueued for an agent worker.
	Job struct {
		// ProjectID identifies the pipeline the agent works on.
		ProjectID string `json:"project_id"`
		// WorkspaceID scopes the job.
		WorkspaceID string `json:"workspace_id"`
		// WorkflowID ties the job to a specific run so late completions from
		// a prior run can be discarded by workers.
		WorkflowID string `json:"workflow_id"`
		// Phase names the phase the agent executes.
		Phase pipeline.Phase `json:"phase"`
		// AgentType selects the agent implementation for the phase.
		AgentType string `json:"agent_type"`
		// StoryID is the optional unit-of-work label.
		StoryID string `json:"story_id,omitempty"`
		// Attempt counts dispatches of this phase within the run, including
		// retries.
		Attempt int `json:"attempt"`
		// Metadata carries run metadata (including user guidance injected by
		// manual override) to the agent.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Dispatcher enqueues agent jobs. Implementations must not block on job
	// execution; Dispatch returns once the job is durably queued.
	Dispatcher interface {
		// Dispatch enqueues job after delay. A zero delay enqueues
		// immediately. Returns the queue-assigned job ID.
		Dispatch(ctx context.Context, job Job, delay time.Duration) (string, error)
	}
)
