// Package pulse provides the Pulse-backed event exporter. It subscribes to
// the in-process bus and republishes every lifecycle event onto a Redis
// stream so notification workers and dashboards can consume them without a
// connection to the orchestrator process.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/pipeline/features/events/pulse/clients/pulse"
	"goa.design/pipeline/orchestrator/hooks"
)

const defaultStreamName = "pipeline-events"

type (
	// Envelope is the wire form of an exported lifecycle event. Attributes
	// carry the fields of the concrete event type.
	Envelope struct {
		Type        string         `json:"type"`
		ProjectID   string         `json:"project_id,omitempty"`
		WorkspaceID string         `json:"workspace_id,omitempty"`
		WorkflowID  string         `json:"workflow_id,omitempty"`
		At          time.Time      `json:"at"`
		Attributes  map[string]any `json:"attributes,omitempty"`
	}

	// SubscriberOptions configures the exporter.
	SubscriberOptions struct {
		// Client is the Pulse stream client. Required.
		Client clientspulse.Client
		// StreamName names the target stream. Defaults to "pipeline-events".
		StreamName string
	}

	// Subscriber implements hooks.Subscriber by appending every event to a
	// Pulse stream. Errors surface to the bus publisher, which logs them;
	// export failures never affect pipeline progress.
	Subscriber struct {
		stream clientspulse.Stream
	}
)

// NewSubscriber opens the target stream and returns the exporter.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	return &Subscriber{stream: stream}, nil
}

// HandleEvent serializes the event and appends it to the stream.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	env := Envelope{
		Type:        string(event.Type()),
		ProjectID:   event.ProjectID(),
		WorkspaceID: event.WorkspaceID(),
		WorkflowID:  event.WorkflowID(),
		At:          event.Timestamp(),
		Attributes:  attributes(event),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.stream.Add(ctx, env.Type, payload); err != nil {
		return fmt.Errorf("export event %s: %w", env.Type, err)
	}
	return nil
}

func attributes(event hooks.Event) map[string]any {
	switch e := event.(type) {
	case *hooks.StartedEvent:
		return map[string]any{"triggered_by": e.TriggeredBy}
	case *hooks.StateChangedEvent:
		attrs := map[string]any{
			"from":         string(e.From),
			"to":           string(e.To),
			"triggered_by": e.TriggeredBy,
		}
		if e.Reason != "" {
			attrs["reason"] = e.Reason
		}
		return attrs
	case *hooks.PausedEvent:
		return map[string]any{"prior": string(e.Prior)}
	case *hooks.ResumedEvent:
		return map[string]any{"restored": string(e.Restored)}
	case *hooks.PhaseCompletedEvent:
		return map[string]any{"phase": string(e.Phase), "next": string(e.Next)}
	case *hooks.AbortedEvent:
		return map[string]any{"reason": e.Reason}
	case *hooks.FailureRecoveredEvent:
		return map[string]any{
			"failure_id":  e.FailureID,
			"strategy":    string(e.Strategy),
			"retry_count": e.RetryCount,
		}
	case *hooks.FailureEscalatedEvent:
		return map[string]any{
			"failure_id":   e.FailureID,
			"failure_type": string(e.FailureType),
			"severity":     string(e.Severity),
		}
	case *hooks.ManualOverrideRequiredEvent:
		return map[string]any{"failure_id": e.FailureID}
	case *hooks.SweepCompletedEvent:
		return map[string]any{
			"total":     e.Total,
			"recovered": e.Recovered,
			"stale":     e.Stale,
		}
	default:
		return nil
	}
}
