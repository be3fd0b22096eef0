package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/pipeline/features/events/pulse/clients/pulse"
	"goa.design/pipeline/orchestrator/hooks"
	"goa.design/pipeline/orchestrator/pipeline"
)

type fakeClient struct {
	stream *fakeStream
}

func (c *fakeClient) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.stream.name = name
	return c.stream, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	mu      sync.Mutex
	name    string
	entries []fakeEntry
	err     error
}

type fakeEntry struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func newTestSubscriber(t *testing.T) (*Subscriber, *fakeStream) {
	t.Helper()
	stream := &fakeStream{}
	sub, err := NewSubscriber(SubscriberOptions{Client: &fakeClient{stream: stream}})
	require.NoError(t, err)
	return sub, stream
}

func decodeEnvelope(t *testing.T, payload []byte) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func TestSubscriberUsesDefaultStreamName(t *testing.T) {
	_, stream := newTestSubscriber(t)
	assert.Equal(t, "pipeline-events", stream.name)
}

func TestExportStateChanged(t *testing.T) {
	sub, stream := newTestSubscriber(t)

	event := hooks.NewStateChangedEvent("p1", "ws1", "wf1",
		pipeline.StatePlanning, pipeline.StateImplementing, "agent:planner", "phase complete")
	require.NoError(t, sub.HandleEvent(context.Background(), event))

	require.Len(t, stream.entries, 1)
	assert.Equal(t, "pipeline.stateChanged", stream.entries[0].event)

	env := decodeEnvelope(t, stream.entries[0].payload)
	assert.Equal(t, "p1", env.ProjectID)
	assert.Equal(t, "ws1", env.WorkspaceID)
	assert.Equal(t, "wf1", env.WorkflowID)
	assert.False(t, env.At.IsZero())
	assert.Equal(t, "planning", env.Attributes["from"])
	assert.Equal(t, "implementing", env.Attributes["to"])
	assert.Equal(t, "agent:planner", env.Attributes["triggered_by"])
	assert.Equal(t, "phase complete", env.Attributes["reason"])
}

func TestExportEscalation(t *testing.T) {
	sub, stream := newTestSubscriber(t)

	event := hooks.NewFailureEscalatedEvent("p1", "ws1", "wf1", "f1",
		pipeline.FailureTransient, pipeline.SeverityHigh)
	require.NoError(t, sub.HandleEvent(context.Background(), event))

	env := decodeEnvelope(t, stream.entries[0].payload)
	assert.Equal(t, "pipeline.failureEscalated", env.Type)
	assert.Equal(t, "f1", env.Attributes["failure_id"])
	assert.Equal(t, "transient", env.Attributes["failure_type"])
	assert.Equal(t, "high", env.Attributes["severity"])
}

func TestExportSweepSummaryHasNoProjectScope(t *testing.T) {
	sub, stream := newTestSubscriber(t)

	require.NoError(t, sub.HandleEvent(context.Background(), hooks.NewSweepCompletedEvent(3, 1, 2)))

	env := decodeEnvelope(t, stream.entries[0].payload)
	assert.Empty(t, env.ProjectID)
	assert.Equal(t, float64(3), env.Attributes["total"])
	assert.Equal(t, float64(1), env.Attributes["recovered"])
	assert.Equal(t, float64(2), env.Attributes["stale"])
}

func TestExportSurfacesStreamErrors(t *testing.T) {
	sub, stream := newTestSubscriber(t)
	stream.err = errors.New("redis down")

	err := sub.HandleEvent(context.Background(), hooks.NewCompletedEvent("p1", "ws1", "wf1"))
	require.ErrorContains(t, err, "redis down")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "client is required")
}
