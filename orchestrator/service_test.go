package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline/orchestrator/pipeline"
)

func TestServiceStartPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.StartPipeline(ctx, StartPipelineRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		UserID:      "u1",
		StoryID:     "story-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.WorkflowID)
	assert.Equal(t, pipeline.StatePlanning, res.State)

	_, err = f.service.StartPipeline(ctx, StartPipelineRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		UserID:      "u1",
	})
	assert.True(t, IsConflict(err))
}

func TestServiceValidatesIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  StartPipelineRequest
	}{
		{"missing workspace", StartPipelineRequest{ProjectID: "p1", UserID: "u1"}},
		{"missing project", StartPipelineRequest{WorkspaceID: "ws1", UserID: "u1"}},
		{"missing user", StartPipelineRequest{WorkspaceID: "ws1", ProjectID: "p1"}},
		{"blank project", StartPipelineRequest{WorkspaceID: "ws1", ProjectID: "  ", UserID: "u1"}},
		{"negative retries", StartPipelineRequest{WorkspaceID: "ws1", ProjectID: "p1", UserID: "u1", MaxRetries: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.StartPipeline(ctx, tc.req)
			assert.True(t, IsBadRequest(err))
		})
	}
}

func TestServiceWorkspaceBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})

	_, err := f.service.GetState(ctx, "ws1", "p1")
	require.NoError(t, err)

	_, err = f.service.GetState(ctx, "ws2", "p1")
	assert.True(t, IsNotFound(err), "foreign workspace must read as not found")

	_, err = f.service.PausePipeline(ctx, "ws2", "p1", "u1")
	assert.True(t, IsNotFound(err))

	_, err = f.service.OnPhaseComplete(ctx, PhaseCompleteRequest{
		WorkspaceID: "ws2",
		ProjectID:   "p1",
		Phase:       pipeline.PhasePlanning,
	})
	assert.True(t, IsNotFound(err))
}

func TestServicePauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})

	res, err := f.service.PausePipeline(ctx, "ws1", "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePlanning, res.PreviousState)
	assert.Equal(t, pipeline.StatePaused, res.NewState)

	res, err = f.service.ResumePipeline(ctx, "ws1", "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePlanning, res.NewState)
}

func TestServiceGetHistoryBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})
	f.advance(t, "p1", pipeline.PhasePlanning)

	_, err := f.service.GetHistory(ctx, "ws1", "p1", 101, 0)
	assert.True(t, IsBadRequest(err))
	_, err = f.service.GetHistory(ctx, "ws1", "p1", -1, 0)
	assert.True(t, IsBadRequest(err))
	_, err = f.service.GetHistory(ctx, "ws1", "p1", 10, -1)
	assert.True(t, IsBadRequest(err))

	page, err := f.service.GetHistory(ctx, "ws1", "p1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 2, page.Total, "zero limit still reports the total")

	page, err = f.service.GetHistory(ctx, "ws1", "p1", 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, pipeline.StateImplementing, page.Items[0].NewState, "newest first")
}

func TestServiceHistorySurvivesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})
	f.advance(t, "p1", pipeline.PhasePlanning, pipeline.PhaseImplementing, pipeline.PhaseQA, pipeline.PhaseDeploying)

	page, err := f.service.GetHistory(ctx, "ws1", "p1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total, "history outlives the hot context")
}

func TestServiceOnPhaseCompleteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})

	_, err := f.service.OnPhaseComplete(ctx, PhaseCompleteRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		Phase:       "shipping",
	})
	assert.True(t, IsBadRequest(err))

	out, err := f.service.OnPhaseComplete(ctx, PhaseCompleteRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		Phase:       pipeline.PhasePlanning,
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
}

func TestServiceReportFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})

	res, err := f.service.ReportFailure(ctx, ReportFailureRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		FailureType: pipeline.FailureTransient,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyRetry, res.Strategy)

	_, err = f.service.ReportFailure(ctx, ReportFailureRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		FailureType: "bogus",
	})
	assert.True(t, IsBadRequest(err))
}

func TestServiceDegradedWithoutEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc, err := NewService(ServiceOptions{Machine: f.machine})
	require.NoError(t, err)
	f.start(t, "p1", StartOptions{WorkspaceID: "ws1"})

	res, err := svc.ReportFailure(ctx, ReportFailureRequest{
		WorkspaceID: "ws1",
		ProjectID:   "p1",
		FailureType: pipeline.FailureTransient,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Strategy)
	assert.Equal(t, "recovery unavailable", res.Message)

	_, err = svc.HandleManualOverride(ctx, OverrideRequest{
		FailureID:   "f1",
		WorkspaceID: "ws1",
		UserID:      "u1",
		Action:      ActionRetry,
	})
	assert.True(t, IsNotFound(err))

	status, err := svc.GetRecoveryStatus(ctx, "ws1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", status.ProjectID)
	assert.Nil(t, status.ActiveFailure)
}
