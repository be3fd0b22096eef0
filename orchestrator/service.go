package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"goa.design/pipeline/orchestrator/journal"
	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/telemetry"
)

type (
	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Machine is required.
		Machine *Machine
		// Engine handles failure reports and overrides. Optional: without it
		// the recovery operations degrade to empty results so the control
		// surface stays up when the failure store is unavailable.
		Engine *Engine
		// Logger receives structured logs. Optional.
		Logger telemetry.Logger
	}

	// Service is the workspace-scoped control surface over the state machine
	// and the recovery engine. It owns input validation and workspace
	// binding; everything past it assumes valid, scoped input.
	Service struct {
		machine *Machine
		engine  *Engine
		logger  telemetry.Logger
	}

	// StartPipelineRequest starts a run.
	StartPipelineRequest struct {
		// WorkspaceID scopes the run. Required.
		WorkspaceID string
		// ProjectID identifies the project. Required.
		ProjectID string
		// StoryID is the optional unit-of-work label.
		StoryID string
		// UserID identifies the requesting user. Required.
		UserID string
		// MaxRetries overrides the retry budget when positive.
		MaxRetries int
		// Metadata seeds the run metadata.
		Metadata map[string]string
	}

	// StartPipelineResult reports a started run.
	StartPipelineResult struct {
		// WorkflowID is the run identifier.
		WorkflowID string
		// State is the initial state.
		State pipeline.State
		// Message summarizes the outcome.
		Message string
	}

	// PauseResumeResult reports a pause or resume.
	PauseResumeResult struct {
		// PreviousState is the state before the operation.
		PreviousState pipeline.State
		// NewState is the state after the operation.
		NewState pipeline.State
		// Message summarizes the outcome.
		Message string
	}

	// PhaseCompleteRequest is an agent completion callback.
	PhaseCompleteRequest struct {
		// WorkspaceID scopes the callback. Required.
		WorkspaceID string
		// ProjectID identifies the pipeline. Required.
		ProjectID string
		// Phase names the completed phase. Required.
		Phase pipeline.Phase
		// AgentID identifies the reporting job.
		AgentID string
		// Rework requests the QA rework loop.
		Rework bool
		// Details optionally summarizes the agent output.
		Details string
	}

	// ReportFailureRequest reports a failure against a pipeline.
	ReportFailureRequest struct {
		// WorkspaceID scopes the report. Required.
		WorkspaceID string
		// ProjectID identifies the pipeline. Required.
		ProjectID string
		// FailureType classifies the failure. Required.
		FailureType pipeline.FailureType
		// Severity grades the failure. Defaults to low.
		Severity pipeline.Severity
		// Details carries diagnostics.
		Details string
	}
)

// NewService constructs the control surface from opts.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Service{machine: opts.Machine, engine: opts.Engine, logger: opts.Logger}, nil
}

// StartPipeline validates the request and starts a run.
func (s *Service) StartPipeline(ctx context.Context, req StartPipelineRequest) (StartPipelineResult, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": req.WorkspaceID,
		"projectId":   req.ProjectID,
		"userId":      req.UserID,
	}); err != nil {
		return StartPipelineResult{}, err
	}
	if req.MaxRetries < 0 {
		return StartPipelineResult{}, badRequestf("maxRetries must not be negative")
	}
	res, err := s.machine.Start(ctx, req.ProjectID, StartOptions{
		WorkspaceID: req.WorkspaceID,
		StoryID:     req.StoryID,
		TriggeredBy: "user:" + req.UserID,
		MaxRetries:  req.MaxRetries,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return StartPipelineResult{}, err
	}
	msg := "pipeline started"
	if res.JobID == "" {
		msg = "pipeline started; planning dispatch pending"
	}
	return StartPipelineResult{
		WorkflowID: res.Context.WorkflowID,
		State:      res.Context.CurrentState,
		Message:    msg,
	}, nil
}

// GetState returns the live context, scoped to the workspace. A workspace
// mismatch is reported as not found.
func (s *Service) GetState(ctx context.Context, workspaceID, projectID string) (pipeline.Context, error) {
	pctx, err := s.scoped(ctx, workspaceID, projectID)
	if err != nil {
		return pipeline.Context{}, err
	}
	return pctx, nil
}

// PausePipeline suspends an active run.
func (s *Service) PausePipeline(ctx context.Context, workspaceID, projectID, userID string) (PauseResumeResult, error) {
	if _, err := s.scoped(ctx, workspaceID, projectID); err != nil {
		return PauseResumeResult{}, err
	}
	if err := requireIDs(map[string]string{"userId": userID}); err != nil {
		return PauseResumeResult{}, err
	}
	res, err := s.machine.Pause(ctx, projectID, "user:"+userID)
	if err != nil {
		return PauseResumeResult{}, err
	}
	return PauseResumeResult{
		PreviousState: res.Previous,
		NewState:      res.Current,
		Message:       "pipeline paused",
	}, nil
}

// ResumePipeline returns a paused run to its prior state.
func (s *Service) ResumePipeline(ctx context.Context, workspaceID, projectID, userID string) (PauseResumeResult, error) {
	if _, err := s.scoped(ctx, workspaceID, projectID); err != nil {
		return PauseResumeResult{}, err
	}
	if err := requireIDs(map[string]string{"userId": userID}); err != nil {
		return PauseResumeResult{}, err
	}
	res, err := s.machine.Resume(ctx, projectID, "user:"+userID)
	if err != nil {
		return PauseResumeResult{}, err
	}
	return PauseResumeResult{
		PreviousState: res.Previous,
		NewState:      res.Current,
		Message:       "pipeline resumed",
	}, nil
}

// GetHistory returns a page of transition history, newest first. The limit is
// bounded by the configured page cap; a zero limit returns no rows but still
// reports the total.
func (s *Service) GetHistory(ctx context.Context, workspaceID, projectID string, limit, offset int) (journal.TransitionPage, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": workspaceID,
		"projectId":   projectID,
	}); err != nil {
		return journal.TransitionPage{}, err
	}
	if limit < 0 {
		return journal.TransitionPage{}, badRequestf("limit must not be negative")
	}
	if limit > s.machine.cfg.HistoryPageCap {
		return journal.TransitionPage{}, badRequestf("limit must not exceed %d", s.machine.cfg.HistoryPageCap)
	}
	if offset < 0 {
		return journal.TransitionPage{}, badRequestf("offset must not be negative")
	}
	return s.machine.History(ctx, projectID, workspaceID, journal.Page{Limit: limit, Offset: offset})
}

// OnPhaseComplete handles an agent completion callback. Duplicate callbacks
// are absorbed without error.
func (s *Service) OnPhaseComplete(ctx context.Context, req PhaseCompleteRequest) (PhaseOutcome, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": req.WorkspaceID,
		"projectId":   req.ProjectID,
	}); err != nil {
		return PhaseOutcome{}, err
	}
	if _, ok := pipeline.EntryState(req.Phase); !ok {
		return PhaseOutcome{}, badRequestf("unknown phase %q", req.Phase)
	}
	if _, err := s.scoped(ctx, req.WorkspaceID, req.ProjectID); err != nil {
		return PhaseOutcome{}, err
	}
	return s.machine.OnPhaseComplete(ctx, req.ProjectID, req.Phase, PhaseResult{
		AgentID: req.AgentID,
		Rework:  req.Rework,
		Details: req.Details,
	})
}

// ReportFailure routes a failure report to the recovery engine. Without an
// engine the report is logged and an empty result returned so reporters never
// block on a degraded deployment.
func (s *Service) ReportFailure(ctx context.Context, req ReportFailureRequest) (RecoveryResult, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": req.WorkspaceID,
		"projectId":   req.ProjectID,
	}); err != nil {
		return RecoveryResult{}, err
	}
	if !pipeline.ValidFailureType(req.FailureType) {
		return RecoveryResult{}, badRequestf("unknown failure type %q", req.FailureType)
	}
	if _, err := s.scoped(ctx, req.WorkspaceID, req.ProjectID); err != nil {
		return RecoveryResult{}, err
	}
	if s.engine == nil {
		s.logger.Warn(ctx, "failure report dropped, recovery engine unavailable",
			"project_id", req.ProjectID, "failure_type", string(req.FailureType))
		return RecoveryResult{Message: "recovery unavailable"}, nil
	}
	return s.engine.HandleFailure(ctx, FailureReport{
		ProjectID:   req.ProjectID,
		FailureType: req.FailureType,
		Severity:    req.Severity,
		Details:     req.Details,
	})
}

// HandleManualOverride resolves an escalated failure.
func (s *Service) HandleManualOverride(ctx context.Context, req OverrideRequest) (RecoveryResult, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": req.WorkspaceID,
		"failureId":   req.FailureID,
		"userId":      req.UserID,
	}); err != nil {
		return RecoveryResult{}, err
	}
	if !ValidOverrideAction(req.Action) {
		return RecoveryResult{}, badRequestf("unknown override action %q", req.Action)
	}
	if req.Action == ActionReassign && req.ReassignTo == "" {
		return RecoveryResult{}, badRequestf("reassignTo is required for reassign")
	}
	if s.engine == nil {
		return RecoveryResult{}, notFound("failure", req.FailureID)
	}
	return s.engine.HandleManualOverride(ctx, req)
}

// GetRecoveryStatus summarizes the project's failure situation, scoped to the
// workspace. Without an engine an empty status is returned.
func (s *Service) GetRecoveryStatus(ctx context.Context, workspaceID, projectID string) (RecoveryStatus, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": workspaceID,
		"projectId":   projectID,
	}); err != nil {
		return RecoveryStatus{}, err
	}
	if s.engine == nil {
		return RecoveryStatus{ProjectID: projectID}, nil
	}
	status, err := s.engine.GetRecoveryStatus(ctx, projectID)
	if err != nil {
		return RecoveryStatus{}, err
	}
	if status.ActiveFailure != nil && status.ActiveFailure.WorkspaceID != workspaceID {
		return RecoveryStatus{ProjectID: projectID}, nil
	}
	return status, nil
}

// scoped loads the context and verifies its workspace. Mismatches are
// reported as not found so callers cannot probe other workspaces.
func (s *Service) scoped(ctx context.Context, workspaceID, projectID string) (pipeline.Context, error) {
	if err := requireIDs(map[string]string{
		"workspaceId": workspaceID,
		"projectId":   projectID,
	}); err != nil {
		return pipeline.Context{}, err
	}
	pctx, err := s.machine.GetState(ctx, projectID)
	if err != nil {
		return pipeline.Context{}, err
	}
	if pctx.WorkspaceID != workspaceID {
		return pipeline.Context{}, notFound("pipeline", projectID)
	}
	return pctx, nil
}

// requireIDs rejects blank identifiers, naming the first offender.
func requireIDs(ids map[string]string) error {
	for _, name := range []string{"workspaceId", "projectId", "failureId", "userId"} {
		v, ok := ids[name]
		if !ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			return badRequestf("%s is required", name)
		}
	}
	return nil
}
