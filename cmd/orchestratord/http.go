package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/pipeline/orchestrator"
	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	startRequest struct {
		WorkspaceID string            `json:"workspace_id"`
		StoryID     string            `json:"story_id"`
		UserID      string            `json:"user_id"`
		MaxRetries  int               `json:"max_retries"`
		Metadata    map[string]string `json:"metadata"`
	}

	startResponse struct {
		WorkflowID string `json:"workflow_id"`
		State      string `json:"state"`
		Message    string `json:"message"`
	}

	pauseResumeRequest struct {
		WorkspaceID string `json:"workspace_id"`
		UserID      string `json:"user_id"`
	}

	pauseResumeResponse struct {
		PreviousState string `json:"previous_state"`
		NewState      string `json:"new_state"`
		Message       string `json:"message"`
	}

	phaseCompleteRequest struct {
		WorkspaceID string `json:"workspace_id"`
		Phase       string `json:"phase"`
		AgentID     string `json:"agent_id"`
		Rework      bool   `json:"rework"`
		Details     string `json:"details"`
	}

	phaseCompleteResponse struct {
		Applied bool   `json:"applied"`
		State   string `json:"state"`
		JobID   string `json:"job_id,omitempty"`
	}

	reportFailureRequest struct {
		WorkspaceID string `json:"workspace_id"`
		FailureType string `json:"failure_type"`
		Severity    string `json:"severity"`
		Details     string `json:"details"`
	}

	recoveryResponse struct {
		FailureID  string `json:"failure_id,omitempty"`
		Strategy   string `json:"strategy,omitempty"`
		Success    bool   `json:"success"`
		RetryCount int    `json:"retry_count"`
		State      string `json:"state,omitempty"`
		Message    string `json:"message,omitempty"`
	}

	overrideRequest struct {
		WorkspaceID string `json:"workspace_id"`
		UserID      string `json:"user_id"`
		Action      string `json:"action"`
		Guidance    string `json:"guidance"`
		ReassignTo  string `json:"reassign_to"`
	}

	recoveryStatusResponse struct {
		ProjectID     string                   `json:"project_id"`
		State         string                   `json:"state,omitempty"`
		ActiveFailure *pipeline.FailureRecord  `json:"active_failure,omitempty"`
		IsEscalated   bool                     `json:"is_escalated"`
		RetryCount    int                      `json:"retry_count"`
		MaxRetries    int                      `json:"max_retries"`
		History       []pipeline.RecoveryEntry `json:"history,omitempty"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// newHandler builds the daemon's HTTP mux: the JSON control surface under
// /v1 and the Clue health endpoints.
func newHandler(svc *orchestrator.Service, pingers ...health.Pinger) http.Handler {
	mux := http.NewServeMux()

	checker := health.NewChecker(pingers...)
	mux.HandleFunc("GET /healthz", health.Handler(checker))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /v1/pipelines/{projectID}/start", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.StartPipeline(r.Context(), orchestrator.StartPipelineRequest{
			WorkspaceID: req.WorkspaceID,
			ProjectID:   r.PathValue("projectID"),
			StoryID:     req.StoryID,
			UserID:      req.UserID,
			MaxRetries:  req.MaxRetries,
			Metadata:    req.Metadata,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusCreated, startResponse{
			WorkflowID: res.WorkflowID,
			State:      string(res.State),
			Message:    res.Message,
		})
	})

	mux.HandleFunc("GET /v1/pipelines/{projectID}", func(w http.ResponseWriter, r *http.Request) {
		pctx, err := svc.GetState(r.Context(), r.URL.Query().Get("workspace_id"), r.PathValue("projectID"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, pctx)
	})

	mux.HandleFunc("GET /v1/pipelines/{projectID}/history", func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		page, err := svc.GetHistory(r.Context(), r.URL.Query().Get("workspace_id"), r.PathValue("projectID"), limit, offset)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, map[string]any{
			"items": page.Items,
			"total": page.Total,
		})
	})

	mux.HandleFunc("POST /v1/pipelines/{projectID}/pause", func(w http.ResponseWriter, r *http.Request) {
		var req pauseResumeRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.PausePipeline(r.Context(), req.WorkspaceID, r.PathValue("projectID"), req.UserID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, pauseResumeResponse{
			PreviousState: string(res.PreviousState),
			NewState:      string(res.NewState),
			Message:       res.Message,
		})
	})

	mux.HandleFunc("POST /v1/pipelines/{projectID}/resume", func(w http.ResponseWriter, r *http.Request) {
		var req pauseResumeRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.ResumePipeline(r.Context(), req.WorkspaceID, r.PathValue("projectID"), req.UserID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, pauseResumeResponse{
			PreviousState: string(res.PreviousState),
			NewState:      string(res.NewState),
			Message:       res.Message,
		})
	})

	mux.HandleFunc("POST /v1/pipelines/{projectID}/phase-complete", func(w http.ResponseWriter, r *http.Request) {
		var req phaseCompleteRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.OnPhaseComplete(r.Context(), orchestrator.PhaseCompleteRequest{
			WorkspaceID: req.WorkspaceID,
			ProjectID:   r.PathValue("projectID"),
			Phase:       pipeline.Phase(req.Phase),
			AgentID:     req.AgentID,
			Rework:      req.Rework,
			Details:     req.Details,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, phaseCompleteResponse{
			Applied: res.Applied,
			State:   string(res.State),
			JobID:   res.JobID,
		})
	})

	mux.HandleFunc("POST /v1/pipelines/{projectID}/failures", func(w http.ResponseWriter, r *http.Request) {
		var req reportFailureRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.ReportFailure(r.Context(), orchestrator.ReportFailureRequest{
			WorkspaceID: req.WorkspaceID,
			ProjectID:   r.PathValue("projectID"),
			FailureType: pipeline.FailureType(req.FailureType),
			Severity:    pipeline.Severity(req.Severity),
			Details:     req.Details,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, toRecoveryResponse(res))
	})

	mux.HandleFunc("GET /v1/pipelines/{projectID}/recovery", func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.GetRecoveryStatus(r.Context(), r.URL.Query().Get("workspace_id"), r.PathValue("projectID"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, recoveryStatusResponse{
			ProjectID:     status.ProjectID,
			State:         string(status.State),
			ActiveFailure: status.ActiveFailure,
			IsEscalated:   status.IsEscalated,
			RetryCount:    status.RetryCount,
			MaxRetries:    status.MaxRetries,
			History:       status.History,
		})
	})

	mux.HandleFunc("POST /v1/failures/{failureID}/override", func(w http.ResponseWriter, r *http.Request) {
		var req overrideRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.HandleManualOverride(r.Context(), orchestrator.OverrideRequest{
			FailureID:   r.PathValue("failureID"),
			WorkspaceID: req.WorkspaceID,
			UserID:      req.UserID,
			Action:      orchestrator.OverrideAction(req.Action),
			Guidance:    req.Guidance,
			ReassignTo:  req.ReassignTo,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, toRecoveryResponse(res))
	})

	return mux
}

func toRecoveryResponse(res orchestrator.RecoveryResult) recoveryResponse {
	return recoveryResponse{
		FailureID:  res.FailureID,
		Strategy:   string(res.Strategy),
		Success:    res.Success,
		RetryCount: res.RetryCount,
		State:      string(res.State),
		Message:    res.Message,
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		respond(w, r, http.StatusBadRequest, errorResponse{Error: name + " must be an integer"})
		return 0, false
	}
	return v, true
}

func respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(r.Context(), err, "encode response")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case orchestrator.IsBadRequest(err):
		respond(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case orchestrator.IsNotFound(err):
		respond(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	case orchestrator.IsConflict(err):
		respond(w, r, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		log.Errorf(r.Context(), err, "request failed")
		respond(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
