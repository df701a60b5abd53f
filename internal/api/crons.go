package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
)

// createCronRequest mirrors the job fields a caller may set. Enabled defaults
// to true when omitted.
type createCronRequest struct {
	Name           string                 `json:"name"`
	AgentID        string                 `json:"agent_id"`
	ScheduleKind   model.ScheduleKind     `json:"schedule_kind"`
	ScheduleExpr   string                 `json:"schedule_expr"`
	ScheduleTZ     string                 `json:"schedule_tz,omitempty"`
	SessionTarget  model.SessionTarget    `json:"session_target,omitempty"`
	PayloadMessage string                 `json:"payload_message"`
	Pipeline       model.PipelineTemplate `json:"pipeline_template"`
	DeliveryMode   model.DeliveryMode     `json:"delivery_mode,omitempty"`
	DeliveryTo     string                 `json:"delivery_to,omitempty"`
	Enabled        *bool                  `json:"enabled,omitempty"`
	DeleteAfterRun bool                   `json:"delete_after_run,omitempty"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id"`
}

func (s *Server) handleCreateCron(w http.ResponseWriter, r *http.Request) {
	var req createCronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	job := &model.CronJob{
		Name:           req.Name,
		AgentID:        req.AgentID,
		ScheduleKind:   req.ScheduleKind,
		ScheduleExpr:   req.ScheduleExpr,
		ScheduleTZ:     req.ScheduleTZ,
		SessionTarget:  req.SessionTarget,
		PayloadMessage: req.PayloadMessage,
		Pipeline:       req.Pipeline,
		DeliveryMode:   req.DeliveryMode,
		DeliveryTo:     req.DeliveryTo,
		Enabled:        enabled,
		DeleteAfterRun: req.DeleteAfterRun,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
	}

	if _, err := s.scheduler.Create(r.Context(), job); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListCrons(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.List(r.Context(),
		r.URL.Query().Get("user_id"),
		r.URL.Query().Get("session_id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"crons": jobs})
}

func (s *Server) handleGetCron(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateCron(w http.ResponseWriter, r *http.Request) {
	var patch scheduler.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}

	job, err := s.scheduler.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteCron(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTriggerCron(w http.ResponseWriter, r *http.Request) {
	runID, err := s.scheduler.Trigger(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted", "run_id": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.scheduler.ListRuns(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}
