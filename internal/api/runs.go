package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/t77yq/agent-orchestrator/internal/pipeline"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.tracker.GetRun(r.Context(), mux.Vars(r)["run_id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleReportTask(w http.ResponseWriter, r *http.Request) {
	var report pipeline.TaskReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}

	vars := mux.Vars(r)
	run, err := s.tracker.ReportTask(r.Context(), vars["run_id"], vars["task_name"], report)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}
