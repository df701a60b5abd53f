package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

type putSecretRequest struct {
	AgentID     string            `json:"agent_id"`
	ServiceName string            `json:"service_name"`
	Data        map[string]string `json:"data"`
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.ServiceName == "" || len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "agent_id, service_name and data are required")
		return
	}

	if err := s.secrets.Put(r.Context(), req.AgentID, req.ServiceName, req.Data); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	services, err := s.secrets.List(r.Context(), mux.Vars(r)["agent_id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if services == nil {
		services = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"services": services})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := s.secrets.Get(r.Context(), vars["agent_id"], vars["service"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.secrets.Delete(r.Context(), vars["agent_id"], vars["service"]); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
