package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/t77yq/agent-orchestrator/internal/integration"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/secret"
)

func (s *Server) handleRegisterIntegration(w http.ResponseWriter, r *http.Request) {
	var in model.Integration
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if in.Name == "" || in.BaseURL == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name and base_url are required")
		return
	}

	id, err := s.registry.Register(r.Context(), &in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"integrations": list})
}

func (s *Server) handleListAgentIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.ListForAgent(r.Context(), mux.Vars(r)["agent_id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"integrations": list})
}

// assignIntegrationRequest grants an agent access and stores its credentials
// in the same call; the credential values go straight to the secret store.
type assignIntegrationRequest struct {
	AgentID     string            `json:"agent_id"`
	Credentials map[string]string `json:"credentials"`
}

func (s *Server) handleAssignIntegration(w http.ResponseWriter, r *http.Request) {
	var req assignIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "agent_id is required")
		return
	}

	integrationID := mux.Vars(r)["id"]
	in, err := s.registry.Get(r.Context(), integrationID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if err := integration.ValidateCredentials(in, req.Credentials); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := s.secrets.Put(r.Context(), req.AgentID, in.Name, req.Credentials); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := s.registry.Assign(r.Context(), req.AgentID, integrationID); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req integration.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Method == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "agent_id and method are required")
		return
	}

	resp, err := s.proxy.Call(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		// Missing or undecryptable credentials on a proxy call is an auth
		// failure, not a lookup miss.
		if errors.Is(err, secret.ErrSecretNotFound) || errors.Is(err, secret.ErrDecryptFailed) {
			respondError(w, http.StatusUnauthorized, "auth_error", "no usable credentials for this integration")
			return
		}
		respondServiceError(w, err)
		return
	}

	// The upstream response passes through verbatim; status judgment is the
	// caller's.
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
