package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/t77yq/agent-orchestrator/internal/integration"
	"github.com/t77yq/agent-orchestrator/internal/pipeline"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/secret"
)

// errorBody is the machine-readable error envelope returned to API callers.
// Secret values never appear in it.
type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind, detail string) {
	respondJSON(w, status, map[string]errorBody{"error": {Kind: kind, Detail: detail}})
}

// respondServiceError maps service-layer sentinels onto HTTP status codes
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, pipeline.ErrRunNotFound),
		errors.Is(err, pipeline.ErrTaskNotFound),
		errors.Is(err, integration.ErrIntegrationNotFound),
		errors.Is(err, integration.ErrNotAssigned),
		errors.Is(err, secret.ErrSecretNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, scheduler.ErrInvalidJob),
		errors.Is(err, pipeline.ErrIllegalTransition),
		errors.Is(err, pipeline.ErrEvidenceRequired),
		errors.Is(err, pipeline.ErrConfirmationMissing),
		errors.Is(err, integration.ErrInvalidScheme),
		errors.Is(err, integration.ErrMissingCredentials):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())

	case errors.Is(err, integration.ErrDuplicateName),
		errors.Is(err, pipeline.ErrRunFinished):
		respondError(w, http.StatusConflict, "conflict", err.Error())

	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
