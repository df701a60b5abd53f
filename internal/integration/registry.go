// Package integration holds the third-party API catalog and the
// credential-injecting HTTP proxy.
package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// Registry is the catalog of registered integrations and their agent
// assignments. Auth-scheme metadata lives here; raw secret values never do.
type Registry struct {
	logger  *zap.Logger
	storage *storage.Storage
}

// NewRegistry creates a new integration registry
func NewRegistry(st *storage.Storage, logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("integration-registry"),
		storage: st,
	}
}

// Register validates and stores a new integration, returning its id
func (r *Registry) Register(ctx context.Context, in *model.Integration) (string, error) {
	if err := ValidateScheme(in.AuthScheme, in.AuthFields); err != nil {
		return "", err
	}

	existing, err := r.storage.GetIntegrationByName(ctx, in.Name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("%w: %q", ErrDuplicateName, in.Name)
	}

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := time.Now()
	in.CreatedAt = now
	in.UpdatedAt = now

	if err := r.storage.CreateIntegration(ctx, in); err != nil {
		return "", err
	}

	r.logger.Info("Registered integration",
		zap.String("id", in.ID),
		zap.String("name", in.Name),
		zap.String("auth_scheme", string(in.AuthScheme.Type)))

	return in.ID, nil
}

// Get retrieves an integration by id
func (r *Registry) Get(ctx context.Context, id string) (*model.Integration, error) {
	in, err := r.storage.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}
	return in, nil
}

// List returns every registered integration
func (r *Registry) List(ctx context.Context) ([]*model.Integration, error) {
	return r.storage.ListIntegrations(ctx)
}

// Assign grants an agent visibility of an integration
func (r *Registry) Assign(ctx context.Context, agentID, integrationID string) error {
	if _, err := r.Get(ctx, integrationID); err != nil {
		return err
	}
	if err := r.storage.AssignIntegration(ctx, agentID, integrationID); err != nil {
		return err
	}

	r.logger.Info("Assigned integration",
		zap.String("agent_id", agentID),
		zap.String("integration_id", integrationID))
	return nil
}

// ListForAgent returns the integrations assigned to an agent, including
// usage instructions but never the underlying secrets.
func (r *Registry) ListForAgent(ctx context.Context, agentID string) ([]*model.Integration, error) {
	return r.storage.ListIntegrationsForAgent(ctx, agentID)
}

// ValidateCredentials checks that every required auth field is present
func ValidateCredentials(in *model.Integration, creds map[string]string) error {
	var missing []string
	for _, f := range in.AuthFields {
		if !f.Required {
			continue
		}
		if v, ok := creds[f.Name]; !ok || v == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingCredentials, missing)
	}
	return nil
}
