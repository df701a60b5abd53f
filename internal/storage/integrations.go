package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// CreateIntegration inserts a new integration. The name is unique.
func (s *Storage) CreateIntegration(ctx context.Context, in *model.Integration) error {
	scheme, err := json.Marshal(in.AuthScheme)
	if err != nil {
		return fmt.Errorf("failed to marshal auth scheme: %w", err)
	}
	fields, err := json.Marshal(in.AuthFields)
	if err != nil {
		return fmt.Errorf("failed to marshal auth fields: %w", err)
	}
	endpoints, err := json.Marshal(in.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (
			id, name, type, base_url, auth_scheme, auth_fields, endpoints,
			usage_instructions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID,
		in.Name,
		in.Type,
		in.BaseURL,
		string(scheme),
		string(fields),
		string(endpoints),
		sql.NullString{String: in.UsageInstructions, Valid: in.UsageInstructions != ""},
		in.CreatedAt,
		in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store integration: %w", err)
	}
	return nil
}

// GetIntegration retrieves an integration by ID; returns nil when absent
func (s *Storage) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	row := s.db.QueryRowContext(ctx, integrationSelect+" WHERE id = ?", id)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// GetIntegrationByName retrieves an integration by name; returns nil when absent
func (s *Storage) GetIntegrationByName(ctx context.Context, name string) (*model.Integration, error) {
	row := s.db.QueryRowContext(ctx, integrationSelect+" WHERE name = ?", name)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// ListIntegrations returns every registered integration
func (s *Storage) ListIntegrations(ctx context.Context) ([]*model.Integration, error) {
	return s.queryIntegrations(ctx, integrationSelect+" ORDER BY created_at DESC")
}

// AssignIntegration grants an agent visibility of an integration; idempotent
func (s *Storage) AssignIntegration(ctx context.Context, agentID, integrationID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_integrations (agent_id, integration_id, created_at)
		VALUES (?, ?, ?)`,
		agentID, integrationID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to assign integration: %w", err)
	}
	return nil
}

// IsAssigned reports whether the integration is visible to the agent
func (s *Storage) IsAssigned(ctx context.Context, agentID, integrationID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_integrations WHERE agent_id = ? AND integration_id = ?`,
		agentID, integrationID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check assignment: %w", err)
	}
	return count > 0, nil
}

// ListIntegrationsForAgent returns the integrations assigned to an agent
func (s *Storage) ListIntegrationsForAgent(ctx context.Context, agentID string) ([]*model.Integration, error) {
	return s.queryIntegrations(ctx, integrationSelect+`
		JOIN agent_integrations ai ON ai.integration_id = integrations.id
		WHERE ai.agent_id = ?
		ORDER BY integrations.created_at DESC`, agentID)
}

const integrationSelect = `
	SELECT integrations.id, integrations.name, integrations.type, integrations.base_url,
		integrations.auth_scheme, integrations.auth_fields, integrations.endpoints,
		integrations.usage_instructions, integrations.created_at, integrations.updated_at
	FROM integrations`

func scanIntegration(row rowScanner) (*model.Integration, error) {
	var in model.Integration
	var scheme, fields string
	var endpoints, usage sql.NullString

	err := row.Scan(
		&in.ID,
		&in.Name,
		&in.Type,
		&in.BaseURL,
		&scheme,
		&fields,
		&endpoints,
		&usage,
		&in.CreatedAt,
		&in.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}

	if err := json.Unmarshal([]byte(scheme), &in.AuthScheme); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth scheme: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &in.AuthFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth fields: %w", err)
	}
	if endpoints.Valid && endpoints.String != "" {
		if err := json.Unmarshal([]byte(endpoints.String), &in.Endpoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal endpoints: %w", err)
		}
	}
	if usage.Valid {
		in.UsageInstructions = usage.String
	}

	return &in, nil
}

func (s *Storage) queryIntegrations(ctx context.Context, query string, args ...interface{}) ([]*model.Integration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []*model.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
