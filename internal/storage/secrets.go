package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertSecret stores ciphertext for (agent_id, service_name), replacing any
// previous value. The storage layer never sees plaintext.
func (s *Storage) UpsertSecret(ctx context.Context, agentID, serviceName, ciphertext string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_secrets (agent_id, service_name, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, service_name) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		agentID, serviceName, ciphertext, now, now)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// GetSecretCiphertext returns the stored ciphertext, or "" when absent
func (s *Storage) GetSecretCiphertext(ctx context.Context, agentID, serviceName string) (string, error) {
	var ciphertext string
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM agent_secrets WHERE agent_id = ? AND service_name = ?`,
		agentID, serviceName).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return ciphertext, nil
}

// ListSecretServices returns the service names an agent holds secrets for
func (s *Storage) ListSecretServices(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_name FROM agent_secrets WHERE agent_id = ? ORDER BY service_name`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan secret name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return names, nil
}

// DeleteSecret removes a secret; idempotent
func (s *Storage) DeleteSecret(ctx context.Context, agentID, serviceName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_secrets WHERE agent_id = ? AND service_name = ?`,
		agentID, serviceName)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
