// Package secret provides encrypted at-rest credential storage keyed by
// (agent, service name).
package secret

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gtank/cryptopasta"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/storage"
)

const lockStripes = 64

// Config carries the process-wide encryption key, loaded once at startup.
// The key is never read from the environment inside store methods.
type Config struct {
	EncryptionKey [32]byte
}

// Store encrypts secret data with AES-GCM before it reaches storage.
// Ciphertext is authenticated; any at-rest modification fails decryption.
type Store struct {
	logger  *zap.Logger
	storage *storage.Storage
	key     *[32]byte

	// write serialization per (agent_id, service_name) to avoid lost updates
	locks [lockStripes]sync.Mutex
}

// NewStore creates a secret store using the injected encryption key
func NewStore(cfg Config, st *storage.Storage, logger *zap.Logger) *Store {
	key := cfg.EncryptionKey
	return &Store{
		logger:  logger.Named("secret-store"),
		storage: st,
		key:     &key,
	}
}

// Put upserts the secret data for an agent/service pair
func (s *Store) Put(ctx context.Context, agentID, serviceName string, data map[string]string) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal secret data: %w", err)
	}

	cipher, err := cryptopasta.Encrypt(plaintext, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	mu := &s.locks[stripe(agentID, serviceName)]
	mu.Lock()
	defer mu.Unlock()

	if err := s.storage.UpsertSecret(ctx, agentID, serviceName, base64.StdEncoding.EncodeToString(cipher)); err != nil {
		return err
	}

	s.logger.Info("Stored secret",
		zap.String("agent_id", agentID),
		zap.String("service_name", serviceName))
	return nil
}

// Get decrypts and returns the secret data for an agent/service pair
func (s *Store) Get(ctx context.Context, agentID, serviceName string) (map[string]string, error) {
	ciphertext, err := s.storage.GetSecretCiphertext(ctx, agentID, serviceName)
	if err != nil {
		return nil, err
	}
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrSecretNotFound, agentID, serviceName)
	}

	encrypted, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}

	plaintext, err := cryptopasta.Decrypt(encrypted, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDecryptFailed, agentID, serviceName)
	}

	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret data: %w", err)
	}
	return data, nil
}

// List returns the service names an agent holds secrets for, never values
func (s *Store) List(ctx context.Context, agentID string) ([]string, error) {
	return s.storage.ListSecretServices(ctx, agentID)
}

// Delete removes a secret; idempotent
func (s *Store) Delete(ctx context.Context, agentID, serviceName string) error {
	mu := &s.locks[stripe(agentID, serviceName)]
	mu.Lock()
	defer mu.Unlock()

	if err := s.storage.DeleteSecret(ctx, agentID, serviceName); err != nil {
		return err
	}

	s.logger.Info("Deleted secret",
		zap.String("agent_id", agentID),
		zap.String("service_name", serviceName))
	return nil
}

func stripe(agentID, serviceName string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(serviceName))
	return h.Sum32() % lockStripes
}
