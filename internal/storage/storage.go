// Package storage persists jobs, runs, integrations and secrets in SQLite.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Storage wraps the SQLite handle shared by all stores
type Storage struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the database at the given path
func Open(logger *zap.Logger, dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{
		logger: logger,
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *Storage) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cron_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_expr TEXT NOT NULL,
			schedule_tz TEXT,
			session_target TEXT NOT NULL,
			payload_message TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			delivery_mode TEXT NOT NULL,
			delivery_to TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			delete_after_run INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			last_run_at DATETIME,
			next_fire_at DATETIME,
			last_run_status TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cron_jobs_agent ON cron_jobs(agent_id);
		CREATE INDEX IF NOT EXISTS idx_cron_jobs_owner ON cron_jobs(user_id, session_id);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			tasks TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			delivery TEXT NOT NULL,
			delivery_to TEXT,
			delivery_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

		CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			base_url TEXT NOT NULL,
			auth_scheme TEXT NOT NULL,
			auth_fields TEXT NOT NULL,
			endpoints TEXT,
			usage_instructions TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_integrations (
			agent_id TEXT NOT NULL,
			integration_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, integration_id)
		);

		CREATE TABLE IF NOT EXISTS agent_secrets (
			agent_id TEXT NOT NULL,
			service_name TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, service_name)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
