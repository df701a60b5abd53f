package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// CreateJob inserts a new cron job
func (s *Storage) CreateJob(ctx context.Context, job *model.CronJob) error {
	pipeline, err := json.Marshal(job.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (
			id, name, agent_id, schedule_kind, schedule_expr, schedule_tz,
			session_target, payload_message, pipeline, delivery_mode, delivery_to,
			enabled, delete_after_run, user_id, session_id,
			last_run_at, next_fire_at, last_run_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Name,
		job.AgentID,
		string(job.ScheduleKind),
		job.ScheduleExpr,
		sql.NullString{String: job.ScheduleTZ, Valid: job.ScheduleTZ != ""},
		string(job.SessionTarget),
		job.PayloadMessage,
		string(pipeline),
		string(job.DeliveryMode),
		sql.NullString{String: job.DeliveryTo, Valid: job.DeliveryTo != ""},
		job.Enabled,
		job.DeleteAfterRun,
		job.UserID,
		job.SessionID,
		nullTime(job.LastRunAt),
		nullTime(job.NextFireAt),
		sql.NullString{String: string(job.LastRunStatus), Valid: job.LastRunStatus != ""},
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store cron job: %w", err)
	}
	return nil
}

// UpdateJob rewrites the full job row
func (s *Storage) UpdateJob(ctx context.Context, job *model.CronJob) error {
	pipeline, err := json.Marshal(job.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET
			name = ?, agent_id = ?, schedule_kind = ?, schedule_expr = ?,
			schedule_tz = ?, session_target = ?, payload_message = ?, pipeline = ?,
			delivery_mode = ?, delivery_to = ?, enabled = ?, delete_after_run = ?,
			user_id = ?, session_id = ?, last_run_at = ?, next_fire_at = ?,
			last_run_status = ?, updated_at = ?
		WHERE id = ?`,
		job.Name,
		job.AgentID,
		string(job.ScheduleKind),
		job.ScheduleExpr,
		sql.NullString{String: job.ScheduleTZ, Valid: job.ScheduleTZ != ""},
		string(job.SessionTarget),
		job.PayloadMessage,
		string(pipeline),
		string(job.DeliveryMode),
		sql.NullString{String: job.DeliveryTo, Valid: job.DeliveryTo != ""},
		job.Enabled,
		job.DeleteAfterRun,
		job.UserID,
		job.SessionID,
		nullTime(job.LastRunAt),
		nullTime(job.NextFireAt),
		sql.NullString{String: string(job.LastRunStatus), Valid: job.LastRunStatus != ""},
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cron job: %w", err)
	}
	return nil
}

// UpdateJobFireState persists scheduling bookkeeping after a fire
func (s *Storage) UpdateJobFireState(ctx context.Context, jobID string, lastRunAt time.Time, nextFireAt *time.Time, lastStatus model.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run_at = ?, next_fire_at = ?, last_run_status = ? WHERE id = ?`,
		lastRunAt,
		nullTime(nextFireAt),
		sql.NullString{String: string(lastStatus), Valid: lastStatus != ""},
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fire state: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID; returns nil when absent
func (s *Storage) GetJob(ctx context.Context, id string) (*model.CronJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+" WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs returns all jobs, optionally filtered by owner
func (s *Storage) ListJobs(ctx context.Context, userID, sessionID string) ([]*model.CronJob, error) {
	query := jobSelect
	args := make([]interface{}, 0, 2)
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
		if sessionID != "" {
			query += " AND session_id = ?"
			args = append(args, sessionID)
		}
	} else if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC"

	return s.queryJobs(ctx, query, args...)
}

// ListEnabledJobs returns every enabled job, for scheduler evaluation ticks
func (s *Storage) ListEnabledJobs(ctx context.Context) ([]*model.CronJob, error) {
	return s.queryJobs(ctx, jobSelect+" WHERE enabled = 1")
}

// DeleteJob removes a job; idempotent
func (s *Storage) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cron_jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete cron job: %w", err)
	}
	return nil
}

// CountJobs returns the total number of registered jobs
func (s *Storage) CountJobs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cron_jobs").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

const jobSelect = `
	SELECT id, name, agent_id, schedule_kind, schedule_expr, schedule_tz,
		session_target, payload_message, pipeline, delivery_mode, delivery_to,
		enabled, delete_after_run, user_id, session_id,
		last_run_at, next_fire_at, last_run_status, created_at, updated_at
	FROM cron_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.CronJob, error) {
	var job model.CronJob
	var tz, deliveryTo, lastStatus sql.NullString
	var lastRunAt, nextFireAt sql.NullTime
	var pipeline string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.AgentID,
		(*string)(&job.ScheduleKind),
		&job.ScheduleExpr,
		&tz,
		(*string)(&job.SessionTarget),
		&job.PayloadMessage,
		&pipeline,
		(*string)(&job.DeliveryMode),
		&deliveryTo,
		&job.Enabled,
		&job.DeleteAfterRun,
		&job.UserID,
		&job.SessionID,
		&lastRunAt,
		&nextFireAt,
		&lastStatus,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cron job: %w", err)
	}

	if err := json.Unmarshal([]byte(pipeline), &job.Pipeline); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	if tz.Valid {
		job.ScheduleTZ = tz.String
	}
	if deliveryTo.Valid {
		job.DeliveryTo = deliveryTo.String
	}
	if lastStatus.Valid {
		job.LastRunStatus = model.RunStatus(lastStatus.String)
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	if nextFireAt.Valid {
		t := nextFireAt.Time
		job.NextFireAt = &t
	}

	return &job, nil
}

func (s *Storage) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*model.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.CronJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
