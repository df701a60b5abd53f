package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// CreateRun appends a new run record
func (s *Storage) CreateRun(ctx context.Context, run *model.Run) error {
	tasks, err := json.Marshal(run.Tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, tasks, started_at, finished_at, delivery, delivery_to, delivery_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.JobID,
		string(run.Status),
		string(tasks),
		run.StartedAt,
		nullTime(run.FinishedAt),
		string(run.Delivery),
		sql.NullString{String: run.DeliveryTo, Valid: run.DeliveryTo != ""},
		sql.NullString{String: run.DeliveryError, Valid: run.DeliveryError != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// UpdateRun rewrites a run's mutable fields (status, tasks, delivery)
func (s *Storage) UpdateRun(ctx context.Context, run *model.Run) error {
	tasks, err := json.Marshal(run.Tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, tasks = ?, finished_at = ?, delivery = ?, delivery_error = ?
		WHERE id = ?`,
		string(run.Status),
		string(tasks),
		nullTime(run.FinishedAt),
		string(run.Delivery),
		sql.NullString{String: run.DeliveryError, Valid: run.DeliveryError != ""},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// UpdateRunDelivery records the webhook delivery outcome for a run
func (s *Storage) UpdateRunDelivery(ctx context.Context, runID string, state model.DeliveryState, deliveryErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET delivery = ?, delivery_error = ? WHERE id = ?`,
		string(state),
		sql.NullString{String: deliveryErr, Valid: deliveryErr != ""},
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run delivery: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID; returns nil when absent
func (s *Storage) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRunsByJob returns a job's runs, most recent first
func (s *Storage) ListRunsByJob(ctx context.Context, jobID string, limit int) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		runSelect+" WHERE job_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?",
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// CountRuns returns the total number of recorded runs
func (s *Storage) CountRuns(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

const runSelect = `
	SELECT id, job_id, status, tasks, started_at, finished_at, delivery, delivery_to, delivery_error
	FROM runs`

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var tasks string
	var finishedAt sql.NullTime
	var deliveryTo, deliveryErr sql.NullString

	err := row.Scan(
		&run.ID,
		&run.JobID,
		(*string)(&run.Status),
		&tasks,
		&run.StartedAt,
		&finishedAt,
		(*string)(&run.Delivery),
		&deliveryTo,
		&deliveryErr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if err := json.Unmarshal([]byte(tasks), &run.Tasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tasks: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if deliveryTo.Valid {
		run.DeliveryTo = deliveryTo.String
	}
	if deliveryErr.Valid {
		run.DeliveryError = deliveryErr.String
	}

	return &run, nil
}
