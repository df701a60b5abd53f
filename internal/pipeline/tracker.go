// Package pipeline tracks per-run task state and enforces the transition and
// evidence rules for status updates.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/event"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// TaskReport is one caller-supplied status update for a task
type TaskReport struct {
	Status   model.TaskStatus `json:"status"`
	Evidence json.RawMessage  `json:"evidence,omitempty"`
	Message  string           `json:"message,omitempty"`

	// FailDependents marks every later still-pending task as error,
	// naming this task as the failed dependency. Only meaningful with
	// Status == error.
	FailDependents bool `json:"fail_dependents,omitempty"`
}

// Tracker owns the Run lifecycle: one Run per fire, never reused
type Tracker struct {
	logger  *zap.Logger
	storage *storage.Storage
	js      nats.JetStreamContext

	// per-run serialization of read-modify-write report handling
	mu   sync.Mutex
	runs map[string]*sync.Mutex
}

// NewTracker creates a new pipeline tracker
func NewTracker(st *storage.Storage, js nats.JetStreamContext, logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:  logger.Named("pipeline-tracker"),
		storage: st,
		js:      js,
		runs:    make(map[string]*sync.Mutex),
	}
}

// StartRun materializes a new Run from the job's pipeline template. The
// delivery target is copied onto the run so delivery works even when the job
// no longer exists by completion time.
func (t *Tracker) StartRun(ctx context.Context, job *model.CronJob) (*model.Run, error) {
	delivery := model.DeliveryStateNone
	deliveryTo := ""
	if job.DeliveryMode == model.DeliveryModeWebhook {
		delivery = model.DeliveryStatePending
		deliveryTo = job.DeliveryTo
	}

	run := &model.Run{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		Status:     model.RunStatusRunning,
		Tasks:      job.Pipeline.Instantiate(),
		StartedAt:  time.Now(),
		Delivery:   delivery,
		DeliveryTo: deliveryTo,
	}

	if err := t.storage.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	t.logger.Info("Started run",
		zap.String("run_id", run.ID),
		zap.String("job_id", job.ID),
		zap.Int("tasks", len(run.Tasks)))

	return run, nil
}

// GetRun retrieves a run by id
func (t *Tracker) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := t.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// ReportTask applies one status update. A transition to success must carry
// evidence consistent with the task's declared confirmation field; the
// evidence is recorded alongside the status so it stays auditable.
func (t *Tracker) ReportTask(ctx context.Context, runID, taskName string, report TaskReport) (*model.Run, error) {
	mu := t.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}

	idx := -1
	for i := range run.Tasks {
		if run.Tasks[i].Spec.Name == taskName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q in run %s", ErrTaskNotFound, taskName, runID)
	}

	task := &run.Tasks[idx]
	if err := validateTransition(task.Spec, task.Status, report); err != nil {
		return nil, err
	}

	now := time.Now()
	switch report.Status {
	case model.TaskStatusInProgress:
		task.StartedAt = &now
	case model.TaskStatusSuccess, model.TaskStatusError:
		task.CompletedAt = &now
		task.Evidence = report.Evidence
		task.Message = report.Message
	}
	task.Status = report.Status

	if report.Status == model.TaskStatusError && report.FailDependents {
		failDependents(run, idx, taskName, now)
	}

	t.finalizeIfDone(run)

	if err := t.storage.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	t.logger.Info("Task status reported",
		zap.String("run_id", runID),
		zap.String("task", taskName),
		zap.String("status", string(report.Status)))

	if run.Status != model.RunStatusRunning {
		t.publishCompleted(ctx, run)
		t.dropLock(runID)
	}

	return run, nil
}

// validateTransition enforces pending -> in_progress -> {success, error}.
// Terminal states are final for a run; pending -> error is allowed so a
// dependency failure is recorded, never silently skipped.
func validateTransition(spec model.TaskSpec, from model.TaskStatus, report TaskReport) error {
	to := report.Status
	if !to.Valid() || to == model.TaskStatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: task already %s", ErrIllegalTransition, from)
	}
	if from == model.TaskStatusPending && to == model.TaskStatusSuccess {
		return fmt.Errorf("%w: %s -> %s (must pass through in_progress)", ErrIllegalTransition, from, to)
	}

	if to == model.TaskStatusSuccess {
		if len(report.Evidence) == 0 || !gjson.ValidBytes(report.Evidence) {
			return ErrEvidenceRequired
		}
		if spec.ConfirmationField != "" && !gjson.GetBytes(report.Evidence, spec.ConfirmationField).Exists() {
			return fmt.Errorf("%w: %q", ErrConfirmationMissing, spec.ConfirmationField)
		}
	}
	return nil
}

// failDependents marks every later non-terminal task as error, identifying
// the failed dependency by name.
func failDependents(run *model.Run, failedIdx int, failedName string, now time.Time) {
	for i := failedIdx + 1; i < len(run.Tasks); i++ {
		task := &run.Tasks[i]
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = model.TaskStatusError
		task.Message = fmt.Sprintf("dependency %q failed", failedName)
		task.CompletedAt = &now
	}
}

// finalizeIfDone finishes the run once every task is terminal. The run is
// completed only when no task errored; partial success is error, but still
// visible and still delivered.
func (t *Tracker) finalizeIfDone(run *model.Run) {
	hasError := false
	for i := range run.Tasks {
		if !run.Tasks[i].Status.IsTerminal() {
			return
		}
		if run.Tasks[i].Status == model.TaskStatusError {
			hasError = true
		}
	}

	now := time.Now()
	run.FinishedAt = &now
	if hasError {
		run.Status = model.RunStatusError
	} else {
		run.Status = model.RunStatusCompleted
	}

	t.logger.Info("Run finished",
		zap.String("run_id", run.ID),
		zap.String("job_id", run.JobID),
		zap.String("status", string(run.Status)))
}

func (t *Tracker) publishCompleted(ctx context.Context, run *model.Run) {
	if job, err := t.storage.GetJob(ctx, run.JobID); err == nil && job != nil {
		if err := t.storage.UpdateJobFireState(ctx, job.ID, run.StartedAt, job.NextFireAt, run.Status); err != nil {
			t.logger.Error("Failed to record last run status", zap.Error(err))
		}
	}

	data, err := json.Marshal(run.Result())
	if err != nil {
		t.logger.Error("Failed to marshal run result", zap.Error(err))
		return
	}
	if _, err := t.js.Publish(event.RunCompletedSubject, data); err != nil {
		t.logger.Error("Failed to publish run completion",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}

func (t *Tracker) runLock(runID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.runs[runID]
	if !ok {
		mu = &sync.Mutex{}
		t.runs[runID] = mu
	}
	return mu
}

func (t *Tracker) dropLock(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}
