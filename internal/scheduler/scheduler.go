// Package scheduler owns the CronJob lifecycle and the periodic evaluation
// tick that turns due jobs into runs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/event"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/pipeline"
	"github.com/t77yq/agent-orchestrator/internal/schedule"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// Config holds scheduler settings
type Config struct {
	TickInterval time.Duration
}

// Scheduler evaluates job schedules on a periodic tick and fires due jobs.
// Jobs due in the same tick fire concurrently; no job blocks another.
type Scheduler struct {
	logger  *zap.Logger
	cfg     Config
	storage *storage.Storage
	tracker *pipeline.Tracker
	js      nats.JetStreamContext
	stop    chan struct{}
}

// New creates a new scheduler
func New(cfg Config, st *storage.Storage, tracker *pipeline.Tracker, js nats.JetStreamContext, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		cfg:     cfg,
		storage: st,
		tracker: tracker,
		js:      js,
		stop:    make(chan struct{}),
	}
}

// Start creates the run stream and begins the evaluation loop
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.setupStream(); err != nil {
		return fmt.Errorf("failed to setup run stream: %w", err)
	}

	go s.evalLoop(ctx)
	s.logger.Info("Scheduler started", zap.Duration("tick_interval", s.cfg.TickInterval))
	return nil
}

// Stop stops the evaluation loop
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) setupStream() error {
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:     event.RunStreamName,
		Subjects: []string{event.RunSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   event.StreamMaxAge,
		MaxMsgs:  event.StreamMaxMsgs,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			s.logger.Info("Using existing run stream", zap.String("stream", event.RunStreamName))
			return nil
		}
		return err
	}
	s.logger.Info("Created run stream", zap.String("stream", event.RunStreamName))
	return nil
}

// Create validates and stores a new job, returning its id
func (s *Scheduler) Create(ctx context.Context, job *model.CronJob) (string, error) {
	if job.SessionTarget == "" {
		job.SessionTarget = model.SessionTargetMain
	}
	if job.DeliveryMode == "" {
		job.DeliveryMode = model.DeliveryModeNone
	}

	if err := validateJob(job); err != nil {
		return "", err
	}

	now := time.Now()
	next, ok, err := schedule.NextAfter(job.ScheduleKind, job.ScheduleExpr, job.ScheduleTZ, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: schedule has no future fire", ErrInvalidJob)
	}

	job.ID = uuid.New().String()
	job.NextFireAt = &next
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.storage.CreateJob(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info("Created cron job",
		zap.String("id", job.ID),
		zap.String("name", job.Name),
		zap.String("schedule_kind", string(job.ScheduleKind)),
		zap.String("schedule_expr", job.ScheduleExpr),
		zap.Time("next_fire", next))

	return job.ID, nil
}

// JobPatch carries the fields a partial update may touch
type JobPatch struct {
	Name           *string                 `json:"name,omitempty"`
	ScheduleKind   *model.ScheduleKind     `json:"schedule_kind,omitempty"`
	ScheduleExpr   *string                 `json:"schedule_expr,omitempty"`
	ScheduleTZ     *string                 `json:"schedule_tz,omitempty"`
	SessionTarget  *model.SessionTarget    `json:"session_target,omitempty"`
	PayloadMessage *string                 `json:"payload_message,omitempty"`
	Pipeline       *model.PipelineTemplate `json:"pipeline_template,omitempty"`
	DeliveryMode   *model.DeliveryMode     `json:"delivery_mode,omitempty"`
	DeliveryTo     *string                 `json:"delivery_to,omitempty"`
	Enabled        *bool                   `json:"enabled,omitempty"`
	DeleteAfterRun *bool                   `json:"delete_after_run,omitempty"`
}

// Update merges the supplied fields into the job. Schedule fields are
// re-validated as a unit whenever any of them is touched.
func (s *Scheduler) Update(ctx context.Context, jobID string, patch JobPatch) (*model.CronJob, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.SessionTarget != nil {
		job.SessionTarget = *patch.SessionTarget
	}
	if patch.PayloadMessage != nil {
		job.PayloadMessage = *patch.PayloadMessage
	}
	if patch.Pipeline != nil {
		job.Pipeline = *patch.Pipeline
	}
	if patch.DeliveryMode != nil {
		job.DeliveryMode = *patch.DeliveryMode
	}
	if patch.DeliveryTo != nil {
		job.DeliveryTo = *patch.DeliveryTo
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}

	scheduleTouched := patch.ScheduleKind != nil || patch.ScheduleExpr != nil || patch.ScheduleTZ != nil
	if patch.ScheduleKind != nil {
		job.ScheduleKind = *patch.ScheduleKind
	}
	if patch.ScheduleExpr != nil {
		job.ScheduleExpr = *patch.ScheduleExpr
	}
	if patch.ScheduleTZ != nil {
		job.ScheduleTZ = *patch.ScheduleTZ
	}

	if err := validateJob(job); err != nil {
		return nil, err
	}

	if scheduleTouched {
		next, ok, err := schedule.NextAfter(job.ScheduleKind, job.ScheduleExpr, job.ScheduleTZ, time.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: schedule has no future fire", ErrInvalidJob)
		}
		job.NextFireAt = &next
	}

	job.UpdatedAt = time.Now()
	if err := s.storage.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Updated cron job", zap.String("id", job.ID))
	return job, nil
}

// Get retrieves a job by id
func (s *Scheduler) Get(ctx context.Context, jobID string) (*model.CronJob, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// List returns jobs, optionally filtered by owner
func (s *Scheduler) List(ctx context.Context, userID, sessionID string) ([]*model.CronJob, error) {
	return s.storage.ListJobs(ctx, userID, sessionID)
}

// Delete removes a job and cancels future fires; idempotent. An
// already-started run is not aborted.
func (s *Scheduler) Delete(ctx context.Context, jobID string) error {
	if err := s.storage.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("Deleted cron job", zap.String("id", jobID))
	return nil
}

// Trigger fires a job immediately, even when disabled. It returns once the
// run exists; execution and delivery proceed asynchronously.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (string, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}

	run, err := s.fire(ctx, job, true)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// ListRuns returns a job's run history, most recent first
func (s *Scheduler) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.Run, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.storage.ListRunsByJob(ctx, jobID, limit)
}

func (s *Scheduler) evalLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled job whose next fire time has arrived. Enabled
// toggling takes effect here, on the next evaluation, not retroactively.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	jobs, err := s.storage.ListEnabledJobs(ctx)
	if err != nil {
		s.logger.Error("Failed to load jobs for evaluation", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if job.NextFireAt == nil || job.NextFireAt.After(now) {
			continue
		}
		s.advance(ctx, job, now)

		fired := job
		go func() {
			if _, err := s.fire(context.Background(), fired, false); err != nil {
				s.logger.Error("Failed to fire job",
					zap.String("job_id", fired.ID),
					zap.Error(err))
			}
		}()
	}
}

// advance moves the job's schedule past the fire that is about to happen.
// "every" jobs step from the previous scheduled fire, not from now, so
// execution latency never accumulates as drift. "at" jobs are one-shot and
// get disabled here; deletion of delete_after_run jobs happens in fire, after
// the run actually started, so a failed fire never destroys the job.
func (s *Scheduler) advance(ctx context.Context, job *model.CronJob, now time.Time) {
	firedAt := *job.NextFireAt

	switch job.ScheduleKind {
	case model.ScheduleKindAt:
		job.Enabled = false
		job.NextFireAt = nil
		job.LastRunAt = &firedAt
		job.UpdatedAt = now
		if err := s.storage.UpdateJob(ctx, job); err != nil {
			s.logger.Error("Failed to disable one-shot job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return

	case model.ScheduleKindEvery:
		interval, err := schedule.ParseEvery(job.ScheduleExpr)
		if err != nil {
			s.logger.Error("Stored schedule no longer parses", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		next := firedAt.Add(interval)
		// A stalled scheduler skips missed fires but keeps the grid.
		for !next.After(now) {
			next = next.Add(interval)
		}
		job.NextFireAt = &next

	default:
		next, ok, err := schedule.NextAfter(job.ScheduleKind, job.ScheduleExpr, job.ScheduleTZ, now)
		if err != nil || !ok {
			s.logger.Error("Failed to compute next fire", zap.String("job_id", job.ID), zap.Error(err))
			job.NextFireAt = nil
		} else {
			job.NextFireAt = &next
		}
	}

	if err := s.storage.UpdateJobFireState(ctx, job.ID, firedAt, job.NextFireAt, job.LastRunStatus); err != nil {
		s.logger.Error("Failed to persist fire state", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.LastRunAt = &firedAt
}

// fire materializes a run and publishes it for the external executor
func (s *Scheduler) fire(ctx context.Context, job *model.CronJob, manual bool) (*model.Run, error) {
	run, err := s.tracker.StartRun(ctx, job)
	if err != nil {
		return nil, err
	}

	payload := model.FirePayload{
		RunID:          run.ID,
		JobID:          job.ID,
		AgentID:        job.AgentID,
		SessionTarget:  job.SessionTarget,
		PayloadMessage: job.PayloadMessage,
		Pipeline:       job.Pipeline,
		FiredAt:        run.StartedAt,
		Manual:         manual,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fire payload: %w", err)
	}
	if _, err := s.js.Publish(event.RunFireSubject, data); err != nil {
		return nil, fmt.Errorf("failed to publish fire: %w", err)
	}

	if manual {
		now := time.Now()
		if err := s.storage.UpdateJobFireState(ctx, job.ID, now, job.NextFireAt, job.LastRunStatus); err != nil {
			s.logger.Error("Failed to record manual fire", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	// One-shot jobs marked delete_after_run go away only once a run exists
	// and the fire event is published. The run carries its own delivery
	// target, so the webhook dispatcher does not need the job row.
	if job.ScheduleKind == model.ScheduleKindAt && job.DeleteAfterRun {
		if err := s.storage.DeleteJob(ctx, job.ID); err != nil {
			s.logger.Error("Failed to delete one-shot job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	s.logger.Info("Fired job",
		zap.String("job_id", job.ID),
		zap.String("run_id", run.ID),
		zap.Bool("manual", manual))

	return run, nil
}

// validateJob rejects malformed jobs synchronously, never at fire time
func validateJob(job *model.CronJob) error {
	err := validation.ValidateStruct(job,
		validation.Field(&job.Name, validation.Required),
		validation.Field(&job.AgentID, validation.Required),
		validation.Field(&job.PayloadMessage, validation.Required),
		validation.Field(&job.UserID, validation.Required),
		validation.Field(&job.SessionID, validation.Required),
		validation.Field(&job.ScheduleKind, validation.Required,
			validation.In(model.ScheduleKindEvery, model.ScheduleKindCron, model.ScheduleKindAt)),
		validation.Field(&job.ScheduleExpr, validation.Required),
		validation.Field(&job.SessionTarget,
			validation.In(model.SessionTargetMain, model.SessionTargetIsolated)),
		validation.Field(&job.DeliveryMode,
			validation.In(model.DeliveryModeWebhook, model.DeliveryModeNone)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	if len(job.Pipeline.Tasks) == 0 {
		return fmt.Errorf("%w: pipeline_template must contain at least one task", ErrInvalidJob)
	}
	for _, task := range job.Pipeline.Tasks {
		if task.Name == "" {
			return fmt.Errorf("%w: every pipeline task needs a name", ErrInvalidJob)
		}
	}

	if job.ScheduleTZ != "" && job.ScheduleKind != model.ScheduleKindCron {
		return fmt.Errorf("%w: schedule_tz is only honored for cron schedules", ErrInvalidJob)
	}
	if job.DeliveryMode == model.DeliveryModeWebhook && job.DeliveryTo == "" {
		return fmt.Errorf("%w: delivery_to is required for webhook delivery", ErrInvalidJob)
	}

	if err := schedule.Validate(job.ScheduleKind, job.ScheduleExpr, job.ScheduleTZ); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}
