package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/event"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/storage"
	"github.com/t77yq/agent-orchestrator/internal/testutil"
)

func newTestTracker(t *testing.T) (*Tracker, *storage.Storage, nats.JetStreamContext) {
	t.Helper()

	js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     event.RunStreamName,
		Subjects: []string{event.RunSubjects},
	})
	require.NoError(t, err)

	st, err := storage.Open(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewTracker(st, js, zap.NewNop()), st, js
}

func seedJob(t *testing.T, st *storage.Storage, tasks ...model.TaskSpec) *model.CronJob {
	t.Helper()
	now := time.Now()
	job := &model.CronJob{
		ID:             "job-1",
		Name:           "digest",
		AgentID:        "agent-1",
		ScheduleKind:   model.ScheduleKindEvery,
		ScheduleExpr:   "5m",
		SessionTarget:  model.SessionTargetMain,
		PayloadMessage: "do the thing",
		Pipeline:       model.PipelineTemplate{Tasks: tasks},
		DeliveryMode:   model.DeliveryModeNone,
		Enabled:        true,
		UserID:         "user-1",
		SessionID:      "session-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func TestStartRun(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()

	job := seedJob(t, st,
		model.TaskSpec{Name: "collect"},
		model.TaskSpec{Name: "send", ConfirmationField: "message_id"},
	)

	run, err := tracker.StartRun(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, model.DeliveryStateNone, run.Delivery)
	require.Len(t, run.Tasks, 2)
	for _, task := range run.Tasks {
		assert.Equal(t, model.TaskStatusPending, task.Status)
	}

	got, err := tracker.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestStartRunWebhookDeliveryPending(t *testing.T) {
	tracker, st, _ := newTestTracker(t)

	job := seedJob(t, st, model.TaskSpec{Name: "only"})
	job.DeliveryMode = model.DeliveryModeWebhook
	job.DeliveryTo = "https://hooks.example.com/x"

	run, err := tracker.StartRun(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatePending, run.Delivery)
	assert.Equal(t, "https://hooks.example.com/x", run.DeliveryTo)
}

func TestReportTaskTransitions(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()

	job := seedJob(t, st, model.TaskSpec{Name: "step", ConfirmationField: "id"})

	start := func(t *testing.T) *model.Run {
		run, err := tracker.StartRun(ctx, job)
		require.NoError(t, err)
		return run
	}

	t.Run("Pending To Success Forbidden", func(t *testing.T) {
		run := start(t)
		_, err := tracker.ReportTask(ctx, run.ID, "step", TaskReport{
			Status:   model.TaskStatusSuccess,
			Evidence: []byte(`{"id":"x"}`),
		})
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("Success Requires Evidence", func(t *testing.T) {
		run := start(t)
		_, err := tracker.ReportTask(ctx, run.ID, "step", TaskReport{Status: model.TaskStatusInProgress})
		require.NoError(t, err)

		_, err = tracker.ReportTask(ctx, run.ID, "step", TaskReport{Status: model.TaskStatusSuccess})
		assert.ErrorIs(t, err, ErrEvidenceRequired)

		_, err = tracker.ReportTask(ctx, run.ID, "step", TaskReport{
			Status:   model.TaskStatusSuccess,
			Evidence: []byte(`not json`),
		})
		assert.ErrorIs(t, err, ErrEvidenceRequired)
	})

	t.Run("Success Requires Confirmation Field", func(t *testing.T) {
		run := start(t)
		_, err := tracker.ReportTask(ctx, run.ID, "step", TaskReport{Status: model.TaskStatusInProgress})
		require.NoError(t, err)

		_, err = tracker.ReportTask(ctx, run.ID, "step", TaskReport{
			Status:   model.TaskStatusSuccess,
			Evidence: []byte(`{"other":"value"}`),
		})
		assert.ErrorIs(t, err, ErrConfirmationMissing)
	})

	t.Run("Full Success Path", func(t *testing.T) {
		run := start(t)
		_, err := tracker.ReportTask(ctx, run.ID, "step", TaskReport{Status: model.TaskStatusInProgress})
		require.NoError(t, err)

		updated, err := tracker.ReportTask(ctx, run.ID, "step", TaskReport{
			Status:   model.TaskStatusSuccess,
			Evidence: []byte(`{"id":"msg-42"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, updated.Status)
		require.NotNil(t, updated.FinishedAt)
		assert.JSONEq(t, `{"id":"msg-42"}`, string(updated.Tasks[0].Evidence))
	})

	t.Run("Terminal Task Is Final", func(t *testing.T) {
		run := start(t)
		_, err := tracker.ReportTask(ctx, run.ID, "step", TaskReport{
			Status:  model.TaskStatusError,
			Message: "upstream 500",
		})
		require.NoError(t, err)

		_, err = tracker.ReportTask(ctx, run.ID, "step", TaskReport{Status: model.TaskStatusInProgress})
		assert.ErrorIs(t, err, ErrRunFinished)
	})

	t.Run("Unknown Task", func(t *testing.T) {
		run := start(t)
		_, err := tracker.ReportTask(ctx, run.ID, "nope", TaskReport{Status: model.TaskStatusInProgress})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("Unknown Run", func(t *testing.T) {
		_, err := tracker.ReportTask(ctx, "no-such-run", "step", TaskReport{Status: model.TaskStatusInProgress})
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestPendingToErrorRecordsDependencyFailure(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()

	job := seedJob(t, st,
		model.TaskSpec{Name: "first"},
		model.TaskSpec{Name: "second"},
		model.TaskSpec{Name: "third"},
	)
	run, err := tracker.StartRun(ctx, job)
	require.NoError(t, err)

	_, err = tracker.ReportTask(ctx, run.ID, "first", TaskReport{Status: model.TaskStatusInProgress})
	require.NoError(t, err)

	updated, err := tracker.ReportTask(ctx, run.ID, "first", TaskReport{
		Status:         model.TaskStatusError,
		Message:        "API unreachable",
		FailDependents: true,
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusError, updated.Status)
	assert.Equal(t, model.TaskStatusError, updated.Tasks[1].Status)
	assert.Contains(t, updated.Tasks[1].Message, "first")
	assert.Equal(t, model.TaskStatusError, updated.Tasks[2].Status)
}

func TestRunCompletionPublished(t *testing.T) {
	tracker, st, js := newTestTracker(t)
	ctx := context.Background()

	job := seedJob(t, st, model.TaskSpec{Name: "only"})
	run, err := tracker.StartRun(ctx, job)
	require.NoError(t, err)

	msgCh := make(chan []byte, 1)
	sub, err := js.Subscribe(event.RunCompletedSubject, func(msg *nats.Msg) {
		msgCh <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = tracker.ReportTask(ctx, run.ID, "only", TaskReport{Status: model.TaskStatusInProgress})
	require.NoError(t, err)
	_, err = tracker.ReportTask(ctx, run.ID, "only", TaskReport{
		Status:   model.TaskStatusSuccess,
		Evidence: []byte(`{"done":true}`),
	})
	require.NoError(t, err)

	select {
	case data := <-msgCh:
		var result model.RunResult
		require.NoError(t, json.Unmarshal(data, &result))
		assert.Equal(t, run.ID, result.RunID)
		assert.Equal(t, job.ID, result.JobID)
		assert.Equal(t, model.RunStatusCompleted, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run completion event")
	}

	// Completion also lands on the owning job's aggregates.
	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.LastRunStatus)
}

func TestPartialFailureIsRunError(t *testing.T) {
	tracker, st, _ := newTestTracker(t)
	ctx := context.Background()

	job := seedJob(t, st,
		model.TaskSpec{Name: "ok"},
		model.TaskSpec{Name: "bad"},
	)
	run, err := tracker.StartRun(ctx, job)
	require.NoError(t, err)

	_, err = tracker.ReportTask(ctx, run.ID, "ok", TaskReport{Status: model.TaskStatusInProgress})
	require.NoError(t, err)
	_, err = tracker.ReportTask(ctx, run.ID, "ok", TaskReport{
		Status:   model.TaskStatusSuccess,
		Evidence: []byte(`{"ok":true}`),
	})
	require.NoError(t, err)

	updated, err := tracker.ReportTask(ctx, run.ID, "bad", TaskReport{
		Status:  model.TaskStatusError,
		Message: "validation failed",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, updated.Status)
}
