package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a pipeline task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusError      TaskStatus = "error"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusSuccess, TaskStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final for a run
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusError
}

// TaskSpec is one ordered step of a job's pipeline template. The description
// is expected to embed the exact call contract (method, URL, headers, body
// shape); ConfirmationField names the response field that proves the task's
// side effect actually happened.
type TaskSpec struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	ConfirmationField string   `json:"confirmation_field,omitempty"`
	Integrations      []string `json:"integrations,omitempty"`
	ContextSources    []string `json:"context_sources,omitempty"`
}

// PipelineTemplate is the reusable ordered task list a job executes on every fire
type PipelineTemplate struct {
	Tasks []TaskSpec `json:"tasks"`
}

// Instantiate materializes per-run task state from the template
func (p PipelineTemplate) Instantiate() []TaskState {
	states := make([]TaskState, len(p.Tasks))
	for i, spec := range p.Tasks {
		states[i] = TaskState{
			Spec:   spec,
			Status: TaskStatusPending,
		}
	}
	return states
}

// TaskState is the live status of one task within a run
type TaskState struct {
	Spec        TaskSpec        `json:"spec"`
	Status      TaskStatus      `json:"status"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	Message     string          `json:"message,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunStatus represents the overall status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// DeliveryState tracks webhook delivery of a run's result
type DeliveryState string

const (
	DeliveryStateNone      DeliveryState = "none"
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateDelivered DeliveryState = "delivered"
	DeliveryStateFailed    DeliveryState = "failed"
)

// Run is one execution attempt of a job's pipeline. Runs are never reused;
// a retried attempt is a new Run. The delivery target is snapshotted from the
// job at start so the result stays deliverable after the job itself is gone
// (a one-shot job is deleted before its run finishes).
type Run struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	Status        RunStatus     `json:"status"`
	Tasks         []TaskState   `json:"tasks"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	Delivery      DeliveryState `json:"delivery"`
	DeliveryTo    string        `json:"delivery_to,omitempty"`
	DeliveryError string        `json:"delivery_error,omitempty"`
}

// Result builds the webhook payload for a finished run
func (r *Run) Result() RunResult {
	return RunResult{
		JobID:      r.JobID,
		RunID:      r.ID,
		Status:     r.Status,
		Tasks:      r.Tasks,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// RunResult is the materialized result delivered to a job's webhook target
type RunResult struct {
	JobID      string      `json:"job_id"`
	RunID      string      `json:"run_id"`
	Status     RunStatus   `json:"status"`
	Tasks      []TaskState `json:"tasks"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}
