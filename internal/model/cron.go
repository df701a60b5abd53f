package model

import (
	"time"
)

// ScheduleKind determines how a job's schedule expression is interpreted
type ScheduleKind string

const (
	ScheduleKindEvery ScheduleKind = "every" // fixed interval, e.g. "5m", "2h", "1d"
	ScheduleKindCron  ScheduleKind = "cron"  // standard 5-field cron expression
	ScheduleKindAt    ScheduleKind = "at"    // single fire at an RFC3339 instant
)

// Valid reports whether the schedule kind is one of the supported values
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleKindEvery, ScheduleKindCron, ScheduleKindAt:
		return true
	}
	return false
}

// SessionTarget selects which agent session a fire is delivered into.
// The execution collaborator resolves it; this core only persists the flag.
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

func (t SessionTarget) Valid() bool {
	return t == SessionTargetMain || t == SessionTargetIsolated
}

// DeliveryMode controls what happens with a run's result once it finishes
type DeliveryMode string

const (
	DeliveryModeWebhook DeliveryMode = "webhook"
	DeliveryModeNone    DeliveryMode = "none"
)

func (m DeliveryMode) Valid() bool {
	return m == DeliveryModeWebhook || m == DeliveryModeNone
}

// CronJob represents a registered recurring or one-shot agent job
type CronJob struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	AgentID        string           `json:"agent_id"`
	ScheduleKind   ScheduleKind     `json:"schedule_kind"`
	ScheduleExpr   string           `json:"schedule_expr"`
	ScheduleTZ     string           `json:"schedule_tz,omitempty"` // honored only when schedule_kind=cron
	SessionTarget  SessionTarget    `json:"session_target"`
	PayloadMessage string           `json:"payload_message"`
	Pipeline       PipelineTemplate `json:"pipeline_template"`
	DeliveryMode   DeliveryMode     `json:"delivery_mode"`
	DeliveryTo     string           `json:"delivery_to,omitempty"`
	Enabled        bool             `json:"enabled"`
	DeleteAfterRun bool             `json:"delete_after_run"` // meaningful only when schedule_kind=at
	UserID         string           `json:"user_id"`
	SessionID      string           `json:"session_id"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextFireAt    *time.Time `json:"next_fire_at,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FirePayload is the message published on run.fire for the external executor
type FirePayload struct {
	RunID          string           `json:"run_id"`
	JobID          string           `json:"job_id"`
	AgentID        string           `json:"agent_id"`
	SessionTarget  SessionTarget    `json:"session_target"`
	PayloadMessage string           `json:"payload_message"`
	Pipeline       PipelineTemplate `json:"pipeline_template"`
	FiredAt        time.Time        `json:"fired_at"`
	Manual         bool             `json:"manual"`
}
