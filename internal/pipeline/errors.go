package pipeline

import "errors"

var (
	// ErrRunNotFound is returned when a run does not exist
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound is returned when a run has no task with the given name
	ErrTaskNotFound = errors.New("task not found in run")

	// ErrIllegalTransition is returned for a disallowed status transition
	ErrIllegalTransition = errors.New("illegal task status transition")

	// ErrEvidenceRequired is returned when a success report carries no evidence
	ErrEvidenceRequired = errors.New("success requires confirmation evidence")

	// ErrConfirmationMissing is returned when evidence lacks the task's
	// declared confirmation field
	ErrConfirmationMissing = errors.New("evidence missing confirmation field")

	// ErrRunFinished is returned for reports against an already-finished run
	ErrRunFinished = errors.New("run already finished")
)
