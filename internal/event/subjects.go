// Package event defines the JetStream stream and subjects shared by the
// scheduler, pipeline tracker and webhook dispatcher.
package event

import "time"

const (
	RunStreamName       = "RUNS"
	RunSubjects         = "run.*"
	RunFireSubject      = "run.fire"
	RunCompletedSubject = "run.completed"

	StreamMaxAge  = 24 * time.Hour
	StreamMaxMsgs = -1
)
