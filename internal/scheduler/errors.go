package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when a cron job is not found
	ErrJobNotFound = errors.New("cron job not found")

	// ErrInvalidJob is returned when a create/update fails validation
	ErrInvalidJob = errors.New("invalid cron job")
)
