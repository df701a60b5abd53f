// Package schedule computes next-fire times for the three schedule kinds.
package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

// Standard 5-field cron: minute hour dom month dow, with wildcards, lists,
// ranges and step values.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseEvery parses an interval token of the form <integer><unit> where the
// unit is m (minutes), h (hours) or d (days, fixed 24h).
func ParseEvery(expr string) (time.Duration, error) {
	if len(expr) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}

	unit := expr[len(expr)-1]
	n, err := strconv.Atoi(expr[:len(expr)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidExpression, expr)
	}
}

// Validate checks a schedule kind/expression/timezone triple. Malformed
// schedules are rejected here, synchronously, never at fire time.
func Validate(kind model.ScheduleKind, expr, tz string) error {
	switch kind {
	case model.ScheduleKindEvery:
		_, err := ParseEvery(expr)
		return err
	case model.ScheduleKindCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidExpression, tz)
			}
		}
		return nil
	case model.ScheduleKindAt:
		if _, err := time.Parse(time.RFC3339, expr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// NextAfter returns the first fire time strictly after the given instant.
// The boolean is false when the schedule has no future fire (an exhausted
// "at" schedule).
//
// For "every" schedules the caller passes the previous scheduled fire time,
// not the completion time, so execution latency never accumulates as skew.
func NextAfter(kind model.ScheduleKind, expr, tz string, after time.Time) (time.Time, bool, error) {
	switch kind {
	case model.ScheduleKindEvery:
		interval, err := ParseEvery(expr)
		if err != nil {
			return time.Time{}, false, err
		}
		return after.Add(interval), true, nil

	case model.ScheduleKindCron:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		loc := time.UTC
		if tz != "" {
			loc, err = time.LoadLocation(tz)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("%w: unknown timezone %q", ErrInvalidExpression, tz)
			}
		}
		return sched.Next(after.In(loc)), true, nil

	case model.ScheduleKindAt:
		at, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		if !at.After(after) {
			return time.Time{}, false, nil
		}
		return at, true, nil

	default:
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}
