package report

import "errors"

var (
	// ErrInvalidSchedule is returned by New for an unparseable cron expression.
	ErrInvalidSchedule = errors.New("report: invalid schedule")

	// ErrSinkFailed wraps failures of one or more sinks.
	ErrSinkFailed = errors.New("report: sink failed")
)
