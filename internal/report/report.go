package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/metrics"
	"github.com/nerrad567/dispenser-relay/internal/store"
)

// DefaultSchedule runs five minutes after local midnight.
const DefaultSchedule = "5 0 * * *"

// defaultRunTimeout bounds one report run, including every sink.
const defaultRunTimeout = 30 * time.Second

// Counter reads a day's opening count.
type Counter interface {
	OpeningCount(ctx context.Context, date string) (int64, error)
}

// Sink receives finished daily totals.
type Sink interface {
	PublishDailyTotal(ctx context.Context, total store.DailyOpenings) error
}

// Scheduler publishes the previous day's opening total on a cron schedule.
type Scheduler struct {
	counter Counter
	sinks   []Sink
	spec    string
	sched   cron.Schedule
	loc     *time.Location
	clock   clockwork.Clock
	timeout time.Duration
	logger  *logging.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone for both the schedule and "yesterday".
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces the clock used to decide which day to report.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithSink adds a destination for the daily total.
func WithSink(sink Sink) Option {
	return func(s *Scheduler) {
		s.sinks = append(s.sinks, sink)
	}
}

// New validates spec (five-field cron, or a descriptor such as @daily)
// and returns a Scheduler. An empty spec means DefaultSchedule.
func New(counter Counter, spec string, logger *logging.Logger, opts ...Option) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}

	s := &Scheduler{
		counter: counter,
		spec:    spec,
		sched:   sched,
		loc:     time.UTC,
		clock:   clockwork.NewRealClock(),
		timeout: defaultRunTimeout,
		logger:  logger.With("component", "report"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first run time after t, in the scheduler's timezone.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// Yesterday returns the calendar date before today in the scheduler's timezone.
func (s *Scheduler) Yesterday() string {
	now := s.clock.Now().In(s.loc)
	// Noon avoids landing on the wrong day across a DST change.
	y, m, d := now.Date()
	return store.DateOf(time.Date(y, m, d-1, 12, 0, 0, 0, s.loc), s.loc)
}

// RunOnce reports yesterday's total to every sink. All sinks are tried;
// their failures are joined under ErrSinkFailed.
func (s *Scheduler) RunOnce(ctx context.Context) (store.DailyOpenings, error) {
	date := s.Yesterday()

	count, err := s.counter.OpeningCount(ctx, date)
	if err != nil {
		metrics.ReportRunsTotal.WithLabelValues("error").Inc()
		return store.DailyOpenings{}, fmt.Errorf("reading count for %s: %w", date, err)
	}
	total := store.DailyOpenings{Date: date, Count: count}

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.PublishDailyTotal(ctx, total); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("daily opening report", "date", date, "count", count, "sinks", len(s.sinks), "failed", len(errs))

	if len(errs) > 0 {
		metrics.ReportRunsTotal.WithLabelValues("error").Inc()
		return total, fmt.Errorf("%w: %w", ErrSinkFailed, errors.Join(errs...))
	}
	metrics.ReportRunsTotal.WithLabelValues("ok").Inc()
	return total, nil
}

// Run fires RunOnce on schedule until ctx is done, then waits for a
// running report to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(s.sched, cron.FuncJob(func() {
		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Error("daily report failed", "error", err)
		}
	}))

	c.Start()
	s.logger.Info("daily report scheduled", "schedule", s.spec, "timezone", s.loc.String(),
		"next", s.Next(time.Now()).Format(time.RFC3339))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
