package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/dispenser-relay/internal/metrics"
)

// defaultQueryTimeout bounds each call when no timeout is configured.
const defaultQueryTimeout = 5 * time.Second

// Store defines the persistence operations for the dispenser state.
type Store interface {
	// UpsertFrequency creates or overwrites the single frequency setting
	// and returns the stored value.
	UpsertFrequency(ctx context.Context, intervalMs int64) (int64, error)

	// CurrentFrequency returns the stored interval.
	// Returns ErrNotFound if no frequency was ever stored.
	CurrentFrequency(ctx context.Context) (int64, error)

	// RecordOpening atomically creates the counter for date with count 1,
	// or increments it, and returns the new count.
	RecordOpening(ctx context.Context, date string) (int64, error)

	// ListOpenings returns every counter, most recent date first.
	ListOpenings(ctx context.Context) ([]DailyOpenings, error)

	// OpeningCount returns the count for date, or 0 if none was recorded.
	OpeningCount(ctx context.Context, date string) (int64, error)
}

// SQLiteStore implements Store using SQLite.
//
// Every call runs under its own deadline so a stuck database surfaces as
// ErrPersistence instead of blocking the caller forever.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
	clock   clockwork.Clock
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithQueryTimeout sets the per-call deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock sets the clock used for updated_at stamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *SQLiteStore) {
		s.clock = c
	}
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{
		db:      db,
		timeout: defaultQueryTimeout,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// begin applies the query deadline and starts the latency timer. The
// returned func must be called with the operation's error.
func (s *SQLiteStore) begin(ctx context.Context, op string) (context.Context, func(error) error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	return ctx, func(err error) error {
		cancel()
		metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrNotFound) {
			metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
		}
		return err
	}
}

func (s *SQLiteStore) stamp() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

// UpsertFrequency creates or overwrites the frequency setting.
func (s *SQLiteStore) UpsertFrequency(ctx context.Context, intervalMs int64) (int64, error) {
	if !ValidInterval(intervalMs) {
		return 0, fmt.Errorf("%w: %d ms", ErrInvalidFrequency, intervalMs)
	}

	ctx, done := s.begin(ctx, "upsert_frequency")

	query := `
		INSERT INTO frequency_setting (id, interval_ms, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			interval_ms = excluded.interval_ms,
			updated_at = excluded.updated_at
		RETURNING interval_ms`

	var stored int64
	if err := s.db.QueryRowContext(ctx, query, intervalMs, s.stamp()).Scan(&stored); err != nil {
		return 0, done(fmt.Errorf("%w: upserting frequency: %w", ErrPersistence, err))
	}
	return stored, done(nil)
}

// CurrentFrequency returns the stored interval in milliseconds.
func (s *SQLiteStore) CurrentFrequency(ctx context.Context) (int64, error) {
	ctx, done := s.begin(ctx, "current_frequency")

	var ms int64
	err := s.db.QueryRowContext(ctx,
		"SELECT interval_ms FROM frequency_setting WHERE id = 1",
	).Scan(&ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, done(ErrNotFound)
		}
		return 0, done(fmt.Errorf("%w: querying frequency: %w", ErrPersistence, err))
	}
	return ms, done(nil)
}

// RecordOpening increments the counter for date in a single statement so
// concurrent callers never lose an increment.
func (s *SQLiteStore) RecordOpening(ctx context.Context, date string) (int64, error) {
	if err := validateDate(date); err != nil {
		return 0, err
	}

	ctx, done := s.begin(ctx, "record_opening")

	query := `
		INSERT INTO opening_counter (date, count, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(date) DO UPDATE SET
			count = count + 1,
			updated_at = excluded.updated_at
		RETURNING count`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, date, s.stamp()).Scan(&count); err != nil {
		return 0, done(fmt.Errorf("%w: recording opening for %s: %w", ErrPersistence, date, err))
	}
	return count, done(nil)
}

// ListOpenings returns all counters ordered by date descending.
func (s *SQLiteStore) ListOpenings(ctx context.Context) ([]DailyOpenings, error) {
	ctx, done := s.begin(ctx, "list_openings")

	rows, err := s.db.QueryContext(ctx,
		"SELECT date, count FROM opening_counter ORDER BY date DESC",
	)
	if err != nil {
		return nil, done(fmt.Errorf("%w: listing openings: %w", ErrPersistence, err))
	}
	defer rows.Close()

	openings := make([]DailyOpenings, 0)
	for rows.Next() {
		var d DailyOpenings
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, done(fmt.Errorf("%w: scanning opening row: %w", ErrPersistence, err))
		}
		openings = append(openings, d)
	}
	if err := rows.Err(); err != nil {
		return nil, done(fmt.Errorf("%w: iterating openings: %w", ErrPersistence, err))
	}
	return openings, done(nil)
}

// OpeningCount returns the count for date, 0 when nothing was recorded.
func (s *SQLiteStore) OpeningCount(ctx context.Context, date string) (int64, error) {
	if err := validateDate(date); err != nil {
		return 0, err
	}

	ctx, done := s.begin(ctx, "opening_count")

	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT count FROM opening_counter WHERE date = ?", date,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, done(nil)
		}
		return 0, done(fmt.Errorf("%w: querying opening count: %w", ErrPersistence, err))
	}
	return count, done(nil)
}

func validateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}
