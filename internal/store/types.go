package store

import "time"

// DateLayout is the calendar date format used for opening counters.
const DateLayout = "2006-01-02"

// Interval bounds in milliseconds (1 minute to 24 hours).
const (
	MinIntervalMs int64 = 60_000
	MaxIntervalMs int64 = 86_400_000
)

// DailyOpenings is the number of openings recorded on one calendar date.
type DailyOpenings struct {
	Date  string `json:"date_ouv"`
	Count int64  `json:"nb_ouv"`
}

// ValidInterval reports whether ms is an interval the device accepts.
func ValidInterval(ms int64) bool {
	return ms >= MinIntervalMs && ms <= MaxIntervalMs
}

// DateOf formats t as a calendar date in loc.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
