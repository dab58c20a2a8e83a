package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/dispenser-relay/internal/store"
)

// Measurement names.
const (
	MeasurementFrequency     = "dispenser_frequency"
	MeasurementOpenings      = "dispenser_openings"
	MeasurementDailyOpenings = "dispenser_daily_openings"
)

// FrequencyChanged records the new dispense interval.
func (c *Client) FrequencyChanged(_ context.Context, intervalMs int64) {
	c.write(frequencyPoint(intervalMs, time.Now()))
}

// OpeningRecorded records an opening and the day's running count.
func (c *Client) OpeningRecorded(_ context.Context, opening store.DailyOpenings, source string) {
	c.write(openingPoint(opening, source, time.Now()))
}

// PublishDailyTotal records a finished day's total, stamped at the start
// of that day.
func (c *Client) PublishDailyTotal(_ context.Context, total store.DailyOpenings) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.write(dailyPoint(total, time.Now()))
	return nil
}

func (c *Client) write(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func frequencyPoint(intervalMs int64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementFrequency,
		nil,
		map[string]interface{}{
			"interval_ms": intervalMs,
			"minutes":     float64(intervalMs) / float64(time.Minute/time.Millisecond),
		},
		at,
	)
}

func openingPoint(opening store.DailyOpenings, source string, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementOpenings,
		map[string]string{"source": source},
		map[string]interface{}{
			"count": opening.Count,
			"date":  opening.Date,
		},
		at,
	)
}

// dailyPoint is stamped at midnight UTC of total.Date, or fallback when
// the date does not parse.
func dailyPoint(total store.DailyOpenings, fallback time.Time) *write.Point {
	at := fallback
	if day, err := time.Parse(store.DateLayout, total.Date); err == nil {
		at = day
	}
	return write.NewPoint(
		MeasurementDailyOpenings,
		map[string]string{"date": total.Date},
		map[string]interface{}{"count": total.Count},
		at,
	)
}
