package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/dispenser-relay/internal/devicelink"
	"github.com/nerrad567/dispenser-relay/internal/hub"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/config"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/metrics"
	"github.com/nerrad567/dispenser-relay/internal/store"
)

// msPerMinute converts client minutes to device milliseconds.
const msPerMinute = 60_000

// Opening sources, used as a metrics label and passed to observers.
const (
	SourceDevice = "device"
	SourceManual = "manual"
)

// Link is the device write path.
type Link interface {
	Send(command string) error
}

// Broadcaster is the push channel.
type Broadcaster interface {
	Subscribe(conn hub.Conn) (*hub.Subscriber, error)
	Broadcast(msg hub.Message) (int, error)
}

// Observer is notified after each committed and broadcast change.
// Implementations must not block; they run while the gateway lock is held.
type Observer interface {
	FrequencyChanged(ctx context.Context, intervalMs int64)
	OpeningRecorded(ctx context.Context, opening store.DailyOpenings, source string)
}

// Gateway applies commands and device events to the store and announces
// the result.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Handlers run one at a time. Within a handler the store mutation
//     completes before the broadcast, and broadcasts leave in the same
//     order as the mutations that caused them.
type Gateway struct {
	store  store.Store
	link   Link
	hub    Broadcaster
	logger *logging.Logger
	clock  clockwork.Clock
	loc    *time.Location

	mu        sync.Mutex
	observers []Observer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces the clock used to decide today's date.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithLocation sets the timezone in which openings are dated.
func WithLocation(loc *time.Location) Option {
	return func(g *Gateway) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observers = append(g.observers, o)
	}
}

// New creates a Gateway.
func New(st store.Store, link Link, b Broadcaster, logger *logging.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:  st,
		link:   link,
		hub:    b,
		logger: logger.With("component", "gateway"),
		clock:  clockwork.NewRealClock(),
		loc:    time.UTC,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddObserver registers an observer after construction.
func (g *Gateway) AddObserver(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

// MinutesToInterval validates minutes and converts it to milliseconds.
func MinutesToInterval(minutes float64) (int64, error) {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes != math.Trunc(minutes) {
		return 0, fmt.Errorf("%w: %v is not a whole number of minutes", ErrOutOfRange, minutes)
	}
	if minutes < config.MinFrequencyMinutes || minutes > config.MaxFrequencyMinutes {
		return 0, fmt.Errorf("%w: %v not in %d..%d", ErrOutOfRange, minutes,
			config.MinFrequencyMinutes, config.MaxFrequencyMinutes)
	}
	return int64(minutes) * msPerMinute, nil
}

// SetFrequency asks the device to dispense every minutes minutes.
//
// The command is written to the device first. If the write fails the link
// error is returned and nothing is stored or broadcast. Otherwise the
// interval is stored and announced without waiting for the device to
// confirm it.
func (g *Gateway) SetFrequency(ctx context.Context, minutes float64) (int64, error) {
	ms, err := MinutesToInterval(minutes)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("out_of_range").Inc()
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.link.Send(devicelink.FrequencyCommand(ms)); err != nil {
		metrics.CommandsTotal.WithLabelValues("link_error").Inc()
		g.logger.Warn("frequency command not delivered", "interval_ms", ms, "error", err)
		return 0, err
	}

	stored, err := g.applyFrequency(ctx, ms)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("store_error").Inc()
		return 0, err
	}

	metrics.CommandsTotal.WithLabelValues("ok").Inc()
	g.logger.Info("frequency set", "interval_ms", stored, "minutes", minutes)
	return stored, nil
}

// OnDeviceEvent applies an event read from the device.
func (g *Gateway) OnDeviceEvent(ctx context.Context, ev devicelink.Event) error {
	switch e := ev.(type) {
	case devicelink.FrequencyUpdated:
		if !store.ValidInterval(e.IntervalMs) {
			g.logger.Warn("ignoring out of range frequency from device", "interval_ms", e.IntervalMs)
			return nil
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, err := g.applyFrequency(ctx, e.IntervalMs); err != nil {
			return err
		}
		g.logger.Info("device confirmed frequency", "interval_ms", e.IntervalMs)
		return nil

	case devicelink.DeviceOpened:
		_, err := g.recordOpening(ctx, SourceDevice)
		return err

	default:
		return fmt.Errorf("unsupported device event %T", ev)
	}
}

// RecordManualOpening logs an opening on behalf of a client, exactly as
// if the device had reported it.
func (g *Gateway) RecordManualOpening(ctx context.Context) (store.DailyOpenings, error) {
	return g.recordOpening(ctx, SourceManual)
}

// CurrentFrequency returns the stored interval in milliseconds.
func (g *Gateway) CurrentFrequency(ctx context.Context) (int64, error) {
	return g.store.CurrentFrequency(ctx)
}

// ListOpenings returns every daily counter, most recent first.
func (g *Gateway) ListOpenings(ctx context.Context) ([]store.DailyOpenings, error) {
	return g.store.ListOpenings(ctx)
}

// Subscribe registers a push-channel connection.
func (g *Gateway) Subscribe(conn hub.Conn) (*hub.Subscriber, error) {
	return g.hub.Subscribe(conn)
}

// Today returns the current date in the site timezone.
func (g *Gateway) Today() string {
	return store.DateOf(g.clock.Now(), g.loc)
}

// Run feeds device events into OnDeviceEvent until events is closed or
// ctx is done. A failing event is logged and skipped.
func (g *Gateway) Run(ctx context.Context, events <-chan devicelink.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				g.logger.Warn("device event stream ended")
				return nil
			}
			if err := g.OnDeviceEvent(ctx, ev); err != nil {
				g.logger.Error("device event not applied", "event", ev.Kind(), "error", err)
			}
		}
	}
}

// applyFrequency stores ms and announces it. Caller holds g.mu.
func (g *Gateway) applyFrequency(ctx context.Context, ms int64) (int64, error) {
	stored, err := g.store.UpsertFrequency(ctx, ms)
	if err != nil {
		return 0, err
	}

	g.broadcast(hub.NewFrequencyMessage(stored))
	for _, o := range g.observers {
		o.FrequencyChanged(ctx, stored)
	}
	return stored, nil
}

func (g *Gateway) recordOpening(ctx context.Context, source string) (store.DailyOpenings, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	date := g.Today()
	count, err := g.store.RecordOpening(ctx, date)
	if err != nil {
		return store.DailyOpenings{}, err
	}
	opening := store.DailyOpenings{Date: date, Count: count}

	metrics.OpeningsTotal.WithLabelValues(source).Inc()
	g.broadcast(hub.NewOpeningMessage(count, date))
	for _, o := range g.observers {
		o.OpeningRecorded(ctx, opening, source)
	}

	g.logger.Info("opening recorded", "date", date, "count", count, "source", source)
	return opening, nil
}

func (g *Gateway) broadcast(msg hub.Message) {
	if _, err := g.hub.Broadcast(msg); err != nil {
		g.logger.Error("broadcast failed", "type", msg.MessageType(), "error", err)
	}
}
