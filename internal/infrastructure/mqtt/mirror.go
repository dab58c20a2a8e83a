package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/store"
)

// mirrorQueueSize bounds outbound messages waiting for the broker.
const mirrorQueueSize = 64

// Publisher is the subset of Client used by Mirror.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// FrequencySetter applies a frequency command.
type FrequencySetter interface {
	SetFrequency(ctx context.Context, minutes float64) (int64, error)
}

// FrequencyState is published retained on <prefix>/state/frequency.
type FrequencyState struct {
	IntervalMs int64 `json:"intervalMs"`
}

// OpeningEvent is published on <prefix>/event/opening.
type OpeningEvent struct {
	Count  int64  `json:"nb_ouv"`
	Date   string `json:"date_ouv"`
	Source string `json:"source"`
}

// DailyReport is published retained on <prefix>/report/daily.
type DailyReport struct {
	Date  string `json:"date"`
	Count int64  `json:"nb_ouv"`
}

// frequencyCommand is the body accepted on <prefix>/command/frequency.
type frequencyCommand struct {
	Minutes *float64 `json:"minutes"`
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// Mirror republishes dispenser state to MQTT and accepts frequency
// commands from it.
//
// FrequencyChanged and OpeningRecorded only enqueue; Run does the
// publishing so a slow broker never holds up the caller. When the queue
// is full the message is dropped and logged.
type Mirror struct {
	pub    Publisher
	topics Topics
	qos    byte
	logger *logging.Logger
	out    chan outbound

	// reconnected wakes Run to retry a failed command subscription.
	reconnected chan struct{}

	mu            sync.Mutex
	lastFrequency *int64
}

// NewMirror creates a Mirror publishing through pub.
func NewMirror(pub Publisher, topics Topics, qos byte, logger *logging.Logger) *Mirror {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Mirror{
		pub:    pub,
		topics: topics,
		qos:    qos,
		logger: logger.With("component", "mqtt"),
		out:    make(chan outbound, mirrorQueueSize),

		reconnected: make(chan struct{}, 1),
	}
}

// FrequencyChanged enqueues the retained frequency state.
func (m *Mirror) FrequencyChanged(_ context.Context, intervalMs int64) {
	m.mu.Lock()
	m.lastFrequency = &intervalMs
	m.mu.Unlock()

	m.enqueue(m.topics.FrequencyState(), FrequencyState{IntervalMs: intervalMs}, true)
}

// OpeningRecorded enqueues an opening event.
func (m *Mirror) OpeningRecorded(_ context.Context, opening store.DailyOpenings, source string) {
	m.enqueue(m.topics.OpeningEvent(), OpeningEvent{
		Count:  opening.Count,
		Date:   opening.Date,
		Source: source,
	}, false)
}

// PublishDailyTotal publishes the retained daily report immediately.
func (m *Mirror) PublishDailyTotal(_ context.Context, total store.DailyOpenings) error {
	payload, err := json.Marshal(DailyReport{Date: total.Date, Count: total.Count})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return m.pub.Publish(m.topics.DailyReport(), payload, m.qos, true)
}

// Resync re-enqueues the last known frequency and lets Run retry a
// command subscription that failed while the broker was away. Wire it to
// the client's OnConnect callback.
func (m *Mirror) Resync() {
	select {
	case m.reconnected <- struct{}{}:
	default:
	}

	m.mu.Lock()
	last := m.lastFrequency
	m.mu.Unlock()
	if last == nil {
		return
	}
	m.enqueue(m.topics.FrequencyState(), FrequencyState{IntervalMs: *last}, true)
}

// Offline logs the broker going away. Wire it to the client's
// OnDisconnect callback; queued messages wait for Resync.
func (m *Mirror) Offline(err error) {
	m.logger.Warn("mqtt mirror offline", "queued", len(m.out), "error", err)
}

// Run subscribes to the command topic and drains the outbound queue
// until ctx is done. A failed subscription is logged and retried after
// the next reconnect; it never stops the relay.
func (m *Mirror) Run(ctx context.Context, setter FrequencySetter) error {
	topic := m.topics.FrequencyCommand()
	handler := m.commandHandler(ctx, setter)
	subscribed := m.subscribe(topic, handler)
	m.logger.Info("mqtt mirror started", "command_topic", topic, "subscribed", subscribed)

	for {
		select {
		case <-ctx.Done():
			if !subscribed {
				return nil
			}
			if err := m.pub.Unsubscribe(topic); err != nil && !errors.Is(err, ErrNotConnected) {
				m.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
			}
			return nil
		case <-m.reconnected:
			if !subscribed {
				subscribed = m.subscribe(topic, handler)
			}
		case msg := <-m.out:
			if err := m.pub.Publish(msg.topic, msg.payload, m.qos, msg.retained); err != nil {
				m.logger.Warn("mqtt publish failed", "topic", msg.topic, "error", err)
			}
		}
	}
}

func (m *Mirror) subscribe(topic string, handler MessageHandler) bool {
	if err := m.pub.Subscribe(topic, m.qos, handler); err != nil {
		m.logger.Warn("command subscription failed, retrying after reconnect", "topic", topic, "error", err)
		return false
	}
	return true
}

func (m *Mirror) commandHandler(ctx context.Context, setter FrequencySetter) MessageHandler {
	return func(topic string, payload []byte) error {
		var cmd frequencyCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		if cmd.Minutes == nil {
			return fmt.Errorf("%w: minutes is required", ErrInvalidCommand)
		}

		ms, err := setter.SetFrequency(ctx, *cmd.Minutes)
		if err != nil {
			return fmt.Errorf("frequency command from %s: %w", topic, err)
		}
		m.logger.Info("frequency command applied", "topic", topic, "interval_ms", ms)
		return nil
	}
}

func (m *Mirror) enqueue(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("mqtt payload marshal failed", "topic", topic, "error", err)
		return
	}
	select {
	case m.out <- outbound{topic: topic, payload: payload, retained: retained}:
	default:
		m.logger.Warn("mqtt queue full, dropping message", "topic", topic)
	}
}
