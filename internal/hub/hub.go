package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
	closeGracePeriod    = time.Second
)

// Conn is the subset of *websocket.Conn the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Config holds hub settings.
type Config struct {
	// PingInterval is the liveness cycle period.
	PingInterval time.Duration

	// WriteTimeout bounds each frame written to a subscriber.
	WriteTimeout time.Duration

	// SendBuffer is the per-subscriber outbound queue length. Messages for
	// a subscriber whose queue is full are dropped.
	SendBuffer int

	// MaxMessageSize limits inbound frames. Zero means no limit.
	MaxMessageSize int64
}

// Subscriber is one live push-channel connection.
type Subscriber struct {
	ID uuid.UUID

	hub   *Hub
	conn  Conn
	send  chan []byte
	alive atomic.Bool
}

// Alive reports whether the subscriber answered since the last probe.
func (s *Subscriber) Alive() bool {
	return s.alive.Load()
}

// Hub tracks subscribers and fans messages out to them.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Broadcast never blocks on a subscriber; a slow or broken
//     connection cannot delay delivery to the others.
type Hub struct {
	cfg    Config
	logger *logging.Logger
	clock  clockwork.Clock

	mu     sync.RWMutex
	subs   map[Conn]*Subscriber
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock replaces the clock driving the liveness cycle.
func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) {
		h.clock = c
	}
}

// New creates a Hub. Call Run to start the liveness cycle.
func New(cfg Config, logger *logging.Logger, opts ...Option) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	h := &Hub{
		cfg:    cfg,
		logger: logger.With("component", "hub"),
		clock:  clockwork.NewRealClock(),
		subs:   make(map[Conn]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers conn as alive and starts its pumps. Registering a
// connection twice returns the existing subscriber.
func (h *Hub) Subscribe(conn Conn) (*Subscriber, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := h.subs[conn]; ok {
		h.mu.Unlock()
		return existing, nil
	}

	sub := &Subscriber{
		ID:   uuid.New(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}
	sub.alive.Store(true)
	h.subs[conn] = sub
	count := len(h.subs)
	h.mu.Unlock()

	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		sub.alive.Store(true)
		return nil
	})

	metrics.HubSubscribers.Set(float64(count))
	h.logger.Debug("subscriber connected", "subscriber_id", sub.ID, "subscribers", count)

	go sub.writePump()
	go sub.readPump()
	return sub, nil
}

// Unsubscribe removes conn and closes it. Unknown or already removed
// connections are ignored.
func (h *Hub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	sub, existed := h.subs[conn]
	delete(h.subs, conn)
	count := len(h.subs)
	h.mu.Unlock()

	if !existed {
		return
	}

	// Only the goroutine that removed the entry closes the channel.
	close(sub.send)
	conn.Close() //nolint:errcheck // Connection may already be gone

	metrics.HubSubscribers.Set(float64(count))
	h.logger.Debug("subscriber disconnected", "subscriber_id", sub.ID, "subscribers", count)
}

// Broadcast serialises msg once and queues it for every subscriber.
// It returns the number of subscribers the message was queued for.
func (h *Hub) Broadcast(msg Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshalling %s: %w", msg.MessageType(), err)
	}

	// Snapshot under the lock, send outside it.
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	sent := 0
	for _, sub := range subs {
		if sub.trySend(data) {
			sent++
		}
	}

	metrics.HubBroadcastsTotal.WithLabelValues(msg.MessageType()).Inc()
	h.logger.Debug("broadcast sent", "type", msg.MessageType(), "recipients", sent, "subscribers", len(subs))
	return sent, nil
}

// Run drives the liveness cycle until ctx is cancelled, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) error {
	ticker := h.clock.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	h.logger.Info("liveness cycle started", "interval", h.cfg.PingInterval)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.Chan():
			h.sweep()
		}
	}
}

// sweep runs one liveness cycle: subscribers that did not answer the
// previous probe are evicted, the rest are marked silent and probed.
func (h *Hub) sweep() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	evicted := 0
	for _, sub := range subs {
		if !sub.alive.Load() {
			h.Unsubscribe(sub.conn)
			metrics.HubEvictionsTotal.Inc()
			evicted++
			h.logger.Info("subscriber evicted", "subscriber_id", sub.ID)
			continue
		}

		sub.alive.Store(false)
		deadline := h.clock.Now().Add(h.cfg.WriteTimeout)
		if err := sub.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			// Left for the next cycle to evict.
			h.logger.Debug("liveness probe failed", "subscriber_id", sub.ID, "error", err)
		}
	}

	if evicted > 0 {
		h.logger.Debug("liveness cycle complete", "evicted", evicted, "subscribers", h.SubscriberCount())
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// closeAll sends a going-away frame to every subscriber and removes it.
func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]Conn, 0, len(h.subs))
	for conn := range h.subs {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		//nolint:errcheck // Best-effort close frame
		conn.WriteControl(websocket.CloseMessage, msg, h.clock.Now().Add(closeGracePeriod))
		h.Unsubscribe(conn)
	}
}

// trySend queues data without blocking. It absorbs the send-on-closed
// panic raised when the subscriber is removed mid-broadcast.
func (s *Subscriber) trySend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case s.send <- data:
		return true
	default:
		metrics.HubDroppedTotal.Inc()
		s.hub.logger.Warn("subscriber buffer full, message dropped", "subscriber_id", s.ID)
		return false
	}
}

// writePump is the only goroutine writing data frames to the connection.
func (s *Subscriber) writePump() {
	for data := range s.send {
		//nolint:errcheck // Best-effort deadline; write error caught below
		s.conn.SetWriteDeadline(s.hub.clock.Now().Add(s.hub.cfg.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.hub.logger.Debug("subscriber write failed", "subscriber_id", s.ID, "error", err)
			s.hub.Unsubscribe(s.conn)
			return
		}
	}
}

// readPump keeps the connection read so pong frames reach the handler.
// Inbound data frames are ignored.
func (s *Subscriber) readPump() {
	defer s.hub.Unsubscribe(s.conn)

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("subscriber read error", "subscriber_id", s.ID, "error", err)
			}
			return
		}
	}
}
