package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/dispenser-relay/internal/devicelink"
	"github.com/nerrad567/dispenser-relay/internal/hub"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/config"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Gateway is the core the HTTP layer drives.
type Gateway interface {
	SetFrequency(ctx context.Context, minutes float64) (int64, error)
	CurrentFrequency(ctx context.Context) (int64, error)
	ListOpenings(ctx context.Context) ([]store.DailyOpenings, error)
	RecordManualOpening(ctx context.Context) (store.DailyOpenings, error)
	Subscribe(conn hub.Conn) (*hub.Subscriber, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// LinkStatus exposes device link counters.
type LinkStatus interface {
	Stats() devicelink.Stats
}

// SubscriberCounter exposes the number of push-channel subscribers.
type SubscriberCounter interface {
	SubscriberCount() int
}

// MQTTStatus reports the state of the MQTT mirror's client.
type MQTTStatus interface {
	IsConnected() bool
	SubscriptionCount() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Gateway  Gateway

	// Optional, reported by /health when set.
	Database HealthChecker
	Link     LinkStatus
	Hub      SubscriberCounter
	MQTT     MQTTStatus
	InfluxDB HealthChecker

	Version string
}

// Server is the HTTP API server for the dispenser relay.
//
// It manages the HTTP listener, routes and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	gateway   Gateway
	database  HealthChecker
	link      LinkStatus
	hub       SubscriberCounter
	mqtt      MQTTStatus
	influx    HealthChecker
	limiter   *rate.Limiter
	version   string
	startTime time.Time
	server    *http.Server
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger.With("component", "api"),
		gateway:   deps.Gateway,
		database:  deps.Database,
		link:      deps.Link,
		hub:       deps.Hub,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		version:   deps.Version,
		startTime: time.Now(),
	}

	if rl := deps.Security.RateLimit; rl.Enabled && rl.RequestsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.RequestsPerMinute)), rl.RequestsPerMinute)
	}

	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. Binding
// errors (port in use) are returned immediately.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("API server starting", "address", ln.Addr().String(), "websocket_path", s.wsCfg.Path)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections. Hijacked WebSocket
// connections are closed by the hub, not here.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
