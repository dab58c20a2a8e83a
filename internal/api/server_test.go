package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/dispenser-relay/internal/devicelink"
	"github.com/nerrad567/dispenser-relay/internal/gateway"
	"github.com/nerrad567/dispenser-relay/internal/hub"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/config"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/database"
	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/store"
	"github.com/nerrad567/dispenser-relay/migrations"
)

// stubLink stands in for the serial device.
type stubLink struct {
	mu        sync.Mutex
	sent      []string
	err       error
	connected bool
}

func (l *stubLink) Send(command string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, command)
	return nil
}

func (l *stubLink) Stats() devicelink.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return devicelink.Stats{Connected: l.connected, CommandsTx: uint64(len(l.sent))}
}

type testEnv struct {
	srv  *Server
	link *stubLink
	hub  *hub.Hub
	db   *database.DB
}

// newTestEnv wires the real gateway, store and hub around a stub link.
func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.Source()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	log := logging.Discard()
	link := &stubLink{connected: true}
	h := hub.New(hub.Config{PingInterval: time.Hour, WriteTimeout: time.Second}, log)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx) //nolint:errcheck // Run only returns nil
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	gw := gateway.New(store.NewSQLiteStore(db.DB), link, h, log, gateway.WithClock(clock))

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:       config.WebSocketConfig{Path: "/"},
		Logger:   log,
		Gateway:  gw,
		Database: db,
		Link:     link,
		Hub:      h,
		Version:  "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return &testEnv{srv: srv, link: link, hub: h, db: db}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without gateway should fail")
	}
}

// ─── Frequency Endpoints ───────────────────────────────────────────

func TestCurrentFrequency_NotSet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/current-frequency", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

func TestSetFrequency(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/set-frequency", `{"minutes": 10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp frequencyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.IntervalMs != 600_000 {
		t.Errorf("intervalMs = %d, want 600000", resp.IntervalMs)
	}
	if len(env.link.sent) != 1 || env.link.sent[0] != "FREQ:600000" {
		t.Errorf("device commands = %v", env.link.sent)
	}

	w = env.do(t, http.MethodGet, "/current-frequency", "")
	if w.Code != http.StatusOK {
		t.Fatalf("current-frequency status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.IntervalMs != 600_000 {
		t.Errorf("current intervalMs = %d, want 600000", resp.IntervalMs)
	}
}

func TestSetFrequency_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{"minutes":`, ErrCodeBadRequest},
		{"missing minutes", `{}`, ErrCodeBadRequest},
		{"string minutes", `{"minutes":"10"}`, ErrCodeBadRequest},
		{"null minutes", `{"minutes":null}`, ErrCodeBadRequest},
		{"zero", `{"minutes":0}`, ErrCodeValidation},
		{"too large", `{"minutes":1441}`, ErrCodeValidation},
		{"fractional", `{"minutes":2.5}`, ErrCodeValidation},
		{"negative", `{"minutes":-3}`, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, "/set-frequency", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if e := decodeError(t, w); e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
			if len(env.link.sent) != 0 {
				t.Errorf("device received %v for a rejected request", env.link.sent)
			}
		})
	}
}

func TestSetFrequency_LinkErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unavailable", fmt.Errorf("%w: not open", devicelink.ErrLinkUnavailable), http.StatusServiceUnavailable, ErrCodeDeviceUnavailable},
		{"write failure", fmt.Errorf("%w: EIO", devicelink.ErrWriteFailure), http.StatusBadGateway, ErrCodeDeviceWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.link.err = tt.err

			w := env.do(t, http.MethodPost, "/set-frequency", `{"minutes": 5}`)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if e := decodeError(t, w); e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}

			if w := env.do(t, http.MethodGet, "/current-frequency", ""); w.Code != http.StatusNotFound {
				t.Errorf("frequency stored despite link failure, status = %d", w.Code)
			}
		})
	}
}

func TestPersistenceError(t *testing.T) {
	env := newTestEnv(t)
	env.db.Close() //nolint:errcheck // Force store failures

	w := env.do(t, http.MethodGet, "/logs-ouvertures", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodePersistence {
		t.Errorf("code = %q, want %q", e.Code, ErrCodePersistence)
	}
}

// ─── Opening Endpoints ─────────────────────────────────────────────

func TestOpenings(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/logs-ouvertures", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty list = %d %s, want 200 []", w.Code, w.Body.String())
	}

	for i := 1; i <= 2; i++ {
		w = env.do(t, http.MethodPost, "/log-ouverture", "")
		if w.Code != http.StatusCreated {
			t.Fatalf("log-ouverture status = %d", w.Code)
		}
		var got store.DailyOpenings
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Count != int64(i) || got.Date != "2024-05-01" {
			t.Errorf("opening %d = %+v", i, got)
		}
	}

	w = env.do(t, http.MethodGet, "/logs-ouvertures", "")
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 1 || list[0]["date_ouv"] != "2024-05-01" || list[0]["nb_ouv"] != float64(2) {
		t.Errorf("list = %v", list)
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/set-frequency", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/set-frequency", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO for disallowed origin = %q, want empty", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodPost, "/log-ouverture", ""); w.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodPost, "/log-ouverture", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	// Reads are not limited
	if w := env.do(t, http.MethodGet, "/logs-ouvertures", ""); w.Code != http.StatusOK {
		t.Errorf("read status = %d, want 200", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Health & Metrics ──────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Database != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
	if resp.Device == nil || !resp.Device.Connected {
		t.Errorf("device = %+v", resp.Device)
	}
	if resp.WebSocket == nil || resp.WebSocket.Subscribers != 0 {
		t.Errorf("websocket = %+v", resp.WebSocket)
	}
	if resp.MQTT != nil {
		t.Error("mqtt section should be omitted when not configured")
	}
	if resp.InfluxDB != "" {
		t.Errorf("influxdb = %q, want omitted when not configured", resp.InfluxDB)
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := newTestEnv(t)
	env.link.connected = false

	w := env.do(t, http.MethodGet, "/health", "")
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Code != http.StatusOK || resp.Status != "degraded" {
		t.Errorf("health = %d %q, want 200 degraded", w.Code, resp.Status)
	}

	env.db.Close() //nolint:errcheck // Force database failure
	w = env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status with closed database = %d, want 503", w.Code)
	}
}

// checkerFunc adapts a function to HealthChecker.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealth_InfluxDB(t *testing.T) {
	var influxErr error
	env := newTestEnv(t, func(d *Deps) {
		d.InfluxDB = checkerFunc(func(context.Context) error { return influxErr })
	})

	var resp HealthResponse
	w := env.do(t, http.MethodGet, "/health", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.InfluxDB != "ok" || resp.Status != "ok" {
		t.Errorf("health = %q influxdb = %q, want ok/ok", resp.Status, resp.InfluxDB)
	}

	influxErr = errors.New("connection refused")
	w = env.do(t, http.MethodGet, "/health", "")
	resp = HealthResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Code != http.StatusOK || resp.Status != "degraded" || resp.InfluxDB != "error" {
		t.Errorf("health = %d %q influxdb = %q, want 200 degraded error", w.Code, resp.Status, resp.InfluxDB)
	}
}

type stubMQTT struct {
	connected bool
	subs      int
}

func (m stubMQTT) IsConnected() bool      { return m.connected }
func (m stubMQTT) SubscriptionCount() int { return m.subs }

func TestHealth_MQTT(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.MQTT = stubMQTT{connected: true, subs: 1}
	})

	var resp HealthResponse
	w := env.do(t, http.MethodGet, "/health", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.MQTT == nil || !resp.MQTT.Connected || resp.MQTT.Subscriptions != 1 {
		t.Errorf("mqtt = %+v, want connected with 1 subscription", resp.MQTT)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/logs-ouvertures", "")

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"dispenser_http_requests_total", `route="/logs-ouvertures"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func TestWebSocket_ReceivesBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	post, err := http.Post(ts.URL+"/set-frequency", "application/json", strings.NewReader(`{"minutes": 3}`))
	if err != nil {
		t.Fatalf("set-frequency: %v", err)
	}
	post.Body.Close()

	//nolint:errcheck // Test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if msg["type"] != "update_frequency" || msg["intervalMs"] != float64(180_000) {
		t.Errorf("broadcast = %v", msg)
	}

	post, err = http.Post(ts.URL+"/log-ouverture", "application/json", nil)
	if err != nil {
		t.Fatalf("log-ouverture: %v", err)
	}
	post.Body.Close()

	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if msg["type"] != "update_ouverture" || msg["nb_ouv"] != float64(1) || msg["date_ouv"] != "2024-05-01" {
		t.Errorf("broadcast = %v", msg)
	}
}

func TestWebSocket_PlainGetRejected(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-upgrade GET / status = %d, want 400", w.Code)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t)

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	idle := &Server{}
	if err := idle.Close(); err != nil {
		t.Errorf("Close() on unstarted server error: %v", err)
	}
}

func TestWriteDomainError_Unknown(t *testing.T) {
	w := httptest.NewRecorder()
	writeDomainError(w, errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
