package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// healthCheckTimeout bounds the database probe on /health.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	Timestamp     string        `json:"timestamp"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Goroutines    int           `json:"goroutines"`
	Database      string        `json:"database"`
	Device        *DeviceHealth `json:"device,omitempty"`
	WebSocket     *WSHealth     `json:"websocket,omitempty"`
	MQTT          *MQTTHealth   `json:"mqtt,omitempty"`
	InfluxDB      string        `json:"influxdb,omitempty"`
}

// DeviceHealth contains serial link statistics.
type DeviceHealth struct {
	Connected    bool   `json:"connected"`
	LinesRx      uint64 `json:"lines_rx"`
	Discarded    uint64 `json:"discarded"`
	CommandsTx   uint64 `json:"commands_tx"`
	WriteErrors  uint64 `json:"write_errors"`
	LastActivity string `json:"last_activity,omitempty"`
}

// WSHealth contains push channel statistics.
type WSHealth struct {
	Subscribers int `json:"subscribers"`
}

// MQTTHealth contains MQTT mirror status.
type MQTTHealth struct {
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
}

// handleHealth reports the state of each dependency. It answers 503 only
// when the database is unusable; a disconnected device or an unreachable
// InfluxDB is "degraded" because reads keep working.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Database:      "unknown",
	}
	status := http.StatusOK

	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.database.HealthCheck(ctx); err != nil {
			s.logger.Warn("database health check failed", "error", err)
			resp.Database = "error"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	if s.link != nil {
		st := s.link.Stats()
		resp.Device = &DeviceHealth{
			Connected:   st.Connected,
			LinesRx:     st.LinesRx,
			Discarded:   st.Discarded,
			CommandsTx:  st.CommandsTx,
			WriteErrors: st.WriteErrors,
		}
		if !st.LastActivity.IsZero() {
			resp.Device.LastActivity = st.LastActivity.UTC().Format(time.RFC3339)
		}
		if !st.Connected && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	if s.hub != nil {
		resp.WebSocket = &WSHealth{Subscribers: s.hub.SubscriberCount()}
	}

	if s.mqtt != nil {
		resp.MQTT = &MQTTHealth{
			Connected:     s.mqtt.IsConnected(),
			Subscriptions: s.mqtt.SubscriptionCount(),
		}
	}

	if s.influx != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.influx.HealthCheck(ctx); err != nil {
			s.logger.Warn("influxdb health check failed", "error", err)
			resp.InfluxDB = "error"
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		} else {
			resp.InfluxDB = "ok"
		}
	}

	writeJSON(w, status, resp)
}
