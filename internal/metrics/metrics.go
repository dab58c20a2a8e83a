// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Device link metrics
var (
	// DeviceLinesTotal counts lines read from the serial port by outcome
	// (frequency_update, opening, discarded).
	DeviceLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_device_lines_total",
			Help: "Lines received from the device by parse outcome",
		},
		[]string{"kind"},
	)

	// DeviceCommandsTotal counts commands written to the device by status.
	DeviceCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_device_commands_total",
			Help: "Commands written to the device by status",
		},
		[]string{"status"},
	)

	// DeviceLinkUp is 1 while the serial port is held open.
	DeviceLinkUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispenser_device_link_up",
			Help: "Whether the serial link is open (1) or not (0)",
		},
	)
)

// Hub metrics
var (
	// HubSubscribers tracks currently registered push-channel subscribers.
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispenser_hub_subscribers",
			Help: "Number of registered WebSocket subscribers",
		},
	)

	// HubBroadcastsTotal counts broadcasts by message type.
	HubBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_hub_broadcasts_total",
			Help: "Broadcasts fanned out by message type",
		},
		[]string{"type"},
	)

	// HubDroppedTotal counts messages dropped because a subscriber buffer was full.
	HubDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispenser_hub_dropped_messages_total",
			Help: "Messages dropped for subscribers with a full send buffer",
		},
	)

	// HubEvictionsTotal counts subscribers evicted by the liveness cycle.
	HubEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispenser_hub_evictions_total",
			Help: "Subscribers evicted for missing two liveness probes",
		},
	)
)

// Gateway and store metrics
var (
	// CommandsTotal counts frequency change requests by status
	// (ok, out_of_range, link_error, store_error).
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_frequency_commands_total",
			Help: "Frequency change requests by status",
		},
		[]string{"status"},
	)

	// OpeningsTotal counts recorded openings by source (device, manual).
	OpeningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_openings_total",
			Help: "Openings recorded by source",
		},
		[]string{"source"},
	)

	// StoreQueryDuration tracks state store latency by operation.
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispenser_store_query_duration_seconds",
			Help:    "State store query duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5, 1},
		},
		[]string{"operation"},
	)

	// StoreErrorsTotal counts failed state store operations.
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_store_errors_total",
			Help: "Failed state store operations",
		},
		[]string{"operation"},
	)
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts API requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRateLimitedTotal counts requests rejected by the write limiter.
	HTTPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispenser_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// Report metrics
var (
	// ReportRunsTotal counts daily report runs by status (ok, error).
	ReportRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_report_runs_total",
			Help: "Daily opening report runs by status",
		},
		[]string{"status"},
	)
)
