// Package influxdb records dispenser telemetry in InfluxDB v2.
//
// Measurements:
//   - dispenser_frequency       interval_ms, minutes; one point per change
//   - dispenser_openings        count (running daily total), date; tag source
//   - dispenser_daily_openings  count; tag date; one point per finished day
//
// Writes go through the library's non-blocking batched write API
// (batch_size, flush_interval). Asynchronous write failures are delivered
// to the SetOnError callback. The Client satisfies the gateway observer
// interface and the daily report sink, so it can be registered with both.
package influxdb
