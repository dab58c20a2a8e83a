// Package api implements the HTTP and WebSocket surface of the dispenser relay.
//
// Routes:
//   - POST /set-frequency    {"minutes": n} -> {"intervalMs": n*60000}
//   - GET  /current-frequency                -> {"intervalMs": n}
//   - GET  /logs-ouvertures                  -> [{"date_ouv", "nb_ouv"}], newest first
//   - POST /log-ouverture                    -> {"date_ouv", "nb_ouv"}
//   - GET  /health, GET /metrics
//   - GET  <websocket.path>                  WebSocket upgrade, default "/"
//
// Core errors map to status codes: out of range 400, device not connected
// 503, device write failure 502, no frequency yet 404, storage failure 500.
// Write routes share a token bucket limiter when security.rate_limit is on.
package api
