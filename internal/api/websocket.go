package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// newUpgrader builds the upgrader, reusing the CORS origin list.
func (s *Server) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.newUpgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sub, err := s.gateway.Subscribe(conn)
	if err != nil {
		s.logger.Warn("websocket subscribe rejected", "error", err)
		//nolint:errcheck // Best-effort close frame
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		conn.Close() //nolint:errcheck // Connection is being discarded
		return
	}

	s.logger.Debug("websocket subscribed", "subscriber_id", sub.ID, "remote", r.RemoteAddr)
}
