package api

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// setFrequencyRequest is the body of POST /set-frequency.
type setFrequencyRequest struct {
	Minutes json.RawMessage `json:"minutes"`
}

// frequencyResponse carries the interval in milliseconds.
type frequencyResponse struct {
	IntervalMs int64 `json:"intervalMs"`
}

// handleSetFrequency sends a new interval to the dispenser.
func (s *Server) handleSetFrequency(w http.ResponseWriter, r *http.Request) {
	var req setFrequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var minutes float64
	if len(req.Minutes) == 0 || bytes.Equal(req.Minutes, []byte("null")) || json.Unmarshal(req.Minutes, &minutes) != nil {
		writeBadRequest(w, "minutes must be a number")
		return
	}

	ms, err := s.gateway.SetFrequency(r.Context(), minutes)
	if err != nil {
		s.logger.Warn("set frequency failed", "minutes", minutes, "error", err,
			"request_id", r.Context().Value(ctxKeyRequestID))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, frequencyResponse{IntervalMs: ms})
}

// handleCurrentFrequency returns the stored interval.
func (s *Server) handleCurrentFrequency(w http.ResponseWriter, r *http.Request) {
	ms, err := s.gateway.CurrentFrequency(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frequencyResponse{IntervalMs: ms})
}

// handleListOpenings returns every daily counter, most recent first.
func (s *Server) handleListOpenings(w http.ResponseWriter, r *http.Request) {
	openings, err := s.gateway.ListOpenings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openings)
}

// handleRecordOpening logs an opening by hand.
func (s *Server) handleRecordOpening(w http.ResponseWriter, r *http.Request) {
	opening, err := s.gateway.RecordManualOpening(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, opening)
}
