package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dispenser-relay/internal/devicelink"
	"github.com/nerrad567/dispenser-relay/internal/gateway"
	"github.com/nerrad567/dispenser-relay/internal/store"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeInternal          = "internal_error"
	ErrCodeValidation        = "validation_error"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeDeviceUnavailable = "device_unavailable"
	ErrCodeDeviceWrite       = "device_write_failed"
	ErrCodePersistence       = "persistence_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps errors from the core packages to HTTP responses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "frequency must be a whole number of minutes between 1 and 1440")
	case errors.Is(err, devicelink.ErrLinkUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeDeviceUnavailable, "dispenser is not connected")
	case errors.Is(err, devicelink.ErrWriteFailure):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceWrite, "failed to send command to dispenser")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no frequency has been set")
	case errors.Is(err, store.ErrPersistence):
		writeError(w, http.StatusInternalServerError, ErrCodePersistence, "storage unavailable")
	default:
		writeInternalError(w, "internal server error")
	}
}
