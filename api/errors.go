package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and returns a generic message so signing
// failures do not leak key details to clients.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pki.ErrMalformedRequest),
		errors.Is(err, pki.ErrInvalidValidity),
		errors.Is(err, pki.ErrUnsupportedDigest),
		errors.Is(err, pki.ErrUnknownReason),
		errors.Is(err, storage.ErrInvalidSerial):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pki.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrSerialCollision):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pki.ErrSigningKey):
		writeInternalError(w, "signing failed", err)
	default:
		writeInternalError(w, "internal error", err)
	}
}
