package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"msgpipe/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
)

// writeError maps service errors onto status codes: validation 400,
// not found 404, anything else is a dependency failure.
func writeError(w http.ResponseWriter, err error, logMsg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	default:
		slog.Error(logMsg, append([]any{"err", err}, attrs...)...)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
