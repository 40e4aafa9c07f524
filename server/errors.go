package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/AGIHouse/openscience/model"
)

// statusOf maps engine errors to HTTP status codes and stable error codes.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, model.ErrUnknownScheme):
		return http.StatusNotFound, "unknown_scheme"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity, "dimension_mismatch"
	case errors.Is(err, model.ErrIndexCorrupted):
		return http.StatusServiceUnavailable, "index_corrupted"
	case errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeErr(w, code, name, err.Error())
}

func writeErr(w http.ResponseWriter, code int, name, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    name,
			"message": message,
		},
	})
}
