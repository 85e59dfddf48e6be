package api

import (
	"context"
	"errors"
	"net/http"

	"crashgenius/internal/analysis"
	"crashgenius/internal/auth"
	"crashgenius/internal/evidence"
	"crashgenius/internal/llm"
	"crashgenius/internal/store"
)

var errBadRequest = errors.New("bad request")

// statusFor maps an error to an HTTP status and a stable machine-readable code.
func statusFor(err error) (int, string) {
	if kind := llm.KindOf(err); kind != "" {
		switch kind {
		case llm.KindNotConfigured:
			return http.StatusBadRequest, string(kind)
		case llm.KindAuth:
			return http.StatusUnauthorized, string(kind)
		case llm.KindQuota:
			return http.StatusTooManyRequests, string(kind)
		case llm.KindFormat:
			return http.StatusUnsupportedMediaType, string(kind)
		default:
			return http.StatusBadGateway, string(kind)
		}
	}
	switch {
	case errors.Is(err, llm.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, llm.ErrEmptyMessage), errors.Is(err, analysis.ErrNoInput), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, evidence.ErrIO), errors.Is(err, evidence.ErrInvalidDataURI):
		return http.StatusBadRequest, "evidence"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": message, "kind": code})
}
