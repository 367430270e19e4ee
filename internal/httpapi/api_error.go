package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/rewrite-proxy/internal/fetch"
	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/session"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

func sessionError(id string, err error) error {
	switch {
	case errors.Is(err, session.ErrExpired):
		return apiError(http.StatusGone, model.AppError{
			Code:    "SESSION_EXPIRED",
			Message: "会话已过期",
			Stage:   "lookup_session",
		}, err)
	case errors.Is(err, session.ErrNotFound):
		return apiError(http.StatusNotFound, model.AppError{
			Code:    "SESSION_NOT_FOUND",
			Message: "会话已过期或不存在",
			Stage:   "lookup_session",
		}, err)
	default:
		return fmt.Errorf("lookup session %s: %w", id, err)
	}
}

// errorFromErr maps err to the status and payload sent to the client.
func errorFromErr(err error) (int, model.AppError) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.AppError
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		return fe.Status, fe.AppError
	}

	// Fallback: internal bug. The cause is logged, never returned, because it
	// may name an upstream proxy.
	return http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
	}
}

func (s *server) writeErrorFromErr(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	status, app := errorFromErr(err)
	s.deps.Metrics.incAppError(app.Stage, app.Code)

	lvl := s.log.Info
	if status >= http.StatusInternalServerError {
		lvl = s.log.Warn
	}
	lvl("request failed",
		"request_id", requestIDFrom(r.Context()),
		"target", app.URL,
		"code", app.Code,
		"stage", app.Stage,
		"status", status,
		"err", err)

	WriteError(w, status, app)
}
