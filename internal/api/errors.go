package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/project-ishtar/ishtar/internal/auth"
	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

const (
	CodeUnauthenticated  = "unauthenticated"
	CodeNotFound         = "not-found"
	CodePermissionDenied = "permission-denied"
	CodeInvalidArgument  = "invalid-argument"
	CodeAlreadyExists    = "already-exists"
	CodeInternal         = "internal"
)

func classify(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, core.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, ErrorBody{Code: CodeUnauthenticated, Message: err.Error()}
	case errors.Is(err, core.ErrConversationNotFound),
		errors.Is(err, core.ErrMessageNotFound),
		errors.Is(err, core.ErrUserNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, core.ErrInferenceRefused),
		errors.Is(err, core.ErrConversationAccessDenied),
		errors.Is(err, core.ErrNoModelConfigured):
		return http.StatusForbidden, ErrorBody{Code: CodePermissionDenied, Message: err.Error()}
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, core.ErrUsernameTaken):
		return http.StatusConflict, ErrorBody{Code: CodeAlreadyExists, Message: err.Error()}
	case errors.Is(err, core.ErrInferenceUnavailable),
		errors.Is(err, core.ErrPersistenceFailed),
		errors.Is(err, core.ErrSettingsUnavailable),
		errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: err.Error(), Retryable: true}
	}
	return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"}
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Code: CodeInvalidArgument, Message: message})
}

func writeUnauthenticated(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, ErrorBody{Code: CodeUnauthenticated, Message: message})
}
