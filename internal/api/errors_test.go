package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/project-ishtar/ishtar/internal/auth"
	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"Unauthenticated", core.ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthenticated, false},
		{"BadToken", fmt.Errorf("%w: expired", auth.ErrInvalidToken), http.StatusUnauthorized, CodeUnauthenticated, false},
		{"ConversationNotFound", core.ErrConversationNotFound, http.StatusNotFound, CodeNotFound, false},
		{"Refused", &core.RefusalError{Reason: "SAFETY"}, http.StatusForbidden, CodePermissionDenied, false},
		{"AccessDenied", core.ErrConversationAccessDenied, http.StatusForbidden, CodePermissionDenied, false},
		{"NoModel", core.ErrNoModelConfigured, http.StatusForbidden, CodePermissionDenied, false},
		{"InvalidRequest", fmt.Errorf("%w: empty", core.ErrInvalidRequest), http.StatusBadRequest, CodeInvalidArgument, false},
		{"InvalidCursor", store.ErrInvalidCursor, http.StatusBadRequest, CodeInvalidArgument, false},
		{"UsernameTaken", core.ErrUsernameTaken, http.StatusConflict, CodeAlreadyExists, false},
		{"InferenceUnavailable", core.ErrInferenceUnavailable, http.StatusInternalServerError, CodeInternal, true},
		{"PersistenceFailed", fmt.Errorf("%w: %w", core.ErrPersistenceFailed, store.ErrUnavailable), http.StatusInternalServerError, CodeInternal, true},
		{"SettingsUnavailable", core.ErrSettingsUnavailable, http.StatusInternalServerError, CodeInternal, true},
		{"Deadline", context.DeadlineExceeded, http.StatusInternalServerError, CodeInternal, true},
		{"Unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, body := classify(tt.err)
			if status != tt.status || body.Code != tt.code || body.Retryable != tt.retryable {
				t.Fatalf("classify = %d %+v, want %d %s retryable=%v", status, body, tt.status, tt.code, tt.retryable)
			}
		})
	}
}

func TestClassifyHidesUnknownErrors(t *testing.T) {
	t.Parallel()
	_, body := classify(errors.New("database password is hunter2"))
	if body.Message != "internal error" {
		t.Fatalf("message = %q, want a generic message", body.Message)
	}
}
