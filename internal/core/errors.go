package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated          = errors.New("unauthenticated")
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrConversationAccessDenied = errors.New("conversation belongs to another user")
	ErrMessageNotFound          = errors.New("message not found")
	ErrNoModelConfigured        = errors.New("no model configured")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrUserNotFound             = errors.New("user not found")
	ErrUsernameTaken            = errors.New("username already taken")

	// ErrInferenceUnavailable marks a transient failure of the model backend.
	// Nothing was persisted, so the caller may resubmit the same prompt.
	ErrInferenceUnavailable = errors.New("inference unavailable")

	// ErrInferenceRefused marks a content-policy block. Use errors.As with
	// *RefusalError to get the reason.
	ErrInferenceRefused = errors.New("inference refused")

	// ErrPersistenceFailed is returned when inference succeeded but the
	// exchange could not be written. The exchange must be treated as failed.
	ErrPersistenceFailed = errors.New("failed to persist exchange")

	ErrSettingsUnavailable = errors.New("global settings unavailable")
)

// RefusalError is returned by inference adapters when the model declines to
// answer.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	if e.Reason == "" {
		return ErrInferenceRefused.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInferenceRefused, e.Reason)
}

func (e *RefusalError) Is(target error) bool {
	return target == ErrInferenceRefused
}
