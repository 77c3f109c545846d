package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/project-ishtar/ishtar/internal/store"
)

// CreateUser registers a user. The password must already be hashed.
func (s *ChatService) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || passwordHash == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}
	user, err := s.store.CreateUser(ctx, username, passwordHash)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("created user", "user_id", user.ID)
	return user, nil
}

func (s *ChatService) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *ChatService) GetUser(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}
