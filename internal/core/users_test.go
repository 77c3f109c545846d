package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

func TestUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newChatService(store.NewMemoryStore(), &fakeLLM{}, core.ChatOptions{})

	user, err := svc.CreateUser(ctx, " ada ", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Username != "ada" {
		t.Fatalf("Username = %q, want trimmed", user.Username)
	}
	if _, err := svc.CreateUser(ctx, "ada", "hash2"); !errors.Is(err, core.ErrUsernameTaken) {
		t.Fatalf("duplicate: err = %v, want ErrUsernameTaken", err)
	}
	if _, err := svc.CreateUser(ctx, "", "hash"); !errors.Is(err, core.ErrInvalidRequest) {
		t.Fatalf("empty username: err = %v, want ErrInvalidRequest", err)
	}

	byName, err := svc.GetUserByUsername(ctx, "ada")
	if err != nil || byName.ID != user.ID {
		t.Fatalf("GetUserByUsername = %+v, %v", byName, err)
	}
	byID, err := svc.GetUser(ctx, user.ID)
	if err != nil || byID.Username != "ada" {
		t.Fatalf("GetUser = %+v, %v", byID, err)
	}
	if _, err := svc.GetUser(ctx, "nobody"); !errors.Is(err, core.ErrUserNotFound) {
		t.Fatalf("GetUser(nobody) err = %v, want ErrUserNotFound", err)
	}
}
