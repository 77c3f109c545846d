package store_test

import (
	"path/filepath"
	"testing"

	"github.com/project-ishtar/ishtar/internal/store"
	"github.com/project-ishtar/ishtar/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ishtar.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return s
	})
}

func TestSQLiteStoreInMemory(t *testing.T) {
	t.Parallel()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	conv := storetest.SeedConversation(t, s, "u1")
	msgs := storetest.AppendTurns(t, s, conv.ID, 3)
	if len(msgs) != 3 {
		t.Fatalf("AppendTurns = %d messages, want 3", len(msgs))
	}
}
