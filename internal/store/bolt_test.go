package store_test

import (
	"path/filepath"
	"testing"

	"github.com/project-ishtar/ishtar/internal/store"
	"github.com/project-ishtar/ishtar/internal/store/storetest"
)

func TestBoltStore(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "data", "ishtar.bolt"))
		if err != nil {
			t.Fatalf("NewBoltStore: %v", err)
		}
		return s
	})
}

func TestBoltStoreReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ishtar.bolt")

	s, err := store.NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	conv := storetest.SeedConversation(t, s, "u1")
	want := storetest.AppendTurns(t, s, conv.ID, 4)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = store.NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.QueryMessages(t.Context(), conv.ID, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages after reopen, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Fatalf("message %d = %s@%v, want %s@%v", i, got[i].ID, got[i].Timestamp, want[i].ID, want[i].Timestamp)
		}
	}
}
