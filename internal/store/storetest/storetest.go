// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/project-ishtar/ishtar/internal/store"
)

// Factory returns a fresh, empty store. Run closes it when the subtest ends.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"Users", testUsers},
		{"ConversationLifecycle", testConversationLifecycle},
		{"CommitBatchOrdering", testCommitBatchOrdering},
		{"CommitBatchRequestIDReplay", testRequestIDReplay},
		{"CommitBatchAtomic", testCommitBatchAtomic},
		{"TokenBackfillOnce", testTokenBackfillOnce},
		{"CheckpointCompareAndSet", testCheckpointCAS},
		{"CountersClampNegative", testCountersClamp},
		{"QueryMessages", testQueryMessages},
		{"DeletedConversationRejectsWrites", testDeletedConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// SeedConversation creates a user-owned conversation and returns it.
func SeedConversation(t *testing.T, s store.Store, userID string) *store.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), store.Conversation{
		UserID: userID,
		Title:  "test",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

// AppendTurns appends n alternating user/model text messages.
func AppendTurns(t *testing.T, s store.Store, conversationID string, n int) []store.Message {
	t.Helper()
	out := make([]store.Message, 0, n)
	for i := range n {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleModel
		}
		msg, err := s.AppendMessage(context.Background(), conversationID, store.Message{
			Role:  role,
			Parts: []store.Part{store.TextPart(fmt.Sprintf("turn %d", i))},
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		out = append(out, *msg)
	}
	return out
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "luke", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected generated user id")
	}
	if _, err := s.CreateUser(ctx, "luke", "other"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate username: got %v, want ErrConflict", err)
	}

	byName, err := s.GetUserByUsername(ctx, "luke")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if byName.ID != u.ID || byName.PasswordHash != "hash" {
		t.Fatalf("GetUserByUsername = %+v, want id %s with stored hash", byName, u.ID)
	}
	if _, err := s.GetUserByID(ctx, u.ID); err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetUserByID(missing): got %v, want ErrNotFound", err)
	}
	if _, err := s.GetUserByUsername(ctx, "leia"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetUserByUsername(missing): got %v, want ErrNotFound", err)
	}
}

func testConversationLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	temp := float32(0.7)
	conv, err := s.CreateConversation(ctx, store.Conversation{
		UserID: "u1",
		Title:  "New Chat",
		ChatSettings: store.ChatSettings{
			Model:           "gemini-2.5-flash",
			Temperature:     &temp,
			EnableMultiTurn: true,
		},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.SummarizedMessageID != nil {
		t.Fatalf("new conversation has checkpoint %q", *conv.SummarizedMessageID)
	}
	SeedConversation(t, s, "u2")

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ChatSettings.Model != "gemini-2.5-flash" || got.ChatSettings.Temperature == nil || *got.ChatSettings.Temperature != temp {
		t.Fatalf("chat settings not persisted: %+v", got.ChatSettings)
	}

	if err := s.UpdateConversationTitle(ctx, conv.ID, "Lightsabers"); err != nil {
		t.Fatalf("UpdateConversationTitle: %v", err)
	}
	if err := s.UpdateChatSettings(ctx, conv.ID, store.ChatSettings{Model: "gemini-2.5-pro"}); err != nil {
		t.Fatalf("UpdateChatSettings: %v", err)
	}
	got, err = s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Lightsabers" || got.ChatSettings.Model != "gemini-2.5-pro" {
		t.Fatalf("updates not applied: %+v", got)
	}

	list, err := s.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Fatalf("ListConversations(u1) = %d items, want only %s", len(list), conv.ID)
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	list, err = s.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted conversation still listed: %+v", list)
	}
	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConversation(missing): got %v, want ErrNotFound", err)
	}
}

func testCommitBatchOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")

	msgs, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		Messages: []store.Message{
			{Role: store.RoleUser, Parts: []store.Part{store.TextPart("Hello")}},
			{Role: store.RoleModel, Parts: []store.Part{store.TextPart("Hi there")}},
		},
		Touch: true,
	})
	if err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("CommitBatch returned %d messages, want 2", len(msgs))
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Fatalf("timestamps not strictly increasing: %v then %v", msgs[0].Timestamp, msgs[1].Timestamp)
	}
	for _, m := range msgs {
		if m.ID == "" || m.ConversationID != conv.ID {
			t.Fatalf("message missing id or conversation: %+v", m)
		}
	}

	more := AppendTurns(t, s, conv.ID, 20)
	prev := msgs[1]
	for _, m := range more {
		if !prev.Cursor().Before(m.Cursor()) {
			t.Fatalf("message %s does not sort after %s", m.ID, prev.ID)
		}
		prev = m
	}

	got, err := s.GetMessage(ctx, conv.ID, msgs[0].ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Text() != "Hello" || !got.Timestamp.Equal(msgs[0].Timestamp) {
		t.Fatalf("GetMessage = %+v", got)
	}
	if _, err := s.GetMessage(ctx, conv.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetMessage(missing): got %v, want ErrNotFound", err)
	}
}

func testRequestIDReplay(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")

	batch := store.Batch{Messages: []store.Message{
		{Role: store.RoleUser, Parts: []store.Part{store.TextPart("q")}, RequestID: "req-1"},
		{Role: store.RoleModel, Parts: []store.Part{store.TextPart("a")}, RequestID: "req-1", ExchangeInputTokens: 120},
	}}
	first, err := s.CommitBatch(ctx, conv.ID, batch)
	if err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	second, err := s.CommitBatch(ctx, conv.ID, batch)
	if err != nil {
		t.Fatalf("CommitBatch replay: %v", err)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("replay produced new message %s, want %s", second[i].ID, first[i].ID)
		}
	}

	all, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("conversation has %d messages after replay, want 2", len(all))
	}

	found, err := s.FindMessagesByRequestID(ctx, conv.ID, "req-1")
	if err != nil {
		t.Fatalf("FindMessagesByRequestID: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("FindMessagesByRequestID = %d messages, want 2", len(found))
	}
	if found[1].Role != store.RoleModel || found[1].ExchangeInputTokens != 120 {
		t.Fatalf("stored model turn = %+v, want exchange input tokens 120", found[1])
	}
	found, err = s.FindMessagesByRequestID(ctx, conv.ID, "")
	if err != nil {
		t.Fatalf("FindMessagesByRequestID(empty): %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("empty request id matched %d messages", len(found))
	}
}

func testCommitBatchAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")

	_, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		Messages: []store.Message{
			{Role: store.RoleUser, Parts: []store.Part{store.TextPart("q")}},
			{Role: store.RoleModel, Parts: []store.Part{store.TextPart("a")}},
		},
		TokenBackfills:  []store.TokenBackfill{{MessageID: "does-not-exist", TokenCount: 4}},
		AddInputTokens:  10,
		AddOutputTokens: 5,
		Touch:           true,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CommitBatch with bad backfill: got %v, want ErrNotFound", err)
	}

	msgs, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("failed batch left %d messages behind", len(msgs))
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.InputTokenCount != 0 || got.OutputTokenCount != 0 {
		t.Fatalf("failed batch changed counters: in=%d out=%d", got.InputTokenCount, got.OutputTokenCount)
	}

	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		Messages: []store.Message{{Role: "narrator", Parts: []store.Part{store.TextPart("x")}}},
	}); err == nil {
		t.Fatal("CommitBatch accepted an invalid role")
	}
}

func testTokenBackfillOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")
	msgs := AppendTurns(t, s, conv.ID, 1)

	if msgs[0].TokenCount != nil {
		t.Fatalf("new message has token count %d", *msgs[0].TokenCount)
	}
	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		TokenBackfills: []store.TokenBackfill{{MessageID: msgs[0].ID, TokenCount: 12}},
	}); err != nil {
		t.Fatalf("CommitBatch backfill: %v", err)
	}
	got, err := s.GetMessage(ctx, conv.ID, msgs[0].ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.TokenCount == nil || *got.TokenCount != 12 {
		t.Fatalf("TokenCount = %v, want 12", got.TokenCount)
	}

	_, err = s.CommitBatch(ctx, conv.ID, store.Batch{
		TokenBackfills: []store.TokenBackfill{{MessageID: msgs[0].ID, TokenCount: 99}},
	})
	if !errors.Is(err, store.ErrImmutable) {
		t.Fatalf("second backfill: got %v, want ErrImmutable", err)
	}
}

func testCheckpointCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")
	turns := AppendTurns(t, s, conv.ID, 2)
	msgs, err := s.CommitBatch(ctx, conv.ID, store.Batch{Messages: []store.Message{
		{Role: store.RoleSystem, Parts: []store.Part{store.TextPart("audit 1")}},
		{Role: store.RoleModel, Parts: []store.Part{store.TextPart("summary 1")}, IsSummary: true},
		{Role: store.RoleSystem, Parts: []store.Part{store.TextPart("audit 2")}},
		{Role: store.RoleModel, Parts: []store.Part{store.TextPart("summary 2")}, IsSummary: true},
	}})
	if err != nil {
		t.Fatalf("append summaries: %v", err)
	}

	for _, target := range []string{turns[1].ID, msgs[0].ID} {
		if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{
			Checkpoint: &store.CheckpointMove{Expected: nil, MessageID: target},
		}); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("checkpoint to non-summary %s: got %v, want ErrConflict", target, err)
		}
	}

	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		Checkpoint: &store.CheckpointMove{Expected: nil, MessageID: msgs[1].ID},
	}); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}

	stale := msgs[0].ID
	_, err = s.CommitBatch(ctx, conv.ID, store.Batch{
		Checkpoint:     &store.CheckpointMove{Expected: &stale, MessageID: msgs[3].ID},
		AddInputTokens: 100,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale checkpoint: got %v, want ErrConflict", err)
	}

	current := msgs[1].ID
	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		Checkpoint: &store.CheckpointMove{Expected: &current, MessageID: "missing"},
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("checkpoint to missing message: got %v, want ErrNotFound", err)
	}

	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{
		Checkpoint: &store.CheckpointMove{Expected: &current, MessageID: msgs[3].ID},
	}); err != nil {
		t.Fatalf("advance checkpoint: %v", err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.SummarizedMessageID == nil || *got.SummarizedMessageID != msgs[3].ID {
		t.Fatalf("SummarizedMessageID = %v, want %s", got.SummarizedMessageID, msgs[3].ID)
	}
	if got.InputTokenCount != 0 {
		t.Fatalf("conflicting batch applied counters: %d", got.InputTokenCount)
	}
}

func testCountersClamp(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")

	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{AddInputTokens: 30, AddOutputTokens: 20}); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if _, err := s.CommitBatch(ctx, conv.ID, store.Batch{AddInputTokens: -500, AddOutputTokens: 5}); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.InputTokenCount != 30 || got.OutputTokenCount != 25 {
		t.Fatalf("counters = (%d, %d), want (30, 25)", got.InputTokenCount, got.OutputTokenCount)
	}
}

func testQueryMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")

	turns := AppendTurns(t, s, conv.ID, 6)
	extra, err := s.CommitBatch(ctx, conv.ID, store.Batch{Messages: []store.Message{
		{Role: store.RoleSystem, Parts: []store.Part{store.TextPart("audit")}},
		{Role: store.RoleModel, Parts: []store.Part{store.TextPart("summary")}, IsSummary: true},
	}})
	if err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	tail := AppendTurns(t, s, conv.ID, 2)

	all, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("QueryMessages(all) = %d, want 10", len(all))
	}

	visible, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{
		Order:            store.OrderDesc,
		ExcludeSystem:    true,
		ExcludeSummaries: true,
	})
	if err != nil {
		t.Fatalf("QueryMessages(visible): %v", err)
	}
	if len(visible) != 8 {
		t.Fatalf("visible = %d messages, want 8", len(visible))
	}
	if visible[0].ID != tail[1].ID || visible[len(visible)-1].ID != turns[0].ID {
		t.Fatal("descending query not newest first")
	}
	for _, m := range visible {
		if m.ID == extra[0].ID || m.ID == extra[1].ID {
			t.Fatalf("filtered message %s returned", m.ID)
		}
	}

	cur := turns[3].Cursor()
	older, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{Order: store.OrderDesc, After: &cur, Limit: 2})
	if err != nil {
		t.Fatalf("QueryMessages(older): %v", err)
	}
	if len(older) != 2 || older[0].ID != turns[2].ID || older[1].ID != turns[1].ID {
		t.Fatalf("desc page after turn 3 = %v", ids(older))
	}

	newer, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{Order: store.OrderAsc, After: &cur, Limit: 2})
	if err != nil {
		t.Fatalf("QueryMessages(newer): %v", err)
	}
	if len(newer) != 2 || newer[0].ID != turns[4].ID || newer[1].ID != turns[5].ID {
		t.Fatalf("asc page after turn 3 = %v", ids(newer))
	}

	first := turns[0].Cursor()
	none, err := s.QueryMessages(ctx, conv.ID, store.QueryOptions{Order: store.OrderDesc, After: &first})
	if err != nil {
		t.Fatalf("QueryMessages(before first): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("nothing precedes the first message, got %v", ids(none))
	}

	if _, err := s.QueryMessages(ctx, "missing", store.QueryOptions{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("QueryMessages(missing): got %v, want ErrNotFound", err)
	}
}

func testDeletedConversation(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := SeedConversation(t, s, "u1")
	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	if _, err := s.AppendMessage(ctx, conv.ID, store.Message{Role: store.RoleUser, Parts: []store.Part{store.TextPart("x")}}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AppendMessage on deleted: got %v, want ErrNotFound", err)
	}
	if err := s.UpdateConversationTitle(ctx, conv.ID, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateConversationTitle on deleted: got %v, want ErrNotFound", err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation on deleted: %v", err)
	}
	if !got.IsDeleted {
		t.Fatal("IsDeleted not set")
	}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
