package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

// fakeLLM records requests and answers through respond, which receives the
// zero-based call index.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []core.InferenceRequest
	respond func(call int, req core.InferenceRequest) (*core.InferenceResponse, error)
}

func (f *fakeLLM) Generate(_ context.Context, req core.InferenceRequest) (*core.InferenceResponse, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond == nil {
		return reply("ok", 1, 1), nil
	}
	return f.respond(n, req)
}

func (f *fakeLLM) Calls() []core.InferenceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.InferenceRequest(nil), f.calls...)
}

func reply(text string, promptTokens, outputTokens int) *core.InferenceResponse {
	return &core.InferenceResponse{
		Text:  text,
		Usage: core.Usage{PromptTokens: promptTokens, OutputTokens: outputTokens},
	}
}

// failingCommitStore fails every CommitBatch with err.
type failingCommitStore struct {
	store.Store
	err error
}

func (s failingCommitStore) CommitBatch(context.Context, string, store.Batch) ([]store.Message, error) {
	return nil, s.err
}

func staticSettings(g core.GlobalSettings) *core.SettingsCache {
	return core.NewSettingsCache(core.StaticSettings(g), time.Minute, core.FallbackError, nil, nil)
}

func newChatService(st store.Store, llm core.LLMService, opts core.ChatOptions) *core.ChatService {
	return core.NewChatService(st, llm, staticSettings(core.DefaultGlobalSettings()), opts)
}

func newConversation(t *testing.T, svc *core.ChatService, userID string) *store.Conversation {
	t.Helper()
	conv, err := svc.CreateConversation(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

// seedExchanges commits n user/model pairs, each turn carrying tokensEach.
func seedExchanges(t *testing.T, st store.Store, conversationID string, n, tokensEach int) []store.Message {
	t.Helper()
	var out []store.Message
	for i := range n {
		tokens := tokensEach
		msgs, err := st.CommitBatch(context.Background(), conversationID, store.Batch{Messages: []store.Message{
			{Role: store.RoleUser, Parts: []store.Part{store.TextPart(fmt.Sprintf("question %d", i))}, TokenCount: &tokens},
			{Role: store.RoleModel, Parts: []store.Part{store.TextPart(fmt.Sprintf("answer %d", i))}, TokenCount: &tokens},
		}})
		if err != nil {
			t.Fatalf("seed exchange %d: %v", i, err)
		}
		out = append(out, msgs...)
	}
	return out
}

func intPtr(n int) *int { return &n }

func texts(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func turnTexts(turns []core.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func mustConversation(t *testing.T, st store.Store, id string) *store.Conversation {
	t.Helper()
	conv, err := st.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return conv
}

func allMessages(t *testing.T, st store.Store, id string) []store.Message {
	t.Helper()
	msgs, err := st.QueryMessages(context.Background(), id, store.QueryOptions{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	return msgs
}
