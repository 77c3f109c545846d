package core_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

func TestSummarizePersistsAuditAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	conv := seedConv(t, st, nil)
	seedExchanges(t, st, conv.ID, 1, 1)

	llm := &fakeLLM{respond: func(int, core.InferenceRequest) (*core.InferenceResponse, error) {
		return &core.InferenceResponse{
			Text:  "  the gist  ",
			Usage: core.Usage{PromptTokens: 900, OutputTokens: 40, ThinkingTokens: 2},
		}, nil
	}}
	window, err := core.NewContextBuilder(st, 10, nil).Build(ctx, conv, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := core.NewSummarizer(st, llm, nil).Summarize(ctx, conv, "m", window, "latest question", "latest answer")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if res == nil || res.InputTokens != 900 || res.OutputTokens != 42 {
		t.Fatalf("result = %+v", res)
	}

	calls := llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d inference calls, want 1", len(calls))
	}
	got := turnTexts(calls[0].Turns)
	if len(got) != 5 {
		t.Fatalf("turns = %v", got)
	}
	if got[2] != "latest question" || got[3] != "latest answer" {
		t.Fatalf("latest exchange not submitted: %v", got)
	}
	last := calls[0].Turns[4]
	if last.Role != store.RoleUser || !strings.HasPrefix(last.Text, "Summarize the conversation") {
		t.Fatalf("final turn = %+v, want the summarization instruction", last)
	}
	if temp := calls[0].Config.Temperature; temp == nil || *temp != 0.3 {
		t.Fatalf("temperature = %v, want 0.3", temp)
	}

	summary, err := st.GetMessage(ctx, conv.ID, res.SummaryMessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !summary.IsSummary || summary.Role != store.RoleModel || summary.Text() != "the gist" {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.TokenCount == nil || *summary.TokenCount != 42 {
		t.Fatalf("summary tokens = %v, want 42", summary.TokenCount)
	}

	all := allMessages(t, st, conv.ID)
	audit := all[len(all)-2]
	if audit.Role != store.RoleSystem || audit.TokenCount == nil || *audit.TokenCount != 900 {
		t.Fatalf("audit turn = %+v", audit)
	}

	after := mustConversation(t, st, conv.ID)
	if after.SummarizedMessageID != nil {
		t.Fatal("Summarize must not move the checkpoint")
	}
}

func TestSummarizeQuotesSystemInstruction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	conv := seedConv(t, st, nil)
	instruction := "Answer like a pirate."
	conv.ChatSettings.SystemInstruction = &instruction

	llm := &fakeLLM{}
	if _, err := core.NewSummarizer(st, llm, nil).Summarize(ctx, conv, "m", &core.ContextWindow{}, "q", "a"); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	last := llm.Calls()[0].Turns[2]
	if !strings.Contains(last.Text, "\"\"\"\nAnswer like a pirate.\n\"\"\"") {
		t.Fatalf("instruction not quoted: %q", last.Text)
	}
}

func TestSummarizeWritesNothingOnRefusalOrEmptyText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		respond func(int, core.InferenceRequest) (*core.InferenceResponse, error)
		wantErr bool
	}{
		{"Refused", func(int, core.InferenceRequest) (*core.InferenceResponse, error) {
			return nil, &core.RefusalError{Reason: "SAFETY"}
		}, false},
		{"EmptyText", func(int, core.InferenceRequest) (*core.InferenceResponse, error) {
			return reply("   ", 10, 0), nil
		}, false},
		{"Unavailable", func(int, core.InferenceRequest) (*core.InferenceResponse, error) {
			return nil, core.ErrInferenceUnavailable
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := store.NewMemoryStore()
			conv := seedConv(t, st, nil)
			seeded := seedExchanges(t, st, conv.ID, 1, 1)

			res, err := core.NewSummarizer(st, &fakeLLM{respond: tt.respond}, nil).
				Summarize(ctx, conv, "m", &core.ContextWindow{Messages: seeded}, "q", "a")
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, core.ErrInferenceUnavailable) {
				t.Fatalf("err = %v, want ErrInferenceUnavailable", err)
			}
			if res != nil {
				t.Fatalf("result = %+v, want nil", res)
			}
			if n := len(allMessages(t, st, conv.ID)); n != len(seeded) {
				t.Fatalf("store has %d messages, want %d", n, len(seeded))
			}
		})
	}
}
