package core

import (
	"errors"
	"testing"

	legacygenai "github.com/google/generative-ai-go/genai"
	"google.golang.org/genai"

	"github.com/project-ishtar/ishtar/internal/store"
)

func TestGenaiResponse(t *testing.T) {
	t.Parallel()

	t.Run("SkipsThoughts", func(t *testing.T) {
		t.Parallel()
		out, err := genaiResponse(&genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonStop,
				Content: &genai.Content{Role: string(genai.RoleModel), Parts: []*genai.Part{
					{Text: "let me think", Thought: true},
					{Text: "Hello"},
					nil,
					{Text: ", world"},
				}},
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
				PromptTokenCount:     12,
				CandidatesTokenCount: 4,
				ThoughtsTokenCount:   30,
			},
		})
		if err != nil {
			t.Fatalf("genaiResponse: %v", err)
		}
		if out.Text != "Hello, world" {
			t.Fatalf("Text = %q", out.Text)
		}
		if want := (Usage{PromptTokens: 12, OutputTokens: 4, ThinkingTokens: 30}); out.Usage != want {
			t.Fatalf("Usage = %+v, want %+v", out.Usage, want)
		}
		if out.Usage.Output() != 34 {
			t.Fatalf("Output() = %d, want 34", out.Usage.Output())
		}
	})

	t.Run("PromptBlocked", func(t *testing.T) {
		t.Parallel()
		_, err := genaiResponse(&genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
		})
		if !errors.Is(err, ErrInferenceRefused) {
			t.Fatalf("err = %v, want ErrInferenceRefused", err)
		}
	})

	t.Run("UnspecifiedBlockReason", func(t *testing.T) {
		t.Parallel()
		out, err := genaiResponse(&genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonUnspecified},
		})
		if err != nil {
			t.Fatalf("genaiResponse: %v", err)
		}
		if out.Text != "" {
			t.Fatalf("Text = %q, want empty", out.Text)
		}
	})

	t.Run("SafetyFinish", func(t *testing.T) {
		t.Parallel()
		_, err := genaiResponse(&genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonSafety,
				Content:      genai.NewContentFromText("partial", genai.RoleModel),
			}},
		})
		var refusal *RefusalError
		if !errors.As(err, &refusal) || refusal.Reason != string(genai.FinishReasonSafety) {
			t.Fatalf("err = %v, want refusal with reason %s", err, genai.FinishReasonSafety)
		}
	})

	t.Run("Nil", func(t *testing.T) {
		t.Parallel()
		if _, err := genaiResponse(nil); !errors.Is(err, ErrInferenceUnavailable) {
			t.Fatalf("err = %v, want ErrInferenceUnavailable", err)
		}
	})
}

func TestGenaiConfig(t *testing.T) {
	t.Parallel()
	budget := int32(2048)
	cfg := genaiConfig(GenerationConfig{
		Temperature:       float32Ptr(0.7),
		SystemInstruction: "be brief",
		EnableThinking:    true,
		ThinkingBudget:    &budget,
	})
	if cfg.Temperature == nil || *cfg.Temperature != 0.7 {
		t.Fatalf("Temperature = %v", cfg.Temperature)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if cfg.ThinkingConfig == nil || cfg.ThinkingConfig.ThinkingBudget == nil || *cfg.ThinkingConfig.ThinkingBudget != 2048 {
		t.Fatalf("ThinkingConfig = %+v", cfg.ThinkingConfig)
	}
	if cfg.ThinkingConfig.IncludeThoughts {
		t.Fatal("thoughts must not be requested")
	}

	plain := genaiConfig(GenerationConfig{})
	if plain.ThinkingConfig != nil || plain.SystemInstruction != nil || plain.Temperature != nil {
		t.Fatalf("zero config = %+v", plain)
	}
}

func TestGenaiContentsRoles(t *testing.T) {
	t.Parallel()
	contents := genaiContents([]Turn{
		{Role: store.RoleUser, Text: "q"},
		{Role: store.RoleModel, Text: "a"},
		{Role: store.RoleSystem, Text: "s"},
	})
	want := []string{string(genai.RoleUser), string(genai.RoleModel), string(genai.RoleUser)}
	for i, c := range contents {
		if c.Role != want[i] {
			t.Errorf("content %d role = %q, want %q", i, c.Role, want[i])
		}
	}
}

func TestLegacyHistory(t *testing.T) {
	t.Parallel()

	history, last, err := legacyHistory([]Turn{
		{Role: store.RoleUser, Text: "q1"},
		{Role: store.RoleModel, Text: "a1"},
		{Role: store.RoleUser, Text: "q2"},
	})
	if err != nil {
		t.Fatalf("legacyHistory: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "model" {
		t.Fatalf("history = %+v", history)
	}
	if txt, ok := last.Parts[0].(legacygenai.Text); !ok || string(txt) != "q2" {
		t.Fatalf("last = %+v", last)
	}

	if _, _, err := legacyHistory(nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty turns: err = %v, want ErrInvalidRequest", err)
	}
	if _, _, err := legacyHistory([]Turn{{Role: store.RoleModel, Text: "a"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("model last: err = %v, want ErrInvalidRequest", err)
	}
}

func TestLegacyResponse(t *testing.T) {
	t.Parallel()
	out := legacyResponse(&legacygenai.GenerateContentResponse{
		Candidates: []*legacygenai.Candidate{{
			Content: &legacygenai.Content{Role: "model", Parts: []legacygenai.Part{
				legacygenai.Text("one "),
				legacygenai.Blob{MIMEType: "image/png"},
				legacygenai.Text("two"),
			}},
		}},
		UsageMetadata: &legacygenai.UsageMetadata{PromptTokenCount: 9, CandidatesTokenCount: 2},
	})
	if out.Text != "one two" {
		t.Fatalf("Text = %q", out.Text)
	}
	if want := (Usage{PromptTokens: 9, OutputTokens: 2}); out.Usage != want {
		t.Fatalf("Usage = %+v, want %+v", out.Usage, want)
	}
	if empty := legacyResponse(nil); empty.Text != "" || empty.Usage != (Usage{}) {
		t.Fatalf("nil response = %+v", empty)
	}
}
