package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/project-ishtar/ishtar/internal/store"
)

const summaryInstruction = "Summarize the conversation so far as a factual record, not as a reply. " +
	"Capture the user's goal, the decisions made, the open issues and the current status. " +
	"Keep names, numbers and constraints exactly as stated. " +
	"Leave out greetings, pleasantries and anything said only for politeness. " +
	"Write it so the conversation can continue from the summary alone."

// SummaryResult describes a persisted summary turn.
type SummaryResult struct {
	SummaryMessageID string
	InputTokens      int
	OutputTokens     int
}

// Summarizer collapses a conversation's history into a single model turn
// flagged as a summary. It never moves the checkpoint itself.
type Summarizer struct {
	conversations store.ConversationStore
	llm           LLMService
	logger        *slog.Logger
}

func NewSummarizer(conversations store.ConversationStore, llm LLMService, logger *slog.Logger) *Summarizer {
	return &Summarizer{conversations: conversations, llm: llm, logger: orDiscard(logger)}
}

// Summarize asks the model to condense window plus the latest exchange and
// persists the audit and summary turns in one batch. It returns nil without
// writing anything when the model refuses or produces no text.
func (s *Summarizer) Summarize(ctx context.Context, conv *store.Conversation, model string, window *ContextWindow, prompt, reply string) (*SummaryResult, error) {
	instruction := summarizationInstruction(conv.ChatSettings.SystemInstruction)

	turns := window.Turns()
	turns = append(turns,
		Turn{Role: store.RoleUser, Text: prompt},
		Turn{Role: store.RoleModel, Text: reply},
		Turn{Role: store.RoleUser, Text: instruction},
	)

	resp, err := s.llm.Generate(ctx, InferenceRequest{
		Model: model,
		Turns: turns,
		Config: GenerationConfig{
			Temperature: float32Ptr(summarizationTemperature),
		},
	})
	if errors.Is(err, ErrInferenceRefused) {
		s.logger.Warn("summarization refused, checkpoint left in place", "conversation_id", conv.ID, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summarization inference failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		s.logger.Warn("summarization returned no text, checkpoint left in place", "conversation_id", conv.ID)
		return nil, nil
	}

	inputTokens := max(0, resp.Usage.PromptTokens)
	outputTokens := max(0, resp.Usage.Output())
	msgs, err := s.conversations.CommitBatch(ctx, conv.ID, store.Batch{
		Messages: []store.Message{
			{
				Role:       store.RoleSystem,
				Parts:      []store.Part{store.TextPart(instruction)},
				TokenCount: &inputTokens,
			},
			{
				Role:       store.RoleModel,
				Parts:      []store.Part{store.TextPart(text)},
				TokenCount: &outputTokens,
				IsSummary:  true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist summary: %w", err)
	}

	return &SummaryResult{
		SummaryMessageID: msgs[1].ID,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
	}, nil
}

func summarizationInstruction(systemInstruction *string) string {
	if systemInstruction == nil || strings.TrimSpace(*systemInstruction) == "" {
		return summaryInstruction
	}
	return summaryInstruction + "\n\nThe assistant in this conversation works under these instructions, " +
		"keep the summary consistent with them:\n\"\"\"\n" + strings.TrimSpace(*systemInstruction) + "\n\"\"\""
}
