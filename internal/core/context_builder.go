package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/project-ishtar/ishtar/internal/store"
)

const DefaultContextLookback = 10

// ContextWindow is the history submitted with one exchange, oldest first.
type ContextWindow struct {
	// Summary is the checkpoint summary leading the window, nil when the
	// conversation has no (valid) checkpoint.
	Summary  *store.Message
	Messages []store.Message
	// HistoryTokens sums the token counts already known for Messages.
	HistoryTokens int
}

// Turns converts the window into text-only inference turns. Messages without
// any text (for example image-only turns) are dropped.
func (w *ContextWindow) Turns() []Turn {
	turns := make([]Turn, 0, len(w.Messages)+1)
	for _, m := range w.Messages {
		text := m.Text()
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Text: text})
	}
	return turns
}

type ContextBuilder struct {
	messages store.MessageStore
	lookback int
	logger   *slog.Logger
}

func NewContextBuilder(messages store.MessageStore, lookback int, logger *slog.Logger) *ContextBuilder {
	if lookback <= 0 {
		lookback = DefaultContextLookback
	}
	return &ContextBuilder{messages: messages, lookback: lookback, logger: orDiscard(logger)}
}

// Build assembles the window for the next exchange on conv. excludeID names
// a prompt message that was persisted ahead of the call; it is left out so
// it can be appended last as the new prompt.
func (b *ContextBuilder) Build(ctx context.Context, conv *store.Conversation, excludeID string) (*ContextWindow, error) {
	var (
		window *ContextWindow
		err    error
	)
	if conv.SummarizedMessageID == nil {
		window, err = b.fullHistory(ctx, conv.ID)
	} else {
		window, err = b.fromCheckpoint(ctx, conv, *conv.SummarizedMessageID)
	}
	if err != nil {
		return nil, err
	}

	if excludeID != "" {
		window.Messages = slices.DeleteFunc(window.Messages, func(m store.Message) bool { return m.ID == excludeID })
	}
	window.HistoryTokens = 0
	for _, m := range window.Messages {
		if m.TokenCount != nil {
			window.HistoryTokens += *m.TokenCount
		}
	}
	return window, nil
}

func (b *ContextBuilder) fullHistory(ctx context.Context, conversationID string) (*ContextWindow, error) {
	msgs, err := b.messages.QueryMessages(ctx, conversationID, store.QueryOptions{
		Order:            store.OrderAsc,
		ExcludeSystem:    true,
		ExcludeSummaries: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return &ContextWindow{Messages: msgs}, nil
}

func (b *ContextBuilder) fromCheckpoint(ctx context.Context, conv *store.Conversation, summaryID string) (*ContextWindow, error) {
	summary, err := b.messages.GetMessage(ctx, conv.ID, summaryID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.logger.Warn("checkpoint references a missing message, using full history",
			"conversation_id", conv.ID, "summarized_message_id", summaryID)
		return b.fullHistory(ctx, conv.ID)
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint summary: %w", err)
	case summary.Role != store.RoleModel || !summary.IsSummary:
		b.logger.Warn("checkpoint references a message that is not a summary, using full history",
			"conversation_id", conv.ID, "summarized_message_id", summaryID, "role", summary.Role)
		return b.fullHistory(ctx, conv.ID)
	}

	cursor := summary.Cursor()
	before, err := b.messages.QueryMessages(ctx, conv.ID, store.QueryOptions{
		Order:            store.OrderDesc,
		After:            &cursor,
		Limit:            b.lookback,
		ExcludeSystem:    true,
		ExcludeSummaries: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pre-checkpoint history: %w", err)
	}
	slices.Reverse(before)

	after, err := b.messages.QueryMessages(ctx, conv.ID, store.QueryOptions{
		Order:            store.OrderAsc,
		After:            &cursor,
		ExcludeSystem:    true,
		ExcludeSummaries: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load post-checkpoint history: %w", err)
	}

	msgs := make([]store.Message, 0, 1+len(before)+len(after))
	msgs = append(msgs, *summary)
	msgs = append(msgs, before...)
	msgs = append(msgs, after...)
	return &ContextWindow{Summary: summary, Messages: msgs}, nil
}
