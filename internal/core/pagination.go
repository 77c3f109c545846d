package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/project-ishtar/ishtar/internal/store"
)

const DefaultPageSize = 10

// MessagePage is one page of visible history in display order, oldest
// first. NextCursor is empty once there is nothing older to fetch.
type MessagePage struct {
	Messages   []store.Message `json:"messages"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// FetchPage returns the page of user and model turns immediately older than
// cursor, or the newest page when cursor is empty. It reads one message
// past the page so a cursor is only issued when another page exists.
func FetchPage(ctx context.Context, messages store.MessageStore, conversationID, cursor string, pageSize int) (*MessagePage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	opts := store.QueryOptions{
		Order:            store.OrderDesc,
		Limit:            pageSize + 1,
		ExcludeSystem:    true,
		ExcludeSummaries: true,
	}
	if cursor != "" {
		c, err := store.DecodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		opts.After = &c
	}

	msgs, err := messages.QueryMessages(ctx, conversationID, opts)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	page := &MessagePage{}
	if len(msgs) > pageSize {
		msgs = msgs[:pageSize]
		page.NextCursor = msgs[len(msgs)-1].Cursor().Encode()
	}
	slices.Reverse(msgs)
	page.Messages = msgs
	return page, nil
}
