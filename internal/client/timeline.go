package client

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

// PlaceholderID is the id of the optimistic user turn shown while a send
// is in flight.
const PlaceholderID = "prompt_id"

var ErrSendInFlight = errors.New("a message is already being sent")

// MessageSource is the part of the API a Timeline needs. *Client
// implements it.
type MessageSource interface {
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*core.MessagePage, error)
	Send(ctx context.Context, req core.SendMessageRequest) (*core.SendMessageResponse, error)
}

// PromptInput receives the prompt text back when a send fails, so the
// user does not have to retype it.
type PromptInput interface {
	SetText(text string)
}

// Timeline is the client-side view of one conversation's history. Pages are
// kept oldest first; LoadPrevious walks backwards with the server cursor.
type Timeline struct {
	src      MessageSource
	pageSize int
	now      func() time.Time

	mu             sync.Mutex
	conversationID string
	pages          [][]store.Message
	cursor         string
	sending        bool
}

// NewTimeline tracks conversationID. An empty id starts a new conversation;
// the first Send fills it in.
func NewTimeline(src MessageSource, conversationID string, pageSize int) *Timeline {
	return &Timeline{src: src, conversationID: conversationID, pageSize: pageSize, now: time.Now}
}

func (t *Timeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// LoadLatest replaces the timeline with the newest page.
func (t *Timeline) LoadLatest(ctx context.Context) error {
	convID := t.ConversationID()
	if convID == "" {
		return nil
	}
	page, err := t.src.ListMessages(ctx, convID, "", t.pageSize)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages = [][]store.Message{slices.Clone(page.Messages)}
	t.cursor = page.NextCursor
	return nil
}

// LoadPrevious prepends the next older page. It reports false once the
// beginning of the conversation has been reached.
func (t *Timeline) LoadPrevious(ctx context.Context) (bool, error) {
	t.mu.Lock()
	convID, cursor := t.conversationID, t.cursor
	t.mu.Unlock()
	if convID == "" || cursor == "" {
		return false, nil
	}

	page, err := t.src.ListMessages(ctx, convID, cursor, t.pageSize)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor != cursor {
		// LoadLatest ran meanwhile; this page no longer lines up.
		return false, nil
	}
	t.pages = append([][]store.Message{slices.Clone(page.Messages)}, t.pages...)
	t.cursor = page.NextCursor
	return len(page.Messages) > 0, nil
}

func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor != ""
}

// Messages returns every loaded message in display order.
func (t *Timeline) Messages() []store.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []store.Message
	for _, page := range t.pages {
		out = append(out, page...)
	}
	return out
}

// Send shows prompt immediately as a placeholder turn, then swaps it for the
// persisted prompt and reply. On failure the placeholder is removed and the
// prompt is handed back to input.
func (t *Timeline) Send(ctx context.Context, prompt, requestID string, input PromptInput) (*core.SendMessageResponse, error) {
	t.mu.Lock()
	if t.sending {
		t.mu.Unlock()
		return nil, ErrSendInFlight
	}
	t.sending = true
	convID := t.conversationID
	t.appendLocked(store.Message{
		ID:             PlaceholderID,
		ConversationID: convID,
		Role:           store.RoleUser,
		Parts:          []store.Part{store.TextPart(prompt)},
		Timestamp:      t.now(),
	})
	t.mu.Unlock()

	resp, err := t.src.Send(ctx, core.SendMessageRequest{
		ConversationID: convID,
		Prompt:         prompt,
		RequestID:      requestID,
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sending = false
	placeholder, ok := t.removePlaceholderLocked()
	if err != nil {
		if input != nil {
			input.SetText(prompt)
		}
		return nil, err
	}

	if t.conversationID == "" {
		t.conversationID = resp.ConversationID
	}
	switch {
	case resp.Prompt != nil:
		t.appendLocked(*resp.Prompt)
	case ok:
		t.appendLocked(placeholder)
	}
	if resp.Response != nil {
		t.appendLocked(*resp.Response)
	}
	return resp, nil
}

func (t *Timeline) appendLocked(msg store.Message) {
	if len(t.pages) == 0 {
		t.pages = [][]store.Message{nil}
	}
	last := len(t.pages) - 1
	t.pages[last] = append(t.pages[last], msg)
}

func (t *Timeline) removePlaceholderLocked() (store.Message, bool) {
	for p := len(t.pages) - 1; p >= 0; p-- {
		if i := slices.IndexFunc(t.pages[p], func(m store.Message) bool { return m.ID == PlaceholderID }); i >= 0 {
			msg := t.pages[p][i]
			t.pages[p] = slices.Delete(t.pages[p], i, i+1)
			return msg, true
		}
	}
	return store.Message{}, false
}
