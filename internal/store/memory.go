package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is used by tests and
// by the "memory" store driver for local development.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	users         map[string]User
	usernames     map[string]string
	conversations map[string]Conversation
	messages      map[string][]Message // sorted by (timestamp, id)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		users:         make(map[string]User),
		usernames:     make(map[string]string),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (s *MemoryStore) Close() error { return nil }

// User methods
func (s *MemoryStore) CreateUser(_ context.Context, username, passwordHash string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[username]; ok {
		return nil, fmt.Errorf("username %q already taken: %w", username, ErrConflict)
	}
	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	s.users[user.ID] = user
	s.usernames[username] = user.ID
	return &user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

// Conversation methods
func (s *MemoryStore) CreateConversation(_ context.Context, conv Conversation) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, ok := s.conversations[conv.ID]; ok {
		return nil, fmt.Errorf("conversation %s already exists: %w", conv.ID, ErrConflict)
	}
	now := s.now().UTC()
	conv.CreatedAt = now
	conv.LastUpdated = now
	conv.InputTokenCount = clampNonNegative(conv.InputTokenCount)
	conv.OutputTokenCount = clampNonNegative(conv.OutputTokenCount)
	conv = cloneConversation(conv)
	s.conversations[conv.ID] = conv

	out := cloneConversation(conv)
	return &out, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneConversation(conv)
	return &out, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []Conversation
	for _, c := range s.conversations {
		if c.UserID == userID && !c.IsDeleted {
			convs = append(convs, cloneConversation(c))
		}
	}
	slices.SortFunc(convs, func(a, b Conversation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return convs, nil
}

func (s *MemoryStore) UpdateConversationTitle(_ context.Context, conversationID, title string) error {
	return s.mutateConversation(conversationID, func(c *Conversation) {
		c.Title = title
	})
}

func (s *MemoryStore) UpdateChatSettings(_ context.Context, conversationID string, settings ChatSettings) error {
	return s.mutateConversation(conversationID, func(c *Conversation) {
		c.ChatSettings = settings
		c.LastUpdated = s.now().UTC()
	})
}

func (s *MemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	return s.mutateConversation(conversationID, func(c *Conversation) {
		c.IsDeleted = true
	})
}

func (s *MemoryStore) mutateConversation(conversationID string, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.IsDeleted {
		return ErrNotFound
	}
	fn(&conv)
	s.conversations[conversationID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStore) CommitBatch(_ context.Context, conversationID string, batch Batch) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.IsDeleted {
		return nil, ErrNotFound
	}
	existing := s.messages[conversationID]

	var last time.Time
	if n := len(existing); n > 0 {
		last = existing[n-1].Timestamp
	}
	lookup := func(requestID string, role Role) (*Message, error) {
		for _, m := range existing {
			if m.RequestID == requestID && m.Role == role {
				out := cloneMessage(m)
				return &out, nil
			}
		}
		return nil, nil
	}
	inserts, results, _, err := prepareMessages(conversationID, batch.Messages, last, s.now(), lookup)
	if err != nil {
		return nil, err
	}

	// Validate everything before touching state.
	backfillIdx := make([]int, len(batch.TokenBackfills))
	for i, bf := range batch.TokenBackfills {
		idx := slices.IndexFunc(existing, func(m Message) bool { return m.ID == bf.MessageID })
		if idx < 0 {
			return nil, fmt.Errorf("backfill %s: %w", bf.MessageID, ErrNotFound)
		}
		if existing[idx].TokenCount != nil {
			return nil, fmt.Errorf("backfill %s: %w", bf.MessageID, ErrImmutable)
		}
		backfillIdx[i] = idx
	}
	if cp := batch.Checkpoint; cp != nil {
		if !checkpointMatches(conv.SummarizedMessageID, cp.Expected) {
			return nil, fmt.Errorf("checkpoint moved: %w", ErrConflict)
		}
		isTarget := func(m Message) bool { return m.ID == cp.MessageID }
		var target *Message
		if i := slices.IndexFunc(existing, isTarget); i >= 0 {
			target = &existing[i]
		} else if i := slices.IndexFunc(inserts, isTarget); i >= 0 {
			target = &inserts[i]
		}
		if target == nil {
			return nil, fmt.Errorf("checkpoint target %s: %w", cp.MessageID, ErrNotFound)
		}
		if err := validCheckpointTarget(*target); err != nil {
			return nil, err
		}
	}

	updated := slices.Clone(existing)
	for i, bf := range batch.TokenBackfills {
		n := bf.TokenCount
		updated[backfillIdx[i]].TokenCount = &n
	}
	updated = append(updated, inserts...)
	sortMessages(updated)
	s.messages[conversationID] = updated

	conv.InputTokenCount += clampNonNegative(batch.AddInputTokens)
	conv.OutputTokenCount += clampNonNegative(batch.AddOutputTokens)
	if batch.Touch {
		conv.LastUpdated = s.now().UTC()
	}
	if cp := batch.Checkpoint; cp != nil {
		id := cp.MessageID
		conv.SummarizedMessageID = &id
	}
	s.conversations[conversationID] = conv

	out := make([]Message, len(results))
	for i, m := range results {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

// Message methods
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (*Message, error) {
	msgs, err := s.CommitBatch(ctx, conversationID, Batch{Messages: []Message{msg}})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *MemoryStore) GetMessage(_ context.Context, conversationID, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			out := cloneMessage(m)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) QueryMessages(_ context.Context, conversationID string, opts QueryOptions) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	return selectMessages(s.messages[conversationID], opts), nil
}

func (s *MemoryStore) FindMessagesByRequestID(_ context.Context, conversationID, requestID string) ([]Message, error) {
	if requestID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.messages[conversationID] {
		if m.RequestID == requestID {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}
