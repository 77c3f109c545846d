package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a user, conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable marks a transient backend failure. Callers may retry.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrConflict is returned when a uniqueness or compare-and-set check fails.
	ErrConflict = errors.New("store: conflict")

	// ErrImmutable is returned when a batch tries to backfill a token count
	// that is already set.
	ErrImmutable = errors.New("store: message is immutable")

	// ErrInvalidCursor is returned by DecodeCursor for malformed input.
	ErrInvalidCursor = errors.New("store: invalid cursor")
)

type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// Cursor is the ordering key of a message: timestamp first, id as tie-break.
// It carries no server state and stays valid for as long as the message does.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode returns the opaque, URL-safe form of the cursor.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.Timestamp.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{Timestamp: time.Unix(0, n).UTC(), ID: id}, nil
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if !c.Timestamp.Equal(other.Timestamp) {
		return c.Timestamp.Before(other.Timestamp)
	}
	return c.ID < other.ID
}

type QueryOptions struct {
	Order Order
	// After restricts results to messages strictly beyond the cursor in the
	// query direction (newer for OrderAsc, older for OrderDesc).
	After *Cursor
	// Limit caps the number of results; zero means no limit.
	Limit            int
	ExcludeSystem    bool
	ExcludeSummaries bool
}

// Matches reports whether msg passes the role and summary filters.
func (o QueryOptions) Matches(msg Message) bool {
	if o.ExcludeSystem && msg.Role == RoleSystem {
		return false
	}
	if o.ExcludeSummaries && msg.IsSummary {
		return false
	}
	return true
}

// Beyond reports whether msg lies strictly past the After cursor.
func (o QueryOptions) Beyond(msg Message) bool {
	if o.After == nil {
		return true
	}
	if o.Order == OrderDesc {
		return msg.Cursor().Before(*o.After)
	}
	return o.After.Before(msg.Cursor())
}

type TokenBackfill struct {
	MessageID  string
	TokenCount int
}

// CheckpointMove moves the conversation's summary pointer to MessageID,
// provided the stored pointer still equals Expected (nil meaning unset).
type CheckpointMove struct {
	Expected  *string
	MessageID string
}

// Batch is a set of writes against one conversation that is applied
// all-or-nothing.
type Batch struct {
	Messages        []Message
	TokenBackfills  []TokenBackfill
	AddInputTokens  int64
	AddOutputTokens int64
	Touch           bool
	Checkpoint      *CheckpointMove
}

type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error
	UpdateChatSettings(ctx context.Context, conversationID string, settings ChatSettings) error
	DeleteConversation(ctx context.Context, conversationID string) error
	CommitBatch(ctx context.Context, conversationID string, batch Batch) ([]Message, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID string, msg Message) (*Message, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
	QueryMessages(ctx context.Context, conversationID string, opts QueryOptions) ([]Message, error)
	FindMessagesByRequestID(ctx context.Context, conversationID, requestID string) ([]Message, error)
}

// Store is the persistent, ordered document store the chat service runs on.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	Close() error
}

// nextTimestamp returns now, bumped past last so timestamps within a
// conversation stay strictly increasing.
func nextTimestamp(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
