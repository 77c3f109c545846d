package store

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// requestLookup finds an already persisted message with the given request
// id and role, if any.
type requestLookup func(requestID string, role Role) (*Message, error)

// prepareMessages assigns ids and timestamps to new messages and resolves
// request-id upserts. It returns the messages that must be inserted, the
// messages to report back to the caller (in batch order) and the new last
// timestamp of the conversation.
func prepareMessages(conversationID string, msgs []Message, last time.Time, now time.Time, lookup requestLookup) (inserts []Message, results []Message, newLast time.Time, err error) {
	type reqKey struct {
		id   string
		role Role
	}
	seen := map[reqKey]int{}
	newLast = last

	for _, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, nil, last, fmt.Errorf("store: invalid role %q", msg.Role)
		}

		if msg.RequestID != "" {
			key := reqKey{msg.RequestID, msg.Role}
			if idx, ok := seen[key]; ok {
				results = append(results, inserts[idx])
				continue
			}
			existing, err := lookup(msg.RequestID, msg.Role)
			if err != nil {
				return nil, nil, last, err
			}
			if existing != nil {
				results = append(results, *existing)
				continue
			}
			seen[key] = len(inserts)
		}

		msg = cloneMessage(msg)
		msg.ConversationID = conversationID
		if msg.ID == "" {
			msg.ID = uuid.NewString() // Ensure ID is set
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = nextTimestamp(now, newLast)
		} else {
			msg.Timestamp = msg.Timestamp.UTC()
		}
		if msg.Timestamp.After(newLast) {
			newLast = msg.Timestamp
		}
		inserts = append(inserts, msg)
		results = append(results, msg)
	}
	return inserts, results, newLast, nil
}

func checkpointMatches(stored, expected *string) bool {
	if stored == nil || expected == nil {
		return stored == nil && expected == nil
	}
	return *stored == *expected
}

// validCheckpointTarget reports whether m may serve as a conversation's
// summary checkpoint.
func validCheckpointTarget(m Message) error {
	if m.Role != RoleModel || !m.IsSummary {
		return fmt.Errorf("checkpoint target %s is not a summary turn: %w", m.ID, ErrConflict)
	}
	return nil
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func cloneMessage(m Message) Message {
	m.Parts = slices.Clone(m.Parts)
	if m.TokenCount != nil {
		n := *m.TokenCount
		m.TokenCount = &n
	}
	return m
}

func cloneConversation(c Conversation) Conversation {
	if c.SummarizedMessageID != nil {
		id := *c.SummarizedMessageID
		c.SummarizedMessageID = &id
	}
	if c.ChatSettings.Temperature != nil {
		t := *c.ChatSettings.Temperature
		c.ChatSettings.Temperature = &t
	}
	if c.ChatSettings.SystemInstruction != nil {
		s := *c.ChatSettings.SystemInstruction
		c.ChatSettings.SystemInstruction = &s
	}
	if c.ChatSettings.ThinkingBudget != nil {
		b := *c.ChatSettings.ThinkingBudget
		c.ChatSettings.ThinkingBudget = &b
	}
	return c
}

// sortMessages orders messages by (timestamp, id) ascending.
func sortMessages(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		if a.Cursor().Before(b.Cursor()) {
			return -1
		}
		if b.Cursor().Before(a.Cursor()) {
			return 1
		}
		return 0
	})
}

// selectMessages applies opts to messages already sorted ascending.
func selectMessages(sorted []Message, opts QueryOptions) []Message {
	out := make([]Message, 0)
	visit := func(m Message) bool {
		if !opts.Matches(m) || !opts.Beyond(m) {
			return true
		}
		out = append(out, cloneMessage(m))
		return opts.Limit <= 0 || len(out) < opts.Limit
	}
	if opts.Order == OrderDesc {
		for i := len(sorted) - 1; i >= 0; i-- {
			if !visit(sorted[i]) {
				break
			}
		}
	} else {
		for _, m := range sorted {
			if !visit(m) {
				break
			}
		}
	}
	return out
}
