package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")     // one sub-bucket per conversation, keyed by ordering key
	bucketMessageKeys   = []byte("message_keys") // one sub-bucket per conversation, message id -> ordering key
)

// BoltStore keeps conversations in a single BoltDB file. Message keys are
// the big-endian timestamp followed by the message id, so a bucket cursor
// walks a conversation in (timestamp, id) order.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// boltUser mirrors User including the password hash, which User hides from JSON.
type boltUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUsernames, bucketConversations, bucketMessages, bucketMessageKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func classifyBolt(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrImmutable) {
		return err
	}
	if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func messageKey(ts time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
	return append(key, id...)
}

func keyTimestamp(key []byte) time.Time {
	return fromNanos(int64(binary.BigEndian.Uint64(key[:8])))
}

// User methods
func (s *BoltStore) CreateUser(_ context.Context, username, passwordHash string) (*User, error) {
	rec := boltUser{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(username)) != nil {
			return fmt.Errorf("username %q already taken: %w", username, ErrConflict)
		}
		enc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put([]byte(rec.ID), enc); err != nil {
			return err
		}
		return names.Put([]byte(username), []byte(rec.ID))
	})
	if err != nil {
		return nil, classifyBolt("create user", err)
	}
	return &User{ID: rec.ID, Username: rec.Username, PasswordHash: rec.PasswordHash, CreatedAt: rec.CreatedAt}, nil
}

func (s *BoltStore) GetUserByID(_ context.Context, userID string) (*User, error) {
	var user *User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = loadBoltUser(tx, userID)
		return err
	})
	if err != nil {
		return nil, classifyBolt("get user", err)
	}
	return user, nil
}

func (s *BoltStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	var user *User
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return ErrNotFound
		}
		var err error
		user, err = loadBoltUser(tx, string(id))
		return err
	})
	if err != nil {
		return nil, classifyBolt("get user", err)
	}
	return user, nil
}

func loadBoltUser(tx *bolt.Tx, userID string) (*User, error) {
	v := tx.Bucket(bucketUsers).Get([]byte(userID))
	if v == nil {
		return nil, ErrNotFound
	}
	var rec boltUser
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &User{ID: rec.ID, Username: rec.Username, PasswordHash: rec.PasswordHash, CreatedAt: rec.CreatedAt}, nil
}

// Conversation methods
func loadBoltConversation(tx *bolt.Tx, conversationID string) (*Conversation, error) {
	v := tx.Bucket(bucketConversations).Get([]byte(conversationID))
	if v == nil {
		return nil, ErrNotFound
	}
	var conv Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func putBoltConversation(tx *bolt.Tx, conv *Conversation) error {
	enc, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put([]byte(conv.ID), enc)
}

func (s *BoltStore) CreateConversation(_ context.Context, conv Conversation) (*Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.now().UTC()
	conv.CreatedAt = now
	conv.LastUpdated = now
	conv.InputTokenCount = clampNonNegative(conv.InputTokenCount)
	conv.OutputTokenCount = clampNonNegative(conv.OutputTokenCount)

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %s already exists: %w", conv.ID, ErrConflict)
		}
		return putBoltConversation(tx, &conv)
	})
	if err != nil {
		return nil, classifyBolt("create conversation", err)
	}
	out := cloneConversation(conv)
	return &out, nil
}

func (s *BoltStore) GetConversation(_ context.Context, conversationID string) (*Conversation, error) {
	var conv *Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		conv, err = loadBoltConversation(tx, conversationID)
		return err
	})
	if err != nil {
		return nil, classifyBolt("get conversation", err)
	}
	return conv, nil
}

func (s *BoltStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(_, v []byte) error {
			var conv Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return err
			}
			if conv.UserID == userID && !conv.IsDeleted {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, classifyBolt("list conversations", err)
	}
	slices.SortFunc(convs, func(a, b Conversation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return convs, nil
}

func (s *BoltStore) UpdateConversationTitle(_ context.Context, conversationID, title string) error {
	return s.mutateConversation("update conversation title", conversationID, func(c *Conversation) {
		c.Title = title
	})
}

func (s *BoltStore) UpdateChatSettings(_ context.Context, conversationID string, settings ChatSettings) error {
	return s.mutateConversation("update chat settings", conversationID, func(c *Conversation) {
		c.ChatSettings = settings
		c.LastUpdated = s.now().UTC()
	})
}

func (s *BoltStore) DeleteConversation(_ context.Context, conversationID string) error {
	return s.mutateConversation("delete conversation", conversationID, func(c *Conversation) {
		c.IsDeleted = true
	})
}

func (s *BoltStore) mutateConversation(op, conversationID string, fn func(*Conversation)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		conv, err := loadBoltConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.IsDeleted {
			return ErrNotFound
		}
		fn(conv)
		return putBoltConversation(tx, conv)
	})
	return classifyBolt(op, err)
}

func (s *BoltStore) CommitBatch(_ context.Context, conversationID string, batch Batch) ([]Message, error) {
	var results []Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		conv, err := loadBoltConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if conv.IsDeleted {
			return ErrNotFound
		}
		msgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		keys, err := tx.Bucket(bucketMessageKeys).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}

		var last time.Time
		if k, _ := msgs.Cursor().Last(); k != nil {
			last = keyTimestamp(k)
		}

		lookup := func(requestID string, role Role) (*Message, error) {
			var found *Message
			err := msgs.ForEach(func(_, v []byte) error {
				if found != nil {
					return nil
				}
				var m Message
				if err := json.Unmarshal(v, &m); err != nil {
					return err
				}
				if m.RequestID == requestID && m.Role == role {
					found = &m
				}
				return nil
			})
			return found, err
		}
		inserts, res, _, err := prepareMessages(conversationID, batch.Messages, last, s.now(), lookup)
		if err != nil {
			return err
		}

		for _, msg := range inserts {
			enc, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			key := messageKey(msg.Timestamp, msg.ID)
			if err := msgs.Put(key, enc); err != nil {
				return err
			}
			if err := keys.Put([]byte(msg.ID), key); err != nil {
				return err
			}
		}

		for _, bf := range batch.TokenBackfills {
			key := keys.Get([]byte(bf.MessageID))
			if key == nil {
				return fmt.Errorf("backfill %s: %w", bf.MessageID, ErrNotFound)
			}
			var m Message
			if err := json.Unmarshal(msgs.Get(key), &m); err != nil {
				return err
			}
			if m.TokenCount != nil {
				return fmt.Errorf("backfill %s: %w", bf.MessageID, ErrImmutable)
			}
			n := bf.TokenCount
			m.TokenCount = &n
			enc, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := msgs.Put(bytes.Clone(key), enc); err != nil {
				return err
			}
		}

		if cp := batch.Checkpoint; cp != nil {
			if !checkpointMatches(conv.SummarizedMessageID, cp.Expected) {
				return fmt.Errorf("checkpoint moved: %w", ErrConflict)
			}
			key := keys.Get([]byte(cp.MessageID))
			if key == nil {
				return fmt.Errorf("checkpoint target %s: %w", cp.MessageID, ErrNotFound)
			}
			var target Message
			if err := json.Unmarshal(msgs.Get(key), &target); err != nil {
				return err
			}
			if err := validCheckpointTarget(target); err != nil {
				return err
			}
			id := cp.MessageID
			conv.SummarizedMessageID = &id
		}

		conv.InputTokenCount += clampNonNegative(batch.AddInputTokens)
		conv.OutputTokenCount += clampNonNegative(batch.AddOutputTokens)
		if batch.Touch {
			conv.LastUpdated = s.now().UTC()
		}
		if err := putBoltConversation(tx, conv); err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, classifyBolt("commit batch", err)
	}
	return results, nil
}

// Message methods
func (s *BoltStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (*Message, error) {
	msgs, err := s.CommitBatch(ctx, conversationID, Batch{Messages: []Message{msg}})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *BoltStore) GetMessage(_ context.Context, conversationID, messageID string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketMessageKeys).Bucket([]byte(conversationID))
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if keys == nil || msgs == nil {
			return ErrNotFound
		}
		key := keys.Get([]byte(messageID))
		if key == nil {
			return ErrNotFound
		}
		var m Message
		if err := json.Unmarshal(msgs.Get(key), &m); err != nil {
			return err
		}
		msg = &m
		return nil
	})
	if err != nil {
		return nil, classifyBolt("get message", err)
	}
	return msg, nil
}

func (s *BoltStore) QueryMessages(_ context.Context, conversationID string, opts QueryOptions) ([]Message, error) {
	out := make([]Message, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return ErrNotFound
		}
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if msgs == nil {
			return nil
		}

		c := msgs.Cursor()
		var k, v []byte
		var step func() ([]byte, []byte)
		if opts.Order == OrderDesc {
			step = c.Prev
			if opts.After != nil {
				// Seek lands on the first key >= cursor; the previous key is
				// the first one strictly older.
				if k, _ = c.Seek(messageKey(opts.After.Timestamp, opts.After.ID)); k == nil {
					k, v = c.Last()
				} else {
					k, v = c.Prev()
				}
			} else {
				k, v = c.Last()
			}
		} else {
			step = c.Next
			if opts.After != nil {
				target := messageKey(opts.After.Timestamp, opts.After.ID)
				k, v = c.Seek(target)
				if k != nil && bytes.Equal(k, target) {
					k, v = c.Next()
				}
			} else {
				k, v = c.First()
			}
		}

		for ; k != nil; k, v = step() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if !opts.Matches(m) {
				continue
			}
			out = append(out, m)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyBolt("query messages", err)
	}
	return out, nil
}

func (s *BoltStore) FindMessagesByRequestID(_ context.Context, conversationID, requestID string) ([]Message, error) {
	if requestID == "" {
		return nil, nil
	}
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if msgs == nil {
			return nil
		}
		return msgs.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.RequestID == requestID {
				out = append(out, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, classifyBolt("find messages by request id", err)
	}
	return out, nil
}
