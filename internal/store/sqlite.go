package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writes; one connection also keeps ":memory:" usable.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;
    PRAGMA busy_timeout = 5000;

    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        last_updated INTEGER NOT NULL,
        is_deleted INTEGER NOT NULL DEFAULT 0,
        chat_settings TEXT NOT NULL DEFAULT '{}',
        summarized_message_id TEXT,
        input_token_count INTEGER NOT NULL DEFAULT 0,
        output_token_count INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, created_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'model', 'system')),
        parts TEXT NOT NULL DEFAULT '[]',
        ts INTEGER NOT NULL, -- unix nanoseconds, ordering key with id
        token_count INTEGER,
        is_summary INTEGER NOT NULL DEFAULT 0,
        request_id TEXT NOT NULL DEFAULT '',
        exchange_input_tokens INTEGER NOT NULL DEFAULT 0,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_order ON messages (conversation_id, ts, id);
    CREATE INDEX IF NOT EXISTS idx_messages_request ON messages (conversation_id, request_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// classify maps driver errors onto the store's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("failed to %s: %w: %w", op, ErrConflict, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// User methods
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, toNanos(user.CreatedAt))
	if err != nil {
		return nil, classify("insert user", err)
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return s.getUser(ctx, "id", userID)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *SQLiteStore) getUser(ctx context.Context, column, value string) (*User, error) {
	var user User
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE "+column+" = ?", value).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt)
	if err != nil {
		return nil, classify("query user", err)
	}
	user.CreatedAt = fromNanos(createdAt)
	return &user, nil
}

// Conversation methods
const conversationColumns = `id, user_id, title, created_at, last_updated, is_deleted, chat_settings,
	summarized_message_id, input_token_count, output_token_count`

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.now().UTC()
	conv.CreatedAt = now
	conv.LastUpdated = now
	conv.InputTokenCount = clampNonNegative(conv.InputTokenCount)
	conv.OutputTokenCount = clampNonNegative(conv.OutputTokenCount)

	settingsJSON, err := json.Marshal(conv.ChatSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, toNanos(conv.CreatedAt), toNanos(conv.LastUpdated),
		conv.IsDeleted, string(settingsJSON), conv.SummarizedMessageID,
		conv.InputTokenCount, conv.OutputTokenCount)
	if err != nil {
		return nil, classify("insert conversation", err)
	}
	out := cloneConversation(conv)
	return &out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                 Conversation
		createdAt, updatedAt int64
		settingsJSON         string
		summarizedMessageID  sql.NullString
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt, &conv.IsDeleted,
		&settingsJSON, &summarizedMessageID, &conv.InputTokenCount, &conv.OutputTokenCount)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = fromNanos(createdAt)
	conv.LastUpdated = fromNanos(updatedAt)
	if summarizedMessageID.Valid {
		conv.SummarizedMessageID = &summarizedMessageID.String
	}
	if err := json.Unmarshal([]byte(settingsJSON), &conv.ChatSettings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat settings for %s: %w", conv.ID, err)
	}
	return &conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, classify("get conversation", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE user_id = ? AND is_deleted = 0 ORDER BY created_at ASC",
		userID)
	if err != nil {
		return nil, classify("query conversations", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate conversations", err)
	}
	return convs, nil
}

func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	return s.updateConversation(ctx, "update conversation title",
		"UPDATE conversations SET title = ? WHERE id = ? AND is_deleted = 0", title, conversationID)
}

func (s *SQLiteStore) UpdateChatSettings(ctx context.Context, conversationID string, settings ChatSettings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal chat settings: %w", err)
	}
	return s.updateConversation(ctx, "update chat settings",
		"UPDATE conversations SET chat_settings = ?, last_updated = ? WHERE id = ? AND is_deleted = 0",
		string(settingsJSON), toNanos(s.now().UTC()), conversationID)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.updateConversation(ctx, "delete conversation",
		"UPDATE conversations SET is_deleted = 1 WHERE id = ? AND is_deleted = 0", conversationID)
}

func (s *SQLiteStore) updateConversation(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CommitBatch(ctx context.Context, conversationID string, batch Batch) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		isDeleted  bool
		checkpoint sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		"SELECT is_deleted, summarized_message_id FROM conversations WHERE id = ?", conversationID).
		Scan(&isDeleted, &checkpoint)
	if err != nil {
		return nil, classify("load conversation", err)
	}
	if isDeleted {
		return nil, ErrNotFound
	}

	var lastNanos int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(ts), 0) FROM messages WHERE conversation_id = ?", conversationID).
		Scan(&lastNanos); err != nil {
		return nil, classify("read last timestamp", err)
	}
	var last time.Time
	if lastNanos > 0 {
		last = fromNanos(lastNanos)
	}

	lookup := func(requestID string, role Role) (*Message, error) {
		row := tx.QueryRowContext(ctx, "SELECT "+messageColumns+
			" FROM messages WHERE conversation_id = ? AND request_id = ? AND role = ? LIMIT 1",
			conversationID, requestID, string(role))
		msg, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("lookup request id", err)
		}
		return msg, nil
	}
	inserts, results, _, err := prepareMessages(conversationID, batch.Messages, last, s.now(), lookup)
	if err != nil {
		return nil, err
	}

	for _, msg := range inserts {
		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message parts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), string(partsJSON), toNanos(msg.Timestamp),
			msg.TokenCount, msg.IsSummary, msg.RequestID, msg.ExchangeInputTokens)
		if err != nil {
			return nil, classify("insert message", err)
		}
	}

	for _, bf := range batch.TokenBackfills {
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET token_count = ? WHERE id = ? AND conversation_id = ? AND token_count IS NULL",
			bf.TokenCount, bf.MessageID, conversationID)
		if err != nil {
			return nil, classify("backfill token count", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE id = ? AND conversation_id = ?",
				bf.MessageID, conversationID).Scan(&exists)
			if err != nil {
				return nil, classify("check backfill target", err)
			}
			if exists == 0 {
				return nil, fmt.Errorf("backfill %s: %w", bf.MessageID, ErrNotFound)
			}
			return nil, fmt.Errorf("backfill %s: %w", bf.MessageID, ErrImmutable)
		}
	}

	newCheckpoint := checkpoint
	if cp := batch.Checkpoint; cp != nil {
		var stored *string
		if checkpoint.Valid {
			stored = &checkpoint.String
		}
		if !checkpointMatches(stored, cp.Expected) {
			return nil, fmt.Errorf("checkpoint moved: %w", ErrConflict)
		}
		row := tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ? AND conversation_id = ?",
			cp.MessageID, conversationID)
		target, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint target %s: %w", cp.MessageID, ErrNotFound)
		}
		if err != nil {
			return nil, classify("check checkpoint target", err)
		}
		if err := validCheckpointTarget(*target); err != nil {
			return nil, err
		}
		newCheckpoint = sql.NullString{String: cp.MessageID, Valid: true}
	}

	query := `UPDATE conversations SET
		input_token_count = input_token_count + ?,
		output_token_count = output_token_count + ?,
		summarized_message_id = ?`
	args := []any{clampNonNegative(batch.AddInputTokens), clampNonNegative(batch.AddOutputTokens), newCheckpoint}
	if batch.Touch {
		query += ", last_updated = ?"
		args = append(args, toNanos(s.now().UTC()))
	}
	query += " WHERE id = ?"
	args = append(args, conversationID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, classify("update conversation counters", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit batch", err)
	}
	return results, nil
}

// Message methods
const messageColumns = "id, conversation_id, role, parts, ts, token_count, is_summary, request_id, exchange_input_tokens"

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg        Message
		role       string
		partsJSON  string
		ts         int64
		tokenCount sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &partsJSON, &ts, &tokenCount, &msg.IsSummary, &msg.RequestID, &msg.ExchangeInputTokens); err != nil {
		return nil, err
	}
	msg.Role = Role(role)
	msg.Timestamp = fromNanos(ts)
	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		msg.TokenCount = &n
	}
	if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parts of message %s: %w", msg.ID, err)
	}
	return &msg, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (*Message, error) {
	msgs, err := s.CommitBatch(ctx, conversationID, Batch{Messages: []Message{msg}})
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ? AND conversation_id = ?",
		messageID, conversationID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, classify("get message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) QueryMessages(ctx context.Context, conversationID string, opts QueryOptions) ([]Message, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", conversationID).
		Scan(&exists); err != nil {
		return nil, classify("check conversation", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var q strings.Builder
	q.WriteString("SELECT " + messageColumns + " FROM messages WHERE conversation_id = ?")
	args := []any{conversationID}

	if opts.ExcludeSystem {
		q.WriteString(" AND role != 'system'")
	}
	if opts.ExcludeSummaries {
		q.WriteString(" AND is_summary = 0")
	}

	cmp, dir := ">", "ASC"
	if opts.Order == OrderDesc {
		cmp, dir = "<", "DESC"
	}
	if opts.After != nil {
		ts := toNanos(opts.After.Timestamp)
		q.WriteString(fmt.Sprintf(" AND (ts %s ? OR (ts = ? AND id %s ?))", cmp, cmp))
		args = append(args, ts, ts, opts.After.ID)
	}
	q.WriteString(fmt.Sprintf(" ORDER BY ts %s, id %s", dir, dir))
	if opts.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, classify("query messages", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate messages", err)
	}
	return messages, nil
}

func (s *SQLiteStore) FindMessagesByRequestID(ctx context.Context, conversationID, requestID string) ([]Message, error) {
	if requestID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+
		" FROM messages WHERE conversation_id = ? AND request_id = ? ORDER BY ts ASC, id ASC",
		conversationID, requestID)
	if err != nil {
		return nil, classify("query messages by request id", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate messages", err)
	}
	return messages, nil
}
