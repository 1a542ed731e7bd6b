// Package store provides SQLite-backed persistence for conversations and
// their ordered message log. Every call round-trips to the database; there
// is no caching layer and no internal retry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// ErrConversationMissing is returned when a message insert references a
// conversation that was never created. Callers must EnsureConversation first.
var ErrConversationMissing = errors.New("store: conversation does not exist")

// Store wraps the SQLite database holding conversations and messages.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps persist as integer unix nanoseconds so that ordering and
// cursor comparisons are plain numeric comparisons.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv_order
			ON messages(conversation_id, created_at DESC, id DESC);
	`)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// EnsureConversation creates the conversation if it does not exist yet.
// The single conflict-tolerant insert makes it safe under concurrent first
// messages for the same id; calling it again later is a no-op.
func (s *Store) EnsureConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING;`,
		id, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: ensure conversation %s: %w", id, err)
	}
	return nil
}

// InsertMessage appends a message stamped with the current wall-clock time.
func (s *Store) InsertMessage(ctx context.Context, conversationID string, sender Sender, text string) (Message, error) {
	return s.InsertMessageAt(ctx, conversationID, sender, text, time.Now().UTC())
}

// InsertMessageAt appends a message with an explicit creation time. The id
// is always server-generated.
func (s *Store) InsertMessageAt(ctx context.Context, conversationID string, sender Sender, text string, createdAt time.Time) (Message, error) {
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        text,
		CreatedAt:      createdAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, content, created_at) VALUES (?, ?, ?, ?, ?);`,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Message{}, fmt.Errorf("store: insert message: %w", ErrConversationMissing)
		}
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

// GetRecentMessages returns up to limit most recent messages of the
// conversation in ascending chronological order.
func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, content, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?;`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	return scanAscending(rows)
}

// GetOlderMessages returns up to limit messages strictly before the cursor
// position (beforeTime, beforeID) under the canonical order, ascending on
// return. An empty beforeID degrades to a timestamp-only comparison, the
// accepted coarser cut for legacy single-segment cursors.
func (s *Store) GetOlderMessages(ctx context.Context, conversationID string, beforeTime time.Time, beforeID string, limit int) ([]Message, error) {
	ts := beforeTime.UTC().UnixNano()

	var (
		rows *sql.Rows
		err  error
	)
	if beforeID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, sender, content, created_at
			 FROM messages
			 WHERE conversation_id = ? AND created_at < ?
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?;`,
			conversationID, ts, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, sender, content, created_at
			 FROM messages
			 WHERE conversation_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?;`,
			conversationID, ts, ts, beforeID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("store: older messages: %w", err)
	}
	return scanAscending(rows)
}

// scanAscending drains rows fetched newest-first and reverses them to
// chronological order before returning.
func scanAscending(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			sender string
			nanos  int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &nanos); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Sender = Sender(sender)
		m.CreatedAt = time.Unix(0, nanos).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
