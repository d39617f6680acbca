// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatpipe/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	metadata        TEXT,
	token_count     INTEGER,
	error           TEXT,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_owner
	ON conversations(owner_id, updated_at DESC);
`

// timeFormat is the ISO-8601 representation used for all timestamps. The
// fractional seconds are fixed-width so the stored strings compare
// lexicographically in chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path and
// initializes the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// EnsureConversation returns the identified conversation, or creates a
// new one when no id is given.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, params EnsureConversationParams) (model.Conversation, error) {
	if params.ConversationID != "" {
		return s.fetchConversation(ctx, params.ConversationID)
	}

	now := time.Now().UTC()
	conv := model.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   params.UserID,
		Title:     params.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.Title == "" {
		conv.Title = model.TitleFromContent("")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt.Format(timeFormat), conv.UpdatedAt.Format(timeFormat))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) fetchConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var conv model.Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Conversation{}, ErrConversationNotFound
		}
		return model.Conversation{}, fmt.Errorf("fetch conversation: %w", err)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return conv, nil
}

// FetchConversations returns the user's conversations, most recently
// updated first.
func (s *SQLiteStore) FetchConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM conversations
		 WHERE owner_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.CreatedAt = parseTime(createdAt)
		conv.UpdatedAt = parseTime(updatedAt)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// RenameConversation updates the title.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and, via the foreign key
// cascade, all of its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// InsertMessage persists a message, assigning it a durable UUID, and
// bumps the conversation's updated timestamp.
func (s *SQLiteStore) InsertMessage(ctx context.Context, insert MessageInsert) (model.Message, error) {
	createdAt := insert.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg := model.Message{
		ID:             model.PersistedID(uuid.NewString()),
		ConversationID: insert.ConversationID,
		Role:           insert.Role,
		Content:        insert.Content,
		UserID:         insert.UserID,
		Metadata:       insert.Metadata,
		CreatedAt:      createdAt,
	}

	metadata, err := encodeMetadata(insert.Metadata)
	if err != nil {
		return model.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, user_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.ConversationID, string(msg.Role), msg.Content, msg.UserID, metadata,
		createdAt.Format(timeFormat))
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		createdAt.Format(timeFormat), msg.ConversationID)
	if err != nil {
		return model.Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("commit insert: %w", err)
	}
	return msg, nil
}

// FetchMessages returns the conversation's messages ordered by creation
// time ascending.
func (s *SQLiteStore) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, user_id, metadata, token_count, error, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var id, createdAt string
		var metadata, errText sql.NullString
		var tokenCount sql.NullInt64
		if err := rows.Scan(&id, &m.ConversationID, &m.Role, &m.Content, &m.UserID,
			&metadata, &tokenCount, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ID = model.ParseMessageID(id)
		m.CreatedAt = parseTime(createdAt)
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		if tokenCount.Valid {
			tc := int(tokenCount.Int64)
			m.TokenCount = &tc
		}
		if errText.Valid {
			e := errText.String
			m.Error = &e
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessage applies a partial update to the persisted row.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id model.MessageID, patch model.MessagePatch) error {
	var sets []string
	var args []any

	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Metadata != nil {
		metadata, err := encodeMetadata(patch.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if patch.TokenCount != nil {
		sets = append(sets, "token_count = ?")
		args = append(args, *patch.TokenCount)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE messages SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// DeleteMessagesFrom removes every message in the conversation created at
// or after the given time.
func (s *SQLiteStore) DeleteMessagesFrom(ctx context.Context, conversationID string, from time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND created_at >= ?`,
		conversationID, from.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if metadata == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeFormat, s); err == nil {
		return t
	}
	// Tolerate rows written without padded fractional seconds.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
