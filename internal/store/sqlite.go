// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides durable conversation persistence for parley.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/jeranaias/parley/internal/model"
)

// SchemaVersion tracks the database schema version for migrations.
const SchemaVersion = 1

// Schema for conversation storage. Messages carry their variable-shape
// fields (tool calls, citations, media) as a JSON document; the columns
// queried for listing and ordering stay relational.
const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    temperature REAL NOT NULL DEFAULT 0.7,
    multi_model INTEGER NOT NULL DEFAULT 0,
    active_models TEXT NOT NULL DEFAULT '[]',
    system_prompt TEXT NOT NULL DEFAULT '',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS response_groups (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_groups_conversation ON response_groups(conversation_id);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore persists conversations in a SQLite database.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO metadata(key, value) VALUES('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, fmt.Sprint(SchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// =============================================================================
// MESSAGE STORE IMPLEMENTATION
// =============================================================================

// CreateConversation persists a new conversation.
func (s *SQLiteStore) CreateConversation(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeModels, err := json.Marshal(conv.ActiveModels)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations(id, title, model, temperature, multi_model,
		   active_models, system_prompt, tokens_used, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Model, conv.Temperature, boolToInt(conv.MultiModel),
		string(activeModels), conv.SystemPrompt, conv.TokensUsed,
		conv.CreatedAt.Unix(), conv.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for i, msg := range conv.Messages {
		if err := s.insertMessageLocked(conv.ID, i, msg); err != nil {
			return err
		}
	}
	for _, g := range conv.ResponseGroups {
		if err := s.upsertGroupLocked(g); err != nil {
			return err
		}
	}
	return nil
}

// Append adds a message to a conversation.
func (s *SQLiteStore) Append(conversationID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if err := s.insertMessageLocked(conversationID, seq, msg); err != nil {
		return err
	}
	return s.touchLocked(conversationID)
}

// UpdateByID applies the mutator to the stored message. Last write wins.
func (s *SQLiteStore) UpdateByID(conversationID, messageID string, mutate func(*model.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.db.QueryRow(
		`SELECT body FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	var msg model.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	mutate(&msg)

	updated, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := s.db.Exec(
		`UPDATE messages SET body = ? WHERE id = ?`, string(updated), messageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return s.touchLocked(conversationID)
}

// SaveConversation persists the full conversation state by rewriting it.
func (s *SQLiteStore) SaveConversation(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeModels, err := json.Marshal(conv.ActiveModels)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE conversations SET title = ?, model = ?, temperature = ?,
		   multi_model = ?, active_models = ?, system_prompt = ?,
		   tokens_used = ?, updated_at = ?
		 WHERE id = ?`,
		conv.Title, conv.Model, conv.Temperature, boolToInt(conv.MultiModel),
		string(activeModels), conv.SystemPrompt, conv.TokensUsed,
		time.Now().Unix(), conv.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, msg := range conv.Messages {
		if err := s.insertMessageLocked(conv.ID, i, msg); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(`DELETE FROM response_groups WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	for _, g := range conv.ResponseGroups {
		if err := s.upsertGroupLocked(g); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a point-in-time deep copy of a conversation.
func (s *SQLiteStore) Snapshot(conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &model.Conversation{ID: conversationID}
	var multiModel int
	var activeModels string
	var createdAt, updatedAt int64
	err := s.db.QueryRow(
		`SELECT title, model, temperature, multi_model, active_models,
		   system_prompt, tokens_used, created_at, updated_at
		 FROM conversations WHERE id = ?`, conversationID).Scan(
		&conv.Title, &conv.Model, &conv.Temperature, &multiModel, &activeModels,
		&conv.SystemPrompt, &conv.TokensUsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.MultiModel = multiModel != 0
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(activeModels), &conv.ActiveModels); err != nil {
		return nil, fmt.Errorf("decode active models: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT body FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		conv.Messages = append(conv.Messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groupRows, err := s.db.Query(
		`SELECT body FROM response_groups WHERE conversation_id = ? ORDER BY created_at`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var body string
		if err := groupRows.Scan(&body); err != nil {
			return nil, err
		}
		var group model.ResponseGroup
		if err := json.Unmarshal([]byte(body), &group); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		conv.ResponseGroups = append(conv.ResponseGroups, &group)
	}
	return conv, groupRows.Err()
}

// List returns metadata for all conversations, most recent first.
func (s *SQLiteStore) List() ([]ConversationMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT c.id, c.title, c.model, c.updated_at,
		   (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
		   (SELECT m.body FROM messages m
		      WHERE m.conversation_id = c.id AND m.role = 'user'
		      ORDER BY m.seq LIMIT 1)
		 FROM conversations c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []ConversationMeta
	for rows.Next() {
		var meta ConversationMeta
		var firstUser sql.NullString
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.Model, &meta.UpdatedAtUnix, &meta.MessageCount, &firstUser); err != nil {
			return nil, err
		}
		if firstUser.Valid {
			var msg model.Message
			if err := json.Unmarshal([]byte(firstUser.String), &msg); err == nil {
				meta.Preview = msg.Preview(80)
			}
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *SQLiteStore) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	// Foreign keys are not enforced by default; clean up explicitly.
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM response_groups WHERE conversation_id = ?`, conversationID)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (s *SQLiteStore) insertMessageLocked(conversationID string, seq int, msg *model.Message) error {
	body, err := json.Marshal(msg.Clone())
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO messages(id, conversation_id, seq, role, body, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		msg.ID, conversationID, seq, string(msg.Role), string(body), msg.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertGroupLocked(group *model.ResponseGroup) error {
	body, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("encode group: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO response_groups(id, conversation_id, body, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		group.ID, group.ConversationID, string(body), group.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *SQLiteStore) touchLocked(conversationID string) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().Unix(), conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
