// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides durable conversation persistence behind the
// MessageStore contract consumed by the orchestration engine.
//
// Two implementations exist: a JSON-file store with atomic writes and a
// SQLite store. Both provide last-write-wins semantics per message ID.
package store

import (
	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// MESSAGE STORE CONTRACT
// =============================================================================

// MessageStore is the durable, mutable collection of conversations and
// messages. Implementations serialize mutations internally; per-message
// updates are last-write-wins.
type MessageStore interface {
	// CreateConversation persists a new conversation.
	CreateConversation(conv *model.Conversation) error

	// Append adds a message to a conversation.
	Append(conversationID string, msg *model.Message) error

	// UpdateByID applies the mutator to the stored message and persists
	// the result. The mutator runs under the store's own lock.
	UpdateByID(conversationID, messageID string, mutate func(*model.Message)) error

	// SaveConversation persists the full conversation state, including
	// response groups and metadata.
	SaveConversation(conv *model.Conversation) error

	// Snapshot returns a point-in-time deep copy of a conversation.
	Snapshot(conversationID string) (*model.Conversation, error)

	// List returns metadata for all conversations, most recent first.
	List() ([]ConversationMeta, error)

	// Delete removes a conversation.
	Delete(conversationID string) error

	// Close releases any resources held by the store.
	Close() error
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
	Preview      string `json:"preview"`
	UpdatedAtUnix int64 `json:"updated_at"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrConversationNotFound) to check for this error.
var ErrConversationNotFound = &StoreError{Message: "conversation not found"}

// ErrMessageNotFound is returned when a message doesn't exist.
var ErrMessageNotFound = &StoreError{Message: "message not found"}

// StoreError represents a persistence-related error.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
