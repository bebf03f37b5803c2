// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides durable conversation persistence for parley.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore persists each conversation as one JSON file under BaseDir.
// A write-through in-memory cache backs Snapshot and UpdateByID so the
// store never re-reads files on the streaming hot path.
type FileStore struct {
	mu sync.Mutex

	// BaseDir is the directory for stored conversations.
	// Default: ~/.parley/conversations/
	baseDir string

	// maxConversations limits stored conversations (0 = unlimited).
	maxConversations int

	cache map[string]*model.Conversation
}

// NewFileStore creates a store rooted at the default location.
func NewFileStore() (*FileStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewFileStoreWithDir(filepath.Join(homeDir, ".parley", "conversations"))
}

// NewFileStoreWithDir creates a store with a custom directory.
func NewFileStoreWithDir(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{
		baseDir:          baseDir,
		maxConversations: 100,
		cache:            make(map[string]*model.Conversation),
	}, nil
}

// SetMaxConversations updates the stored-conversation limit (0 = unlimited).
func (s *FileStore) SetMaxConversations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConversations = n
}

// =============================================================================
// MESSAGE STORE IMPLEMENTATION
// =============================================================================

// CreateConversation persists a new conversation.
func (s *FileStore) CreateConversation(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := conv.Clone()
	s.cache[clone.ID] = clone
	if err := s.persistLocked(clone); err != nil {
		return err
	}
	s.enforceLimitLocked()
	return nil
}

// Append adds a message to a conversation.
func (s *FileStore) Append(conversationID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(conversationID)
	if err != nil {
		return err
	}
	conv.AddMessage(msg.Clone())
	return s.persistLocked(conv)
}

// UpdateByID applies the mutator to the stored message. Last write wins.
func (s *FileStore) UpdateByID(conversationID, messageID string, mutate func(*model.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(conversationID)
	if err != nil {
		return err
	}
	msg := conv.MessageByID(messageID)
	if msg == nil {
		return ErrMessageNotFound
	}
	mutate(msg)
	return s.persistLocked(conv)
}

// SaveConversation persists the full conversation state.
func (s *FileStore) SaveConversation(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := conv.Clone()
	s.cache[clone.ID] = clone
	return s.persistLocked(clone)
}

// Snapshot returns a point-in-time deep copy of a conversation.
func (s *FileStore) Snapshot(conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// List returns metadata for all conversations, most recent first.
func (s *FileStore) List() ([]ConversationMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ConversationMeta{}, nil
		}
		return nil, err
	}

	var metas []ConversationMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.loadLocked(id)
		if err != nil {
			continue // Skip corrupted files
		}
		metas = append(metas, metaFor(conv))
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAtUnix > metas[j].UpdatedAtUnix
	})
	return metas, nil
}

// Delete removes a conversation.
func (s *FileStore) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, conversationID)
	if err := os.Remove(s.filePath(conversationID)); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// Close releases the in-memory cache.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*model.Conversation)
	return nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// loadLocked returns the cached conversation, reading it from disk on a
// cache miss. Caller must hold s.mu.
func (s *FileStore) loadLocked(id string) (*model.Conversation, error) {
	if conv, ok := s.cache[id]; ok {
		return conv, nil
	}

	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	s.cache[id] = &conv
	return &conv, nil
}

// persistLocked writes the conversation atomically. Caller must hold s.mu.
func (s *FileStore) persistLocked(conv *model.Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(s.filePath(conv.ID), data, 0644)
}

// enforceLimitLocked removes oldest conversations if over limit.
func (s *FileStore) enforceLimitLocked() {
	if s.maxConversations <= 0 {
		return
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return
	}

	var metas []ConversationMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.loadLocked(id)
		if err != nil {
			continue
		}
		metas = append(metas, metaFor(conv))
	}
	if len(metas) <= s.maxConversations {
		return
	}

	// Oldest first
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAtUnix < metas[j].UpdatedAtUnix
	})
	for i := 0; i < len(metas)-s.maxConversations; i++ {
		delete(s.cache, metas[i].ID)
		os.Remove(s.filePath(metas[i].ID))
	}
}

// filePath returns the file path for a conversation ID.
func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

// metaFor builds listing metadata from a conversation.
func metaFor(conv *model.Conversation) ConversationMeta {
	preview := ""
	for _, msg := range conv.Messages {
		if msg.Role == model.RoleUser {
			preview = msg.Preview(80)
			break
		}
	}
	return ConversationMeta{
		ID:            conv.ID,
		Title:         conv.GetTitle(),
		Model:         conv.Model,
		MessageCount:  conv.MessageCount(),
		Preview:       preview,
		UpdatedAtUnix: conv.UpdatedAt.Unix(),
	}
}
