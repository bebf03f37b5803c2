// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides durable conversation persistence for parley.
package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// CONTRACT TESTS
// =============================================================================

// Both implementations must satisfy the same MessageStore contract, so every
// behavioral test runs against both.
func forEachStore(t *testing.T, fn func(t *testing.T, s MessageStore)) {
	t.Helper()

	t.Run("file", func(t *testing.T) {
		s, err := NewFileStoreWithDir(t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_CreateAndSnapshot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		conv := model.NewConversation("llama3")
		conv.SystemPrompt = "be brief"
		conv.AddUserMessage("hello")
		require.NoError(t, s.CreateConversation(conv))

		got, err := s.Snapshot(conv.ID)
		require.NoError(t, err)
		require.Equal(t, conv.ID, got.ID)
		require.Equal(t, "llama3", got.Model)
		require.Equal(t, "be brief", got.SystemPrompt)
		require.Equal(t, 1, got.MessageCount())
		require.Equal(t, "hello", got.Messages[0].Content)

		// Snapshot is a copy; mutating it must not leak back.
		got.Messages[0].Content = "mutated"
		again, err := s.Snapshot(conv.ID)
		require.NoError(t, err)
		require.Equal(t, "hello", again.Messages[0].Content)
	})
}

func TestStore_SnapshotUnknownConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		_, err := s.Snapshot("conv_missing")
		require.ErrorIs(t, err, ErrConversationNotFound)
	})
}

func TestStore_AppendPreservesOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		conv := model.NewConversation("llama3")
		require.NoError(t, s.CreateConversation(conv))

		require.NoError(t, s.Append(conv.ID, model.NewUserMessage("first")))
		require.NoError(t, s.Append(conv.ID, model.NewMessage(model.RoleAssistant, "second")))
		require.NoError(t, s.Append(conv.ID, model.NewUserMessage("third")))

		got, err := s.Snapshot(conv.ID)
		require.NoError(t, err)
		require.Equal(t, 3, got.MessageCount())
		require.Equal(t, "first", got.Messages[0].Content)
		require.Equal(t, "second", got.Messages[1].Content)
		require.Equal(t, "third", got.Messages[2].Content)
	})
}

func TestStore_UpdateByID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		conv := model.NewConversation("llama3")
		msg := conv.AddUserMessage("original")
		require.NoError(t, s.CreateConversation(conv))

		require.NoError(t, s.UpdateByID(conv.ID, msg.ID, func(m *model.Message) {
			m.Content = "updated"
			m.ToolCalls = []*model.ToolCall{{ID: "call_1", Name: "get_time", Executed: true}}
		}))

		got, err := s.Snapshot(conv.ID)
		require.NoError(t, err)
		stored := got.MessageByID(msg.ID)
		require.NotNil(t, stored)
		require.Equal(t, "updated", stored.Content)
		require.Len(t, stored.ToolCalls, 1)
		require.True(t, stored.ToolCalls[0].Executed)

		require.ErrorIs(t, s.UpdateByID(conv.ID, "msg_missing", func(*model.Message) {}), ErrMessageNotFound)
	})
}

func TestStore_SaveConversationRoundTripsGroups(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		conv := model.NewConversation("llama3")
		conv.AddUserMessage("compare")
		require.NoError(t, s.CreateConversation(conv))

		group := model.NewResponseGroup(conv.ID, []string{"m1", "m2"}, []string{"a", "b"})
		group.Entries[0].Status = model.EntryCompleted
		group.Entries[1].Status = model.EntryFailed
		group.SelectedResponseID = "m1"
		conv.AddResponseGroup(group)
		require.NoError(t, s.SaveConversation(conv))

		got, err := s.Snapshot(conv.ID)
		require.NoError(t, err)
		require.Len(t, got.ResponseGroups, 1)
		stored := got.ResponseGroups[0]
		require.Equal(t, group.ID, stored.ID)
		require.Equal(t, "m1", stored.SelectedResponseID)
		require.Equal(t, model.EntryCompleted, stored.Entries[0].Status)
		require.Equal(t, model.EntryFailed, stored.Entries[1].Status)
	})
}

func TestStore_ToolCallArgOrderSurvivesPersistence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		args, err := model.ParseToolArgs([]byte(`{"zebra":"z","alpha":"a"}`))
		require.NoError(t, err)

		conv := model.NewConversation("llama3")
		msg := model.NewMessage(model.RoleAssistant, "")
		msg.ToolCalls = []*model.ToolCall{{ID: "call_1", Name: "lookup", Args: args}}
		conv.AddMessage(msg)
		require.NoError(t, s.CreateConversation(conv))

		got, err := s.Snapshot(conv.ID)
		require.NoError(t, err)
		stored := got.MessageByID(msg.ID)
		require.NotNil(t, stored)
		require.Equal(t, "zebra", stored.ToolCalls[0].Args[0].Key)
		require.Equal(t, "alpha", stored.ToolCalls[0].Args[1].Key)
	})
}

func TestStore_ListMostRecentFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		old := model.NewConversation("llama3")
		old.AddUserMessage("old question")
		old.UpdatedAt = time.Now().Add(-time.Hour)
		require.NoError(t, s.CreateConversation(old))

		recent := model.NewConversation("llama3")
		recent.AddUserMessage("recent question")
		require.NoError(t, s.CreateConversation(recent))

		metas, err := s.List()
		require.NoError(t, err)
		require.Len(t, metas, 2)
		require.Equal(t, recent.ID, metas[0].ID)
		require.Equal(t, old.ID, metas[1].ID)
		require.Equal(t, "recent question", metas[0].Preview)
		require.Equal(t, 1, metas[0].MessageCount)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s MessageStore) {
		conv := model.NewConversation("llama3")
		require.NoError(t, s.CreateConversation(conv))
		require.NoError(t, s.Delete(conv.ID))

		_, err := s.Snapshot(conv.ID)
		require.ErrorIs(t, err, ErrConversationNotFound)
		require.ErrorIs(t, s.Delete(conv.ID), ErrConversationNotFound)
	})
}

// =============================================================================
// FILE STORE SPECIFICS
// =============================================================================

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStoreWithDir(dir)
	require.NoError(t, err)

	conv := model.NewConversation("llama3")
	conv.AddUserMessage("persist me")
	require.NoError(t, s.CreateConversation(conv))
	require.NoError(t, s.Close())

	reopened, err := NewFileStoreWithDir(dir)
	require.NoError(t, err)
	got, err := reopened.Snapshot(conv.ID)
	require.NoError(t, err)
	require.Equal(t, "persist me", got.Messages[0].Content)
}

func TestFileStore_EnforcesConversationLimit(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStoreWithDir(dir)
	require.NoError(t, err)
	s.SetMaxConversations(2)

	var ids []string
	for i := 0; i < 3; i++ {
		conv := model.NewConversation("llama3")
		conv.UpdatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateConversation(conv))
		ids = append(ids, conv.ID)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// The oldest conversation was pruned.
	_, err = s.Snapshot(ids[0])
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestFileStore_SkipsCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStoreWithDir(dir)
	require.NoError(t, err)

	conv := model.NewConversation("llama3")
	conv.AddUserMessage("intact")
	require.NoError(t, s.CreateConversation(conv))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv_broken.json"), []byte("{not json"), 0644))

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, conv.ID, metas[0].ID)
}

// =============================================================================
// SQLITE SPECIFICS
// =============================================================================

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	conv := model.NewConversation("llama3")
	conv.AddUserMessage("persist me")
	require.NoError(t, s.CreateConversation(conv))

	group := model.NewResponseGroup(conv.ID, []string{"m1"}, []string{"a"})
	conv.AddResponseGroup(group)
	require.NoError(t, s.SaveConversation(conv))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Snapshot(conv.ID)
	require.NoError(t, err)
	require.Equal(t, "persist me", got.Messages[0].Content)
	require.Len(t, got.ResponseGroups, 1)
	require.Equal(t, group.ID, got.ResponseGroups[0].ID)
}
