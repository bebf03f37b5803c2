// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// tool calls, and multi-model response groups.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RESPONSE ENTRY
// =============================================================================

// EntryStatus is the resolution state of a single model's response.
type EntryStatus string

const (
	EntryStreaming EntryStatus = "streaming"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// ResponseEntry ties one model's response message into a response group.
// Entries are allocated before any stream starts; only Status mutates
// afterwards, as the stream resolves.
type ResponseEntry struct {
	MessageID string      `json:"message_id"`
	ModelName string      `json:"model_name"`
	Status    EntryStatus `json:"status"`
}

// =============================================================================
// RESPONSE GROUP
// =============================================================================

// ResponseGroup aggregates the parallel per-model responses to one
// multi-model turn. Membership is immutable after creation: one entry per
// dispatched model, pre-allocated before any network call resolves.
type ResponseGroup struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	CreatedAt      time.Time        `json:"created_at"`
	Entries        []*ResponseEntry `json:"entries"`

	// SelectedResponseID is the message ID of the user-designated winner.
	// Unset until selection (explicit or implicit).
	SelectedResponseID string `json:"selected_response_id,omitempty"`
}

// NewResponseGroup creates a group with one pre-allocated entry per message.
// messageIDs and modelNames run in parallel; both must have the same length.
func NewResponseGroup(conversationID string, messageIDs, modelNames []string) *ResponseGroup {
	entries := make([]*ResponseEntry, len(messageIDs))
	for i := range messageIDs {
		entries[i] = &ResponseEntry{
			MessageID: messageIDs[i],
			ModelName: modelNames[i],
			Status:    EntryStreaming,
		}
	}
	return &ResponseGroup{
		ID:             "grp_" + uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      time.Now(),
		Entries:        entries,
	}
}

// Entry returns the entry for the given message ID, or nil.
func (g *ResponseGroup) Entry(messageID string) *ResponseEntry {
	for _, e := range g.Entries {
		if e.MessageID == messageID {
			return e
		}
	}
	return nil
}

// EntryForModel returns the entry for the given model name, or nil.
func (g *ResponseGroup) EntryForModel(modelName string) *ResponseEntry {
	for _, e := range g.Entries {
		if e.ModelName == modelName {
			return e
		}
	}
	return nil
}

// IsOpen reports whether any entry is still streaming.
func (g *ResponseGroup) IsOpen() bool {
	for _, e := range g.Entries {
		if e.Status == EntryStreaming {
			return true
		}
	}
	return false
}

// IsResolved reports whether a winner has been designated.
func (g *ResponseGroup) IsResolved() bool {
	return g.SelectedResponseID != ""
}

// Clone returns a deep copy of the group.
func (g *ResponseGroup) Clone() *ResponseGroup {
	clone := *g
	clone.Entries = make([]*ResponseEntry, len(g.Entries))
	for i, e := range g.Entries {
		entry := *e
		clone.Entries[i] = &entry
	}
	return &clone
}
