// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui provides the terminal chat front end for parley.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/engine"
	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// ENGINE EVENT MESSAGES
// =============================================================================

// Engine callbacks fire on turn goroutines; each one is forwarded into the
// Bubble Tea loop as a message via Program.Send.

// ChunkMsg carries a batched fragment of streamed assistant text.
type ChunkMsg struct {
	MessageID string
	Text      string
}

// ReasoningMsg carries a batched fragment of model reasoning text.
type ReasoningMsg struct {
	MessageID string
	Text      string
}

// ToolCallMsg announces a tool execution about to start.
type ToolCallMsg struct {
	CallID string
	Name   string
	Args   model.ToolArgs
}

// MessageCreatedMsg announces a message appended mid-turn (tool results,
// continuation placeholders).
type MessageCreatedMsg struct {
	Message *model.Message
}

// TurnCompleteMsg signals the turn reached a terminal state, including
// cancellation.
type TurnCompleteMsg struct{}

// TurnErrorMsg signals the turn failed.
type TurnErrorMsg struct {
	Err error
}

// =============================================================================
// MULTI-MODEL MESSAGES
// =============================================================================

// GroupCreatedMsg announces a new response group with its placeholders.
type GroupCreatedMsg struct {
	Group *model.ResponseGroup
}

// ModelChunkMsg carries streamed text for one entry of a response group.
type ModelChunkMsg struct {
	ModelID   string
	MessageID string
	Text      string
}

// ModelCompleteMsg marks one group entry completed.
type ModelCompleteMsg struct {
	ModelID string
}

// ModelErrorMsg marks one group entry failed.
type ModelErrorMsg struct {
	ModelID string
	Err     error
}

// PendingToolMsg announces a tool call recorded on a group entry, deferred
// until selection.
type PendingToolMsg struct {
	ModelID string
	CallID  string
	Name    string
}

// GroupCompleteMsg signals every entry of the group has resolved.
type GroupCompleteMsg struct{}

// ConfigReloadedMsg delivers a hot-reloaded configuration.
type ConfigReloadedMsg struct {
	Config *config.Config
}

// =============================================================================
// CALLBACK BRIDGES
// =============================================================================

// sender abstracts tea.Program so callbacks can be exercised in tests.
type sender interface {
	Send(tea.Msg)
}

// turnCallbacks bridges single-model engine callbacks into the program.
func turnCallbacks(p sender) engine.TurnCallbacks {
	return engine.TurnCallbacks{
		OnChunk: func(messageID, text string) {
			p.Send(ChunkMsg{MessageID: messageID, Text: text})
		},
		OnReasoning: func(messageID, text string) {
			p.Send(ReasoningMsg{MessageID: messageID, Text: text})
		},
		OnToolCallRequested: func(callID, name string, args model.ToolArgs) {
			p.Send(ToolCallMsg{CallID: callID, Name: name, Args: args})
		},
		OnMessageCreated: func(msg *model.Message) {
			p.Send(MessageCreatedMsg{Message: msg})
		},
		OnComplete: func() {
			p.Send(TurnCompleteMsg{})
		},
		OnError: func(err error) {
			p.Send(TurnErrorMsg{Err: err})
		},
	}
}

// groupCallbacks bridges multi-model dispatch callbacks into the program.
func groupCallbacks(p sender) engine.GroupCallbacks {
	return engine.GroupCallbacks{
		OnGroupCreated: func(group *model.ResponseGroup) {
			p.Send(GroupCreatedMsg{Group: group})
		},
		OnModelChunk: func(modelID, messageID, text string) {
			p.Send(ModelChunkMsg{ModelID: modelID, MessageID: messageID, Text: text})
		},
		OnModelComplete: func(modelID string) {
			p.Send(ModelCompleteMsg{ModelID: modelID})
		},
		OnModelError: func(modelID string, err error) {
			p.Send(ModelErrorMsg{ModelID: modelID, Err: err})
		},
		OnPendingToolCall: func(modelID, callID, name string, args model.ToolArgs) {
			p.Send(PendingToolMsg{ModelID: modelID, CallID: callID, Name: name})
		},
		OnAllComplete: func() {
			p.Send(GroupCompleteMsg{})
		},
	}
}
