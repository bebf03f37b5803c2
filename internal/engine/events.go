// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// TURN STATE
// =============================================================================

// TurnState is the state of one active turn's state machine.
type TurnState int

const (
	StateIdle TurnState = iota
	StateStreaming
	StateToolPending
	StateToolExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns a short name for the state.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolPending:
		return "tool_pending"
	case StateToolExecuting:
		return "tool_executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the turn.
func (s TurnState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// =============================================================================
// CALLBACKS
// =============================================================================

// TurnCallbacks receive a single-model turn's observable events. All
// callbacks fire from the turn's event loop goroutine, strictly one at a
// time; payloads are plain data and safe to retain. Any field may be nil.
type TurnCallbacks struct {
	// OnChunk fires per batched flush of assistant text, not per network
	// packet.
	OnChunk func(messageID, text string)

	// OnReasoning fires per batched flush of model reasoning text.
	OnReasoning func(messageID, text string)

	// OnToolCallRequested fires once per accepted tool call, after the call
	// is recorded and persisted but before it executes.
	OnToolCallRequested func(callID, name string, args model.ToolArgs)

	// OnMessageCreated fires when an assistant placeholder or tool result
	// message is appended to the conversation.
	OnMessageCreated func(msg *model.Message)

	// OnComplete and OnError are terminal, mutually exclusive, and fire
	// exactly once per turn. A cancelled turn reports OnComplete: partial
	// content is kept and the turn ended without failure.
	OnComplete func()
	OnError    func(err error)
}

// GroupCallbacks receive a multi-model turn's observable events, in
// addition to per-model TurnCallbacks events routed by message ID.
type GroupCallbacks struct {
	// OnGroupCreated fires after the group and all placeholders exist,
	// before any stream opens.
	OnGroupCreated func(group *model.ResponseGroup)

	// OnModelChunk fires per batched flush of one model's text.
	OnModelChunk func(modelID, messageID, text string)

	// OnModelComplete fires as each model's stream resolves successfully.
	OnModelComplete func(modelID string)

	// OnModelError fires for an individual model failure. Sibling streams
	// are unaffected.
	OnModelError func(modelID string, err error)

	// OnPendingToolCall fires when a model requests a tool call that is
	// recorded but not executed, awaiting selection.
	OnPendingToolCall func(modelID, callID, name string, args model.ToolArgs)

	// OnAllComplete fires exactly once, when every model has resolved
	// (success or failure) and the conversation has been persisted.
	OnAllComplete func()
}
