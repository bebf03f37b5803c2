// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the model client contract consumed by the
// orchestration engine, and implements it for Ollama-protocol servers.
//
// A client turns one chat request into a stream of typed events: text
// deltas, reasoning deltas, tool-call requests, and exactly one terminal
// event (Completed or Failed). Events for one stream are delivered in
// order on a single channel; the engine consumes them one at a time.
package provider

import (
	"context"

	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// WIRE MESSAGE TYPES
// =============================================================================

// Message is a chat message in provider wire format.
type Message struct {
	Role      string     `json:"role"` // "user", "assistant", "system", "tool"
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation in provider wire format.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction contains the function name and raw JSON arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool for the model.
type ToolDefinition struct {
	Type     string     `json:"type"` // always "function"
	Function ToolSchema `json:"function"`
}

// ToolSchema defines a tool's interface.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters defines the JSON-schema parameters of a tool.
type ToolParameters struct {
	Type       string                  `json:"type"` // "object"
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required,omitempty"`
}

// ToolProperty defines a single parameter property.
type ToolProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// ChatRequest describes one model stream to open.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	Tools       []ToolDefinition
}

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventType discriminates stream events.
type EventType int

const (
	// EventTextDelta carries a fragment of assistant output text.
	EventTextDelta EventType = iota
	// EventReasoningDelta carries a fragment of model reasoning text.
	EventReasoningDelta
	// EventToolCall carries a model-initiated tool-call request.
	EventToolCall
	// EventCompleted terminates the stream successfully.
	EventCompleted
	// EventFailed terminates the stream with a transport or provider error.
	EventFailed
)

// String returns a short name for the event type.
func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text"
	case EventReasoningDelta:
		return "reasoning"
	case EventToolCall:
		return "tool_call"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ToolCallRequest is an immutable tool-call payload crossing the stream
// boundary. Arguments preserve the provider's key order.
type ToolCallRequest struct {
	ID   string
	Name string
	Args model.ToolArgs
}

// Event is one element of a model stream. Exactly one terminal event
// (Completed or Failed) ends every stream.
type Event struct {
	Type EventType

	// Text is set for delta events.
	Text string

	// ToolCall is set for EventToolCall.
	ToolCall *ToolCallRequest

	// Err is set for EventFailed.
	Err error

	// Completion statistics, set on EventCompleted.
	PromptTokens     int
	CompletionTokens int
}

// =============================================================================
// CLIENT CONTRACT
// =============================================================================

// Client opens model streams. Implementations must deliver events in
// provider order, close the channel after the terminal event, and honor
// context cancellation by terminating the stream promptly.
type Client interface {
	// StreamChat opens one stream for the request. The returned channel is
	// closed once a terminal event has been delivered. Open errors are
	// returned directly; mid-stream errors arrive as EventFailed.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, error)
}
