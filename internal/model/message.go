// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// tool calls, and multi-model response groups.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Assistant messages are created empty the moment a model stream opens and
// accumulate content while the stream is live. Once the owning stream reaches
// a terminal state the message is finalized and must not be mutated again.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`

	// Model that produced this message (assistant messages only)
	Model string `json:"model,omitempty"`

	// Tool calls requested by this message (assistant) or answered by it (tool)
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`

	// ResponseGroupID is a weak reference to the multi-model response group
	// this message belongs to. Lookup only; may refer to a pruned group.
	ResponseGroupID string `json:"response_group_id,omitempty"`

	// Citations attached from builtin web search results
	Citations []Citation `json:"citations,omitempty"`

	// Optional media payload
	Media *Media `json:"media,omitempty"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	IsStreaming     bool            `json:"-"`
	streamContent   strings.Builder `json:"-"`
	streamReasoning strings.Builder `json:"-"`

	// Generation statistics (assistant messages)
	TokenCount    int           `json:"token_count,omitempty"`
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
}

// Citation is a source reference produced by the builtin web search tool.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Media is an optional binary attachment on a message.
type Media struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        "msg_" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewAssistantPlaceholder creates an empty streaming assistant message for
// the given model. The placeholder exists before the first delta arrives so
// consumers see a stable message shape regardless of stream timing.
func NewAssistantPlaceholder(modelID string) *Message {
	return &Message{
		ID:          "msg_" + uuid.NewString(),
		Role:        RoleAssistant,
		Model:       modelID,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewToolResultMessage creates a tool result message correlated to a call.
func NewToolResultMessage(callID, toolName, result string) *Message {
	msg := NewMessage(RoleTool, result)
	msg.ToolCallID = callID
	msg.Model = toolName
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendText appends streamed content to a streaming message.
func (m *Message) AppendText(delta string) {
	if m.IsStreaming {
		m.streamContent.WriteString(delta)
	}
}

// AppendReasoning appends streamed reasoning text to a streaming message.
func (m *Message) AppendReasoning(delta string) {
	if m.IsStreaming {
		m.streamReasoning.WriteString(delta)
	}
}

// FinalizeStream completes streaming and freezes the message content.
func (m *Message) FinalizeStream(stats *Statistics) {
	if !m.IsStreaming {
		return
	}

	m.Content = m.streamContent.String()
	m.Reasoning = m.streamReasoning.String()
	m.streamContent.Reset()
	m.streamReasoning.Reset()
	m.IsStreaming = false

	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
		m.TokenCount = stats.CompletionTokens
	}
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// DisplayReasoning returns the reasoning text to display.
func (m *Message) DisplayReasoning() string {
	if m.IsStreaming {
		return m.streamReasoning.String()
	}
	return m.Reasoning
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := m.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// EstimateTokens gives a rough estimate of token count (~4 chars per token).
func (m *Message) EstimateTokens() int {
	return (len(m.DisplayContent()) + 3) / 4
}

// ToolCallByID returns the tool call with the given ID, or nil.
func (m *Message) ToolCallByID(id string) *ToolCall {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return tc
		}
	}
	return nil
}

// PendingToolCalls returns the recorded-but-not-executed tool calls.
func (m *Message) PendingToolCalls() []*ToolCall {
	var pending []*ToolCall
	for _, tc := range m.ToolCalls {
		if tc.Pending && !tc.Executed {
			pending = append(pending, tc)
		}
	}
	return pending
}

// Clone returns a point-in-time deep copy of the message. A clone of a
// streaming message carries the accumulated text as final content; stream
// status lives on the owning response entry, not the copy.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:              m.ID,
		Role:            m.Role,
		Timestamp:       m.Timestamp,
		Content:         m.DisplayContent(),
		Reasoning:       m.DisplayReasoning(),
		Model:           m.Model,
		ToolCallID:      m.ToolCallID,
		ResponseGroupID: m.ResponseGroupID,
		TokenCount:      m.TokenCount,
		TTFT:            m.TTFT,
		TotalDuration:   m.TotalDuration,
	}
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc.Clone()
		}
	}
	if len(m.Citations) > 0 {
		clone.Citations = append([]Citation(nil), m.Citations...)
	}
	if m.Media != nil {
		media := Media{MIME: m.Media.MIME, Data: append([]byte(nil), m.Media.Data...)}
		clone.Media = &media
	}
	return clone
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token count information for a generation.
type Statistics struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	PromptTokens     int
	CompletionTokens int

	TTFT          time.Duration
	TotalDuration time.Duration
}

// NewStatistics creates a new Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// RecordFirstToken records when the first token was received.
func (s *Statistics) RecordFirstToken() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the final statistics.
func (s *Statistics) Finalize(tokenCount int) {
	s.EndTime = time.Now()
	s.CompletionTokens = tokenCount
	s.TotalDuration = s.EndTime.Sub(s.StartTime)
}
