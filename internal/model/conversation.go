// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// tool calls, and multi-model response groups.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxMessages is the maximum number of messages to keep in conversation
// history. When exceeded, old messages are pruned to prevent unbounded
// memory growth.
const MaxMessages = 1000

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a complete chat conversation with history and metadata.
// It is mutated only by the orchestration engine and the message store; a
// conversation never has two concurrently mutating turns.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Model configuration
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`

	// Multi-model dispatch
	MultiModel   bool     `json:"multi_model,omitempty"`
	ActiveModels []string `json:"active_models,omitempty"`

	// Response groups created by multi-model turns
	ResponseGroups []*ResponseGroup `json:"response_groups,omitempty"`

	// System prompt (optional)
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Context tracking
	TokensUsed int `json:"tokens_used"`
}

// NewConversation creates a new conversation with a generated ID.
func NewConversation(modelID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:          "conv_" + uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Messages:    make([]*Message, 0),
		Model:       modelID,
		Temperature: 0.7,
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage adds a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTokenEstimate()
	c.updateTitle()
	c.pruneOldMessages()
}

// AddUserMessage creates and adds a user message.
func (c *Conversation) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	c.AddMessage(msg)
	return msg
}

// MessageByID returns a message by its ID, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// =============================================================================
// RESPONSE GROUP MANAGEMENT
// =============================================================================

// AddResponseGroup records a response group on the conversation.
func (c *Conversation) AddResponseGroup(group *ResponseGroup) {
	c.ResponseGroups = append(c.ResponseGroups, group)
	c.UpdatedAt = time.Now()
}

// GroupByID returns a response group by its ID, or nil.
func (c *Conversation) GroupByID(id string) *ResponseGroup {
	for _, g := range c.ResponseGroups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// OpenUnresolvedGroup returns the most recent group that has no designated
// winner yet, or nil. Used by the implicit selection rule when a new user
// turn arrives over an unresolved multi-model group.
func (c *Conversation) OpenUnresolvedGroup() *ResponseGroup {
	for i := len(c.ResponseGroups) - 1; i >= 0; i-- {
		if !c.ResponseGroups[i].IsResolved() {
			return c.ResponseGroups[i]
		}
	}
	return nil
}

// =============================================================================
// TOKEN TRACKING
// =============================================================================

// EstimateTokens estimates the total token count of the conversation.
func (c *Conversation) EstimateTokens() int {
	total := 0
	if c.SystemPrompt != "" {
		total += (len(c.SystemPrompt) + 3) / 4
	}
	for _, msg := range c.Messages {
		total += msg.EstimateTokens()
		// Overhead for message structure (~4 tokens per message)
		total += 4
	}
	return total
}

func (c *Conversation) updateTokenEstimate() {
	c.TokensUsed = c.EstimateTokens()
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle auto-generates a title from the first user message if not set.
func (c *Conversation) updateTitle() {
	if c.Title != "" {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			c.Title = msg.Preview(50)
			return
		}
	}
}

// SetTitle manually sets the conversation title.
func (c *Conversation) SetTitle(title string) {
	c.Title = title
	c.UpdatedAt = time.Now()
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// =============================================================================
// HELPERS
// =============================================================================

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Model:        c.Model,
		Temperature:  c.Temperature,
		MultiModel:   c.MultiModel,
		SystemPrompt: c.SystemPrompt,
		TokensUsed:   c.TokensUsed,
		Messages:     make([]*Message, len(c.Messages)),
	}
	clone.ActiveModels = append([]string(nil), c.ActiveModels...)
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	if len(c.ResponseGroups) > 0 {
		clone.ResponseGroups = make([]*ResponseGroup, len(c.ResponseGroups))
		for i, g := range c.ResponseGroups {
			clone.ResponseGroups[i] = g.Clone()
		}
	}
	return clone
}

// pruneOldMessages removes old messages when history exceeds MaxMessages.
// System messages are preserved.
func (c *Conversation) pruneOldMessages() {
	if len(c.Messages) <= MaxMessages {
		return
	}

	var systemMessages []*Message
	var otherMessages []*Message
	for _, msg := range c.Messages {
		if msg.Role == RoleSystem {
			systemMessages = append(systemMessages, msg)
		} else {
			otherMessages = append(otherMessages, msg)
		}
	}

	if len(otherMessages) > MaxMessages {
		otherMessages = otherMessages[len(otherMessages)-MaxMessages:]
	}

	c.Messages = make([]*Message, 0, len(systemMessages)+len(otherMessages))
	c.Messages = append(c.Messages, systemMessages...)
	c.Messages = append(c.Messages, otherMessages...)
}
