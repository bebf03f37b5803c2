// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies terminal turn failures so callers can present
// distinct messages for each condition.
type ErrorKind string

const (
	// ErrKindTransport covers stream open and read failures.
	ErrKindTransport ErrorKind = "transport"
	// ErrKindTool covers tool execution failures.
	ErrKindTool ErrorKind = "tool"
	// ErrKindDepthExceeded marks a turn that requested more chained tool
	// calls than the configured maximum.
	ErrKindDepthExceeded ErrorKind = "depth_exceeded"
	// ErrKindTimeout marks a watchdog-forced failure while waiting on a
	// tool chain.
	ErrKindTimeout ErrorKind = "timeout"
)

// TurnError is a terminal turn failure. All failures are absorbed at the
// orchestrator boundary and surfaced as one of these; nothing propagates
// past the engine as an unhandled fault.
type TurnError struct {
	Kind    ErrorKind
	Model   string // set for per-model failures in multi-model turns
	Message string
	Cause   error
}

func (e *TurnError) Error() string {
	msg := fmt.Sprintf("turn failed (%s): %s", e.Kind, e.Message)
	if e.Model != "" {
		msg = fmt.Sprintf("turn failed (%s, model %s): %s", e.Kind, e.Model, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}

// Is matches TurnErrors by kind, so sentinel comparisons work:
//
//	errors.Is(err, engine.ErrTooManyToolCalls)
func (e *TurnError) Is(target error) bool {
	t, ok := target.(*TurnError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for the expected failure conditions.
var (
	// ErrTooManyToolCalls marks the depth-exceeded condition.
	ErrTooManyToolCalls = &TurnError{Kind: ErrKindDepthExceeded, Message: "too many tool calls"}

	// ErrToolWatchdog marks a watchdog-forced timeout.
	ErrToolWatchdog = &TurnError{Kind: ErrKindTimeout, Message: "tool chain watchdog expired"}
)

// Engine-level sentinels.
var (
	// ErrTurnActive is returned when a message arrives while a turn is
	// running. The active turn is cancelled; the new message is not sent.
	ErrTurnActive = errors.New("a turn is already active for this conversation")

	// ErrConversationUnknown is returned for operations on a conversation
	// the engine is not holding.
	ErrConversationUnknown = errors.New("unknown conversation")

	// ErrGroupResolved is returned when selecting on a group that is no
	// longer open to re-selection.
	ErrGroupResolved = errors.New("response group is closed")

	// ErrNoSuchEntry is returned when the selected message is not a member
	// of the group.
	ErrNoSuchEntry = errors.New("message is not a member of the response group")
)
