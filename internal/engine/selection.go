// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"log"
	"time"

	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// RESPONSE GROUP SELECTION
// =============================================================================

// SelectResponse designates the winning response of a response group.
//
// If the selected message carries pending tool calls, selection activates
// them under the same tool-call contract as a single-model turn, treating
// the selected message as the active turn. Calls already executed for a
// previously selected response are never re-executed, so selecting the
// same response twice is idempotent.
//
// Changing the winner is allowed only while the group is still open.
func (e *Engine) SelectResponse(conversationID, groupID, messageID string, cb TurnCallbacks) error {
	h, err := e.handle(conversationID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	group := h.conv.GroupByID(groupID)
	if group == nil {
		h.mu.Unlock()
		return ErrNoSuchEntry
	}
	entry := group.Entry(messageID)
	if entry == nil {
		h.mu.Unlock()
		return ErrNoSuchEntry
	}
	if group.IsResolved() && group.SelectedResponseID != messageID && !group.IsOpen() {
		h.mu.Unlock()
		return ErrGroupResolved
	}
	group.SelectedResponseID = messageID

	msg := h.conv.MessageByID(messageID)
	var pending []*model.ToolCall
	if msg != nil {
		pending = msg.PendingToolCalls()
	}
	temperature := h.conv.Temperature
	snapshot := h.conv.Clone()
	h.mu.Unlock()

	if err := e.store.SaveConversation(snapshot); err != nil {
		log.Printf("engine: selection persist failed for group %s: %v", groupID, err)
	}

	if len(pending) == 0 {
		if cb.OnComplete != nil {
			cb.OnComplete()
		}
		return nil
	}

	// Activate the winner's pending calls as a fresh active turn.
	ctx, at, err := e.beginTurn(conversationID)
	if err != nil {
		return err
	}

	if cb.OnToolCallRequested != nil {
		for _, tc := range pending {
			cb.OnToolCallRequested(tc.ID, tc.Name, tc.Args)
		}
	}

	cfg := e.config()
	t := newTurn(turnConfig{
		conv:         h.conv,
		convMu:       &h.mu,
		client:       e.client,
		registry:     e.registry,
		store:        e.store,
		modelID:      entry.ModelName,
		temperature:  temperature,
		withTools:    len(e.registry.Names()) > 0,
		autoExec:     true,
		maxDepth:     cfg.Engine.MaxToolDepth,
		watchdog:     time.Duration(cfg.Engine.ToolWatchdogSecs) * time.Second,
		batchWindow:  time.Duration(cfg.Engine.BatchWindowMs) * time.Millisecond,
		persist:      true,
		pendingCalls: pending,
		pendingMsgID: messageID,
		cb:           cb,
	})

	go func() {
		defer e.endTurn(conversationID, at)
		t.run(ctx)
	}()
	return nil
}

// applyImplicitSelection resolves a leftover unresolved multi-model group
// before a new user turn is processed: prefer the entry whose model matches
// the conversation's default model, otherwise the first entry. The winner
// is marked only; its pending tool calls stay inert.
func (e *Engine) applyImplicitSelection(h *convHandle) {
	h.mu.Lock()
	group := h.conv.OpenUnresolvedGroup()
	if group == nil || group.IsOpen() || len(group.Entries) == 0 {
		h.mu.Unlock()
		return
	}

	winner := group.Entries[0]
	if byModel := group.EntryForModel(h.conv.Model); byModel != nil {
		winner = byModel
	}
	group.SelectedResponseID = winner.MessageID
	snapshot := h.conv.Clone()
	h.mu.Unlock()

	if err := e.store.SaveConversation(snapshot); err != nil {
		log.Printf("engine: implicit selection persist failed for group %s: %v", group.ID, err)
	}
}
