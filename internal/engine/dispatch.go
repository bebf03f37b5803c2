// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// MULTI-MODEL DISPATCHER
// =============================================================================

// SendMessageMulti appends the user message and fans the turn out to every
// model in parallel, joined under a shared response group.
//
// The group and all placeholder messages exist before any stream opens, so
// consumers see a stable group shape regardless of arrival order. Tool
// calls requested by the responses are recorded as pending, not executed;
// selection activates the winner's calls.
func (e *Engine) SendMessageMulti(conversationID, content string, models []string, cb GroupCallbacks) error {
	if len(models) < 2 {
		return fmt.Errorf("multi-model dispatch requires at least 2 models, got %d", len(models))
	}

	h, err := e.handle(conversationID)
	if err != nil {
		return err
	}

	ctx, at, err := e.beginTurn(conversationID)
	if err != nil {
		return err
	}

	e.applyImplicitSelection(h)

	userMsg := model.NewUserMessage(content)

	// Pre-allocate one placeholder and one entry per model, then the group
	// referencing them, before any network call resolves.
	placeholders := make([]*model.Message, len(models))
	messageIDs := make([]string, len(models))
	for i, m := range models {
		placeholders[i] = model.NewAssistantPlaceholder(m)
		messageIDs[i] = placeholders[i].ID
	}
	group := model.NewResponseGroup(conversationID, messageIDs, models)

	h.mu.Lock()
	h.conv.AddMessage(userMsg)
	for _, p := range placeholders {
		p.ResponseGroupID = group.ID
		h.conv.AddMessage(p)
	}
	h.conv.AddResponseGroup(group)
	temperature := h.conv.Temperature
	h.mu.Unlock()

	if err := e.store.Append(conversationID, userMsg); err != nil {
		e.endTurn(conversationID, at)
		return err
	}
	for _, p := range placeholders {
		if err := e.store.Append(conversationID, p); err != nil {
			log.Printf("engine: placeholder append failed for %s: %v", p.ID, err)
		}
	}

	if cb.OnGroupCreated != nil {
		cb.OnGroupCreated(group.Clone())
	}

	cfg := e.config()

	go func() {
		defer e.endTurn(conversationID, at)

		// Join barrier: the WaitGroup joins the streams; the counter tracks
		// per-model resolution so the all-complete signal fires exactly once
		// with the full count.
		var wg sync.WaitGroup
		var resolved atomic.Int32

		for i, modelID := range models {
			wg.Add(1)
			go func(modelID string, placeholder *model.Message, entry *model.ResponseEntry) {
				defer wg.Done()
				defer resolved.Add(1)

				t := newTurn(turnConfig{
					conv:        h.conv,
					convMu:      &h.mu,
					client:      e.client,
					registry:    e.registry,
					store:       e.store,
					modelID:     modelID,
					temperature: temperature,
					withTools:   len(e.registry.Names()) > 0,
					autoExec:    false,
					maxDepth:    cfg.Engine.MaxToolDepth,
					watchdog:    time.Duration(cfg.Engine.ToolWatchdogSecs) * time.Second,
					batchWindow: time.Duration(cfg.Engine.BatchWindowMs) * time.Millisecond,
					persist:     false,
					placeholder: placeholder,
					groupEntry:  entry,
					cb:          perModelCallbacks(modelID, cb),
				})
				t.run(ctx)
			}(modelID, placeholders[i], group.Entries[i])
		}

		wg.Wait()
		if n := int(resolved.Load()); n != len(models) {
			log.Printf("engine: group %s joined with %d of %d models resolved", group.ID, n, len(models))
		}

		// Persist the conversation once for the whole group.
		h.mu.Lock()
		snapshot := h.conv.Clone()
		h.mu.Unlock()
		if err := e.store.SaveConversation(snapshot); err != nil {
			log.Printf("engine: group persist failed for %s: %v", group.ID, err)
		}

		if cb.OnAllComplete != nil {
			cb.OnAllComplete()
		}
	}()
	return nil
}

// perModelCallbacks adapts the group callbacks into one model's turn
// callbacks. A per-model failure surfaces as a non-fatal model error and
// never aborts sibling streams.
func perModelCallbacks(modelID string, cb GroupCallbacks) TurnCallbacks {
	return TurnCallbacks{
		OnChunk: func(messageID, text string) {
			if cb.OnModelChunk != nil {
				cb.OnModelChunk(modelID, messageID, text)
			}
		},
		OnToolCallRequested: func(callID, name string, args model.ToolArgs) {
			if cb.OnPendingToolCall != nil {
				cb.OnPendingToolCall(modelID, callID, name, args)
			}
		},
		OnComplete: func() {
			if cb.OnModelComplete != nil {
				cb.OnModelComplete(modelID)
			}
		},
		OnError: func(err error) {
			if cb.OnModelError != nil {
				cb.OnModelError(modelID, err)
			}
		},
	}
}
