// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/store"
	"github.com/jeranaias/parley/internal/tools"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the conversation orchestration front end. It owns the live
// conversations, enforces one active turn per conversation, and routes
// user messages to the single-model orchestrator or the multi-model
// dispatcher.
type Engine struct {
	client   provider.Client
	registry *tools.Registry
	store    store.MessageStore
	cfg      *config.Config

	mu     sync.Mutex
	convs  map[string]*convHandle
	active map[string]*activeTurn
}

// convHandle pairs a live conversation with its mutation lock. The lock is
// the single mutation point for the conversation: turn goroutines and the
// engine both take it before touching shared state.
type convHandle struct {
	mu   sync.Mutex
	conv *model.Conversation
}

// activeTurn tracks one running turn so it can be cancelled and joined.
type activeTurn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine over the given collaborators.
func New(client provider.Client, registry *tools.Registry, st store.MessageStore, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		client:   client,
		registry: registry,
		store:    st,
		cfg:      cfg,
		convs:    make(map[string]*convHandle),
		active:   make(map[string]*activeTurn),
	}
}

// SetConfig swaps the engine tunables (config hot reload). Running turns
// keep the tunables they started with.
func (e *Engine) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// =============================================================================
// CONVERSATION LIFECYCLE
// =============================================================================

// NewConversation creates, persists, and holds a new conversation using
// the configured chat defaults. Returns a snapshot.
func (e *Engine) NewConversation() (*model.Conversation, error) {
	cfg := e.config()

	conv := model.NewConversation(cfg.DefaultModel)
	conv.Temperature = cfg.Chat.Temperature
	conv.SystemPrompt = cfg.Chat.SystemPrompt
	conv.MultiModel = cfg.Chat.MultiModel
	conv.ActiveModels = append([]string(nil), cfg.Chat.ActiveModels...)

	if err := e.store.CreateConversation(conv); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.convs[conv.ID] = &convHandle{conv: conv}
	e.mu.Unlock()

	return conv.Clone(), nil
}

// OpenConversation loads a stored conversation into the engine. Returns a
// snapshot.
func (e *Engine) OpenConversation(conversationID string) (*model.Conversation, error) {
	e.mu.Lock()
	if h, ok := e.convs[conversationID]; ok {
		e.mu.Unlock()
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.conv.Clone(), nil
	}
	e.mu.Unlock()

	conv, err := e.store.Snapshot(conversationID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.convs[conversationID] = &convHandle{conv: conv}
	e.mu.Unlock()
	return conv.Clone(), nil
}

// Conversation returns a point-in-time snapshot of a held conversation.
func (e *Engine) Conversation(conversationID string) (*model.Conversation, error) {
	h, err := e.handle(conversationID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conv.Clone(), nil
}

// CloseConversation cancels any active turn and releases the held
// conversation. Stored state is untouched.
func (e *Engine) CloseConversation(conversationID string) {
	e.Cancel(conversationID)
	e.mu.Lock()
	delete(e.convs, conversationID)
	e.mu.Unlock()
}

func (e *Engine) handle(conversationID string) (*convHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.convs[conversationID]
	if !ok {
		return nil, ErrConversationUnknown
	}
	return h, nil
}

// SetModel changes the conversation's default model for subsequent turns.
// No effect on a turn already in flight.
func (e *Engine) SetModel(conversationID, modelID string) error {
	h, err := e.handle(conversationID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.conv.Model = modelID
	conv := h.conv.Clone()
	h.mu.Unlock()
	return e.store.SaveConversation(conv)
}

// SetMultiModel toggles multi-model dispatch for a conversation and records
// the participating models. Takes effect on the next SendMessage.
func (e *Engine) SetMultiModel(conversationID string, enabled bool, models []string) error {
	h, err := e.handle(conversationID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.conv.MultiModel = enabled
	h.conv.ActiveModels = append([]string(nil), models...)
	conv := h.conv.Clone()
	h.mu.Unlock()
	return e.store.SaveConversation(conv)
}

// =============================================================================
// SEND MESSAGE (SINGLE MODEL)
// =============================================================================

// SendMessage appends the user message and drives one single-model turn.
// The turn runs asynchronously; progress and the terminal signal arrive
// through the callbacks.
//
// If a turn is already active for the conversation it is cancelled and
// ErrTurnActive is returned without sending: a send during an active turn
// is a stop request, not a second concurrent turn.
func (e *Engine) SendMessage(conversationID, content string, cb TurnCallbacks) error {
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
	h.mu.Lock()
	h.conv.AddMessage(userMsg)
	modelID := h.conv.Model
	temperature := h.conv.Temperature
	h.mu.Unlock()
	if err := e.store.Append(conversationID, userMsg); err != nil {
		e.endTurn(conversationID, at)
		return err
	}

	cfg := e.config()
	t := newTurn(turnConfig{
		conv:        h.conv,
		convMu:      &h.mu,
		client:      e.client,
		registry:    e.registry,
		store:       e.store,
		modelID:     modelID,
		temperature: temperature,
		withTools:   len(e.registry.Names()) > 0,
		autoExec:    true,
		maxDepth:    cfg.Engine.MaxToolDepth,
		watchdog:    time.Duration(cfg.Engine.ToolWatchdogSecs) * time.Second,
		batchWindow: time.Duration(cfg.Engine.BatchWindowMs) * time.Millisecond,
		persist:     true,
		cb:          cb,
	})

	go func() {
		defer e.endTurn(conversationID, at)
		t.run(ctx)
	}()
	return nil
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel aborts the conversation's active turn, if any. Idempotent and
// safe to call when no turn is active. Returns once the turn has reached
// its terminal state, so buffered output is already flushed.
func (e *Engine) Cancel(conversationID string) {
	e.mu.Lock()
	at, ok := e.active[conversationID]
	e.mu.Unlock()
	if !ok {
		return
	}
	at.cancel()
	<-at.done
}

// Close cancels every active turn and waits for them to finish. The store
// belongs to the caller and is not closed.
func (e *Engine) Close() {
	e.mu.Lock()
	turns := make([]*activeTurn, 0, len(e.active))
	for _, at := range e.active {
		turns = append(turns, at)
	}
	e.mu.Unlock()

	for _, at := range turns {
		at.cancel()
		<-at.done
	}
}

// =============================================================================
// TURN BOOKKEEPING
// =============================================================================

// beginTurn reserves the conversation's single active-turn slot. A busy
// slot cancels the running turn and reports ErrTurnActive.
func (e *Engine) beginTurn(conversationID string) (context.Context, *activeTurn, error) {
	e.mu.Lock()
	if at, busy := e.active[conversationID]; busy {
		e.mu.Unlock()
		at.cancel()
		return nil, nil, ErrTurnActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	at := &activeTurn{cancel: cancel, done: make(chan struct{})}
	e.active[conversationID] = at
	e.mu.Unlock()
	return ctx, at, nil
}

func (e *Engine) endTurn(conversationID string, at *activeTurn) {
	e.mu.Lock()
	if e.active[conversationID] == at {
		delete(e.active, conversationID)
	}
	e.mu.Unlock()
	at.cancel()
	close(at.done)
}
