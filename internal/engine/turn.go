// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/store"
	"github.com/jeranaias/parley/internal/tools"
)

// =============================================================================
// TURN CONFIGURATION
// =============================================================================

// turnConfig wires one turn to its collaborators. The conversation pointer
// is shared with the engine; convMu is the single mutation point for it.
type turnConfig struct {
	conv   *model.Conversation
	convMu *sync.Mutex

	client   provider.Client
	registry *tools.Registry
	store    store.MessageStore

	modelID     string
	temperature float64
	withTools   bool

	// autoExec controls whether requested tool calls execute immediately.
	// Multi-model losing responses record them as pending instead.
	autoExec bool

	maxDepth    int
	watchdog    time.Duration
	batchWindow time.Duration

	// persist saves the full conversation on turn exit. The multi-model
	// dispatcher persists once after the join instead.
	persist bool

	// placeholder, when set, is the pre-created assistant message the first
	// stream writes into. Continuation streams always create their own.
	placeholder *model.Message

	// groupEntry, when set, tracks this model's resolution in a response
	// group.
	groupEntry *model.ResponseEntry

	// pendingCalls, when set, are executed before the first stream opens.
	// Used by response selection to activate recorded pending tool calls.
	// pendingMsgID is the message those calls are recorded on.
	pendingCalls []*model.ToolCall
	pendingMsgID string

	cb TurnCallbacks
}

// =============================================================================
// TURN STATE MACHINE
// =============================================================================

// turn executes one model turn to completion, transparently resolving any
// chain of tool calls, while exposing incremental text to the caller.
//
// All external events (deltas, tool requests, completion, errors, cancel,
// tool results) are consumed strictly one at a time by the run loop, so
// shared state needs no further synchronization beyond convMu for the
// conversation itself.
type turn struct {
	turnConfig

	ctx   context.Context
	state TurnState
	depth int

	msg   *model.Message
	stats *model.Statistics

	textBatch   *ChunkBatcher
	reasonBatch *ChunkBatcher

	// citations from builtin web search, attached to the next assistant
	// message instead of a tool result message
	citations []model.Citation

	// toolOwnerID is the message the in-flight tool calls are recorded on.
	toolOwnerID string
}

func newTurn(cfg turnConfig) *turn {
	return &turn{
		turnConfig:  cfg,
		state:       StateIdle,
		textBatch:   NewChunkBatcher(cfg.batchWindow),
		reasonBatch: NewChunkBatcher(cfg.batchWindow),
	}
}

// run drives the turn to a terminal state. It blocks until the turn ends
// and must be called from its own goroutine.
func (t *turn) run(ctx context.Context) {
	t.ctx = ctx

	// Selection path: execute the recorded pending calls, then continue
	// the turn with a fresh stream as if they had just resolved.
	if len(t.pendingCalls) > 0 {
		t.toolOwnerID = t.pendingMsgID
		if err := t.executeToolCalls(t.pendingCalls); err != nil {
			t.finishFromToolError(err)
			return
		}
		t.depth++
	}

	for {
		if ctx.Err() != nil {
			t.finishCancelled()
			return
		}

		t.openPlaceholder()

		events, err := t.client.StreamChat(ctx, t.buildRequest())
		if err != nil {
			t.finishFailed(&TurnError{
				Kind:    ErrKindTransport,
				Model:   t.modelID,
				Message: "failed to open model stream",
				Cause:   err,
			})
			return
		}
		t.state = StateStreaming

		calls, err := t.consumeStream(events)
		if ctx.Err() != nil {
			t.finishCancelled()
			return
		}
		if err != nil {
			t.finishFailed(err)
			return
		}

		if len(calls) == 0 {
			t.finalizeMessage(model.EntryCompleted)
			t.finishCompleted()
			return
		}

		// Tool-call identification precedes execution: the requesting
		// message is frozen with its tool-call records persisted before
		// anything runs.
		t.state = StateToolPending
		recorded := t.recordToolCalls(calls)

		if !t.autoExec {
			// Losing multi-model responses keep their calls pending until
			// this response is selected as the winner.
			t.finishCompleted()
			return
		}

		if t.depth >= t.maxDepth {
			t.finishFailed(&TurnError{
				Kind:    ErrKindDepthExceeded,
				Model:   t.modelID,
				Message: "too many tool calls",
			})
			return
		}

		if err := t.executeToolCalls(recorded); err != nil {
			t.finishFromToolError(err)
			return
		}
		t.depth++
	}
}

// State returns the turn's final state. Valid once run has returned.
func (t *turn) State() TurnState {
	return t.state
}

// =============================================================================
// STREAM CONSUMPTION
// =============================================================================

// consumeStream drains one model stream, applying deltas through the
// batcher and collecting tool-call requests until the terminal event.
// Tool calls are executed only after the stream ends, which resolves the
// race between near-simultaneous completion and tool-request events: both
// arrive on the same channel and are processed in order.
func (t *turn) consumeStream(events <-chan provider.Event) ([]*provider.ToolCallRequest, error) {
	t.stats = model.NewStatistics()

	ticker := time.NewTicker(t.textBatch.Window())
	defer ticker.Stop()

	var calls []*provider.ToolCallRequest
	for {
		select {
		case <-t.ctx.Done():
			// Flush-before-cancel: buffered deltas reach the store before
			// the terminal state is reported.
			t.flushBatched(true)
			return calls, t.ctx.Err()

		case <-ticker.C:
			t.flushBatched(false)

		case ev, ok := <-events:
			if !ok {
				t.flushBatched(true)
				return nil, &TurnError{
					Kind:    ErrKindTransport,
					Model:   t.modelID,
					Message: "stream closed without a terminal event",
				}
			}
			switch ev.Type {
			case provider.EventTextDelta:
				t.stats.RecordFirstToken()
				t.appendLive(ev.Text, false)
				t.textBatch.Write(ev.Text)

			case provider.EventReasoningDelta:
				t.stats.RecordFirstToken()
				t.appendLive(ev.Text, true)
				t.reasonBatch.Write(ev.Text)

			case provider.EventToolCall:
				calls = append(calls, ev.ToolCall)

			case provider.EventCompleted:
				t.stats.Finalize(ev.CompletionTokens)
				t.stats.PromptTokens = ev.PromptTokens
				t.flushBatched(true)
				return calls, nil

			case provider.EventFailed:
				t.flushBatched(true)
				return nil, &TurnError{
					Kind:    ErrKindTransport,
					Model:   t.modelID,
					Message: "model stream failed",
					Cause:   ev.Err,
				}
			}
		}
	}
}

// appendLive applies a delta to the in-memory streaming message.
func (t *turn) appendLive(delta string, reasoning bool) {
	t.convMu.Lock()
	defer t.convMu.Unlock()
	if reasoning {
		t.msg.AppendReasoning(delta)
	} else {
		t.msg.AppendText(delta)
	}
}

// flushBatched drains the batchers into the store and fires the chunk
// callbacks. With force set the window is ignored; terminal paths use this
// so no buffered output is ever lost.
func (t *turn) flushBatched(force bool) {
	flush := t.textBatch.Flush
	if force {
		flush = t.textBatch.ForceFlush
	}
	if text, ok := flush(); ok {
		t.applyStored(text, false)
		if t.cb.OnChunk != nil {
			t.cb.OnChunk(t.msg.ID, text)
		}
	}

	flush = t.reasonBatch.Flush
	if force {
		flush = t.reasonBatch.ForceFlush
	}
	if text, ok := flush(); ok {
		t.applyStored(text, true)
		if t.cb.OnReasoning != nil {
			t.cb.OnReasoning(t.msg.ID, text)
		}
	}
}

// applyStored appends one batched flush to the stored message.
func (t *turn) applyStored(text string, reasoning bool) {
	err := t.store.UpdateByID(t.conv.ID, t.msg.ID, func(m *model.Message) {
		if reasoning {
			m.Reasoning += text
		} else {
			m.Content += text
		}
	})
	if err != nil {
		log.Printf("engine: chunk apply failed for message %s: %v", t.msg.ID, err)
	}
}

// =============================================================================
// TOOL CALLS
// =============================================================================

// recordToolCalls freezes the requesting assistant message with its
// tool-call records and persists it before anything executes, leaving an
// inspectable trail if execution crashes mid-way.
func (t *turn) recordToolCalls(requests []*provider.ToolCallRequest) []*model.ToolCall {
	recorded := make([]*model.ToolCall, 0, len(requests))

	t.convMu.Lock()
	for _, req := range requests {
		tc := &model.ToolCall{
			ID:      req.ID,
			Name:    req.Name,
			Args:    req.Args,
			Pending: !t.autoExec,
		}
		t.msg.ToolCalls = append(t.msg.ToolCalls, tc)
		recorded = append(recorded, tc)
	}
	t.finalizeLocked(model.EntryStreaming)
	t.toolOwnerID = t.msg.ID
	t.convMu.Unlock()

	t.persistMessage()

	if t.cb.OnToolCallRequested != nil {
		for _, tc := range recorded {
			t.cb.OnToolCallRequested(tc.ID, tc.Name, tc.Args)
		}
	}
	return recorded
}

// executeToolCalls runs the calls sequentially under the watchdog. The
// watchdog arms once per chain step and bounds the whole wait: a hung tool
// cannot stall the turn past it.
func (t *turn) executeToolCalls(calls []*model.ToolCall) error {
	t.state = StateToolExecuting

	watchdog := time.NewTimer(t.watchdog)
	defer watchdog.Stop()

	for _, tc := range calls {
		if tc.Executed {
			// Re-selection must not re-execute resolved calls.
			continue
		}

		type outcome struct {
			result tools.Result
			err    error
		}
		done := make(chan outcome, 1)
		start := time.Now()

		go func(tc *model.ToolCall) {
			result, err := t.registry.Execute(t.ctx, tc.Name, tc.Args)
			done <- outcome{result: result, err: err}
		}(tc)

		select {
		case <-t.ctx.Done():
			// In-flight execution runs to completion; its result must be
			// discarded, never applied. A cancelled turn's continuation is
			// never started.
			go func(name string) {
				<-done
				log.Printf("engine: discarding result of tool %q after cancel", name)
			}(tc.Name)
			return t.ctx.Err()

		case <-watchdog.C:
			return &TurnError{
				Kind:    ErrKindTimeout,
				Model:   t.modelID,
				Message: "tool chain watchdog expired",
			}

		case out := <-done:
			duration := time.Since(start)
			if out.err != nil {
				t.applyToolFailure(tc, out.err, duration)
				return &TurnError{
					Kind:    ErrKindTool,
					Model:   t.modelID,
					Message: "tool " + tc.Name + " failed",
					Cause:   out.err,
				}
			}
			t.applyToolResult(tc, out.result, duration)
		}
	}
	return nil
}

// applyToolResult records a successful execution. Builtin web search is
// suppressed as a tool message; its citations attach to the next assistant
// message instead.
func (t *turn) applyToolResult(tc *model.ToolCall, result tools.Result, duration time.Duration) {
	t.convMu.Lock()
	tc.Executed = true
	tc.Pending = false
	tc.Result = &model.ToolResult{
		Content:   result.Content,
		Citations: result.Citations,
		Duration:  duration,
	}
	t.convMu.Unlock()
	t.persistToolCall(tc)

	if t.registry.IsBuiltIn(tc.Name) {
		t.citations = append(t.citations, result.Citations...)
		return
	}

	resultMsg := model.NewToolResultMessage(tc.ID, tc.Name, result.Content)
	t.appendMessage(resultMsg)
}

// applyToolFailure records a failed execution with the error embedded as
// user-visible text on the tool-result path.
func (t *turn) applyToolFailure(tc *model.ToolCall, execErr error, duration time.Duration) {
	t.convMu.Lock()
	tc.Executed = true
	tc.Pending = false
	tc.Result = &model.ToolResult{
		Error:    execErr.Error(),
		Duration: duration,
	}
	t.convMu.Unlock()
	t.persistToolCall(tc)

	resultMsg := model.NewToolResultMessage(tc.ID, tc.Name, "Error: "+execErr.Error())
	t.appendMessage(resultMsg)
}

// finishFromToolError maps an execution failure onto the right terminal
// state: cancel wins over everything, then watchdog, then tool error.
func (t *turn) finishFromToolError(err error) {
	if t.ctx.Err() != nil {
		t.finishCancelled()
		return
	}
	t.finishFailed(err)
}

// =============================================================================
// MESSAGE LIFECYCLE
// =============================================================================

// openPlaceholder installs the assistant message the next stream writes
// into. Each continuation gets a fresh placeholder; the prior message stays
// immutable.
func (t *turn) openPlaceholder() {
	if t.placeholder != nil {
		t.msg = t.placeholder
		t.placeholder = nil
		return
	}
	msg := model.NewAssistantPlaceholder(t.modelID)
	t.msg = msg
	t.appendMessage(msg)
	t.textBatch.Reset()
	t.reasonBatch.Reset()
}

// appendMessage adds a message to the live conversation and the store.
func (t *turn) appendMessage(msg *model.Message) {
	t.convMu.Lock()
	t.conv.AddMessage(msg)
	t.convMu.Unlock()

	if err := t.store.Append(t.conv.ID, msg); err != nil {
		log.Printf("engine: append failed for message %s: %v", msg.ID, err)
	}
	if t.cb.OnMessageCreated != nil {
		t.cb.OnMessageCreated(msg.Clone())
	}
}

// finalizeMessage freezes the current assistant message, attaches any
// pending citations, updates the group entry, and persists the result.
func (t *turn) finalizeMessage(status model.EntryStatus) {
	t.convMu.Lock()
	t.finalizeLocked(status)
	t.convMu.Unlock()
	t.persistMessage()
}

func (t *turn) finalizeLocked(status model.EntryStatus) {
	if len(t.citations) > 0 {
		t.msg.Citations = append(t.msg.Citations, t.citations...)
		t.citations = nil
	}
	t.msg.FinalizeStream(t.stats)
	if t.groupEntry != nil && status != model.EntryStreaming {
		t.groupEntry.Status = status
	}
}

// persistMessage writes the authoritative final state of the current
// message. Batched flushes already delivered the content incrementally;
// this write is last-write-wins on the full record.
func (t *turn) persistMessage() {
	t.convMu.Lock()
	snapshot := t.msg.Clone()
	t.convMu.Unlock()

	err := t.store.UpdateByID(t.conv.ID, snapshot.ID, func(m *model.Message) {
		*m = *snapshot
	})
	if err != nil {
		log.Printf("engine: finalize persist failed for message %s: %v", snapshot.ID, err)
	}
}

// persistToolCall mirrors one call's execution record to the store.
func (t *turn) persistToolCall(tc *model.ToolCall) {
	t.convMu.Lock()
	snapshot := tc.Clone()
	msgID := t.toolOwnerID
	t.convMu.Unlock()

	err := t.store.UpdateByID(t.conv.ID, msgID, func(m *model.Message) {
		for i, existing := range m.ToolCalls {
			if existing.ID == snapshot.ID {
				m.ToolCalls[i] = snapshot
				return
			}
		}
		m.ToolCalls = append(m.ToolCalls, snapshot)
	})
	if err != nil {
		log.Printf("engine: tool call persist failed for message %s: %v", msgID, err)
	}
}

// =============================================================================
// TERMINAL TRANSITIONS
// =============================================================================

// finishCompleted ends the turn successfully. Exactly one terminal
// callback fires per turn.
func (t *turn) finishCompleted() {
	if t.groupEntry != nil {
		t.convMu.Lock()
		if t.groupEntry.Status == model.EntryStreaming {
			t.groupEntry.Status = model.EntryCompleted
		}
		t.convMu.Unlock()
	}
	t.state = StateCompleted
	t.persistConversation()
	if t.cb.OnComplete != nil {
		t.cb.OnComplete()
	}
}

// finishCancelled ends the turn on user cancel. Partial content was already
// force-flushed; it is kept, equivalent to completion for persistence.
func (t *turn) finishCancelled() {
	t.flushBatched(true)
	if t.msg != nil && t.msg.IsStreaming {
		t.finalizeMessage(model.EntryCompleted)
	} else if t.groupEntry != nil {
		// Cancelled before the first stream opened: resolve the entry so
		// the group can close.
		t.convMu.Lock()
		if t.groupEntry.Status == model.EntryStreaming {
			t.groupEntry.Status = model.EntryCompleted
		}
		t.convMu.Unlock()
	}
	t.state = StateCancelled
	t.persistConversation()
	if t.cb.OnComplete != nil {
		t.cb.OnComplete()
	}
}

// finishFailed ends the turn with a terminal error. Partial content already
// flushed is retained.
func (t *turn) finishFailed(err error) {
	if t.msg != nil && t.msg.IsStreaming {
		t.finalizeMessage(model.EntryFailed)
	} else if t.groupEntry != nil {
		t.convMu.Lock()
		t.groupEntry.Status = model.EntryFailed
		t.convMu.Unlock()
	}
	t.state = StateFailed
	t.persistConversation()
	if t.cb.OnError != nil {
		t.cb.OnError(err)
	}
}

// persistConversation saves the full conversation state on turn exit when
// this turn owns persistence.
func (t *turn) persistConversation() {
	if !t.persist {
		return
	}
	t.convMu.Lock()
	snapshot := t.conv.Clone()
	t.convMu.Unlock()

	if err := t.store.SaveConversation(snapshot); err != nil {
		log.Printf("engine: conversation persist failed for %s: %v", snapshot.ID, err)
	}
}

// =============================================================================
// REQUEST BUILDING
// =============================================================================

// buildRequest assembles the wire history for the next stream. Streaming
// placeholders (this turn's and any multi-model siblings') are excluded;
// executed builtin tool results, which have no tool message of their own,
// are injected inline so the model sees them on continuation.
func (t *turn) buildRequest() provider.ChatRequest {
	t.convMu.Lock()
	defer t.convMu.Unlock()

	messages := make([]provider.Message, 0, len(t.conv.Messages)+1)
	if t.conv.SystemPrompt != "" {
		messages = append(messages, provider.Message{
			Role:    model.RoleSystem.String(),
			Content: t.conv.SystemPrompt,
		})
	}

	for _, msg := range t.conv.Messages {
		if msg.IsStreaming {
			continue
		}
		switch msg.Role {
		case model.RoleAssistant:
			wire := provider.Message{
				Role:    model.RoleAssistant.String(),
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				wire.ToolCalls = append(wire.ToolCalls, provider.ToolCall{
					ID: tc.ID,
					Function: provider.ToolFunction{
						Name:      tc.Name,
						Arguments: tc.Args.Map(),
					},
				})
			}
			messages = append(messages, wire)

			for _, tc := range msg.ToolCalls {
				if tc.Executed && tc.Result.OK() && t.registry.IsBuiltIn(tc.Name) {
					messages = append(messages, provider.Message{
						Role:    model.RoleTool.String(),
						Content: tc.Result.Content,
					})
				}
			}

		default:
			messages = append(messages, provider.Message{
				Role:    msg.Role.String(),
				Content: msg.Content,
			})
		}
	}

	req := provider.ChatRequest{
		Model:       t.modelID,
		Messages:    messages,
		Temperature: t.temperature,
	}
	if t.withTools {
		req.Tools = t.registry.Definitions()
	}
	return req
}
