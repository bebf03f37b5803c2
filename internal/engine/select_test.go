// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/tools"
)

// =============================================================================
// RESPONSE SELECTION TESTS
// =============================================================================

// dispatchGroup runs a two-model dispatch to completion and returns the stored
// group. Model "a" answers plainly; model "b" requests a get_time tool call.
func dispatchGroup(t *testing.T, e *Engine, convID string) *model.ResponseGroup {
	t.Helper()
	allDone := make(chan struct{})
	err := e.SendMessageMulti(convID, "what time is it?", []string{"a", "b"}, GroupCallbacks{
		OnAllComplete: func() { close(allDone) },
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitSignal(t, allDone, "group join")

	stored, err := e.store.Snapshot(convID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(stored.ResponseGroups) != 1 {
		t.Fatalf("stored %d groups, want 1", len(stored.ResponseGroups))
	}
	return stored.ResponseGroups[0]
}

func TestSelectPlainWinnerCompletesImmediately(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("it is noon"), evCompleted()))
	client.enqueueFor("b", newScript(evToolCall("call_b1", "get_time", nil), evCompleted()))
	reg := tools.NewRegistry()
	registerTool(reg, "get_time", false, func(ctx context.Context, args model.ToolArgs) (tools.Result, error) {
		return tools.Result{Content: "12:00"}, nil
	})
	e := newTestEngine(t, client, reg)
	conv, _ := e.NewConversation()
	group := dispatchGroup(t, e, conv.ID)

	winner := group.EntryForModel("a")
	done := make(chan struct{})
	err := e.SelectResponse(conv.ID, group.ID, winner.MessageID, TurnCallbacks{
		OnComplete: func() { close(done) },
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	waitSignal(t, done, "selection")

	stored, _ := e.store.Snapshot(conv.ID)
	got := stored.ResponseGroups[0]
	if got.SelectedResponseID != winner.MessageID {
		t.Errorf("selected = %q, want %q", got.SelectedResponseID, winner.MessageID)
	}
	if got.IsOpen() {
		t.Error("group still open after selection")
	}
}

// Selecting the response that carries pending tool calls executes each call
// exactly once and streams a continuation from the winner's model.
func TestSelectExecutesPendingCalls(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("it is noon"), evCompleted()))
	client.enqueueFor("b", newScript(evToolCall("call_b1", "get_time", nil), evCompleted()))
	// Continuation stream for b after the tool result is injected.
	client.enqueueFor("b", newScript(evText("checked: 12:00"), evCompleted()))

	reg := tools.NewRegistry()
	var executions atomic.Int32
	registerTool(reg, "get_time", false, func(ctx context.Context, args model.ToolArgs) (tools.Result, error) {
		executions.Add(1)
		return tools.Result{Content: "12:00"}, nil
	})
	e := newTestEngine(t, client, reg)
	conv, _ := e.NewConversation()
	group := dispatchGroup(t, e, conv.ID)

	winner := group.EntryForModel("b")
	done := make(chan struct{})
	err := e.SelectResponse(conv.ID, group.ID, winner.MessageID, TurnCallbacks{
		OnComplete: func() { close(done) },
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	waitSignal(t, done, "selection turn")

	if executions.Load() != 1 {
		t.Fatalf("pending call executed %d times, want 1", executions.Load())
	}

	stored, _ := e.store.Snapshot(conv.ID)
	winMsg := stored.MessageByID(winner.MessageID)
	if !winMsg.ToolCalls[0].Executed || winMsg.ToolCalls[0].Pending {
		t.Errorf("tool call after selection = %+v, want executed and not pending", winMsg.ToolCalls[0])
	}
	last := stored.Messages[len(stored.Messages)-1]
	if last.Role != model.RoleAssistant || last.Content != "checked: 12:00" {
		t.Errorf("continuation message = %s %q", last.Role, last.Content)
	}
}

// Selecting the same winner twice must not execute the tool calls again;
// selecting a different message once the group is closed is an error.
func TestSelectionIdempotent(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("it is noon"), evCompleted()))
	client.enqueueFor("b", newScript(evToolCall("call_b1", "get_time", nil), evCompleted()))
	client.enqueueFor("b", newScript(evText("checked: 12:00"), evCompleted()))

	reg := tools.NewRegistry()
	var executions atomic.Int32
	registerTool(reg, "get_time", false, func(ctx context.Context, args model.ToolArgs) (tools.Result, error) {
		executions.Add(1)
		return tools.Result{Content: "12:00"}, nil
	})
	e := newTestEngine(t, client, reg)
	conv, _ := e.NewConversation()
	group := dispatchGroup(t, e, conv.ID)

	winner := group.EntryForModel("b")
	first := make(chan struct{})
	if err := e.SelectResponse(conv.ID, group.ID, winner.MessageID, TurnCallbacks{
		OnComplete: func() { close(first) },
	}); err != nil {
		t.Fatalf("first select: %v", err)
	}
	waitSignal(t, first, "first selection")

	second := make(chan struct{})
	if err := e.SelectResponse(conv.ID, group.ID, winner.MessageID, TurnCallbacks{
		OnComplete: func() { close(second) },
	}); err != nil {
		t.Fatalf("repeat select: %v", err)
	}
	waitSignal(t, second, "repeat selection")

	if executions.Load() != 1 {
		t.Errorf("executions after repeat selection = %d, want 1", executions.Load())
	}

	other := group.EntryForModel("a")
	err := e.SelectResponse(conv.ID, group.ID, other.MessageID, TurnCallbacks{})
	if !errors.Is(err, ErrGroupResolved) {
		t.Errorf("re-selection on closed group = %v, want ErrGroupResolved", err)
	}
}

func TestSelectUnknownEntry(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("one"), evCompleted()))
	client.enqueueFor("b", newScript(evText("two"), evCompleted()))
	e := newTestEngine(t, client, nil)
	conv, _ := e.NewConversation()
	group := dispatchGroup(t, e, conv.ID)

	if err := e.SelectResponse(conv.ID, group.ID, "no-such-message", TurnCallbacks{}); !errors.Is(err, ErrNoSuchEntry) {
		t.Errorf("unknown entry = %v, want ErrNoSuchEntry", err)
	}
	if err := e.SelectResponse(conv.ID, "no-such-group", group.Entries[0].MessageID, TurnCallbacks{}); err == nil {
		t.Error("expected error for unknown group")
	}
}

// An unresolved group left behind by a previous dispatch is auto-resolved
// when the next message is sent: the entry matching the conversation's
// default model wins without executing its pending calls.
func TestImplicitAutoSelect(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("pick me"), evCompleted()))
	client.enqueueFor("b", newScript(evToolCall("call_b1", "get_time", nil), evCompleted()))

	reg := tools.NewRegistry()
	var executions atomic.Int32
	registerTool(reg, "get_time", false, func(ctx context.Context, args model.ToolArgs) (tools.Result, error) {
		executions.Add(1)
		return tools.Result{Content: "12:00"}, nil
	})
	e := newTestEngine(t, client, reg)
	conv, _ := e.NewConversation()
	dispatchGroup(t, e, conv.ID)

	// Next single-model send; the conversation's model matches no entry, so
	// the first entry wins.
	client.enqueue(newScript(evText("next answer"), evCompleted()))
	done := make(chan struct{})
	if err := e.SendMessage(conv.ID, "carry on", TurnCallbacks{
		OnComplete: func() { close(done) },
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitSignal(t, done, "follow-up turn")

	stored, _ := e.store.Snapshot(conv.ID)
	group := stored.ResponseGroups[0]
	if group.IsOpen() {
		t.Error("group still open after implicit selection")
	}
	first := group.Entries[0]
	if group.SelectedResponseID != first.MessageID {
		t.Errorf("implicit winner = %q, want first entry %q", group.SelectedResponseID, first.MessageID)
	}
	// Implicit selection marks the winner only; pending calls stay pending.
	if executions.Load() != 0 {
		t.Errorf("implicit selection executed %d pending calls", executions.Load())
	}
}

// When an entry matches the conversation's configured model, it is preferred
// over the first entry.
func TestImplicitAutoSelectPrefersConversationModel(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("one"), evCompleted()))
	client.enqueueFor("b", newScript(evText("two"), evCompleted()))
	e := newTestEngine(t, client, nil)
	conv, _ := e.NewConversation()

	// Align the conversation's model with entry b before dispatch.
	h, err := e.handle(conv.ID)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.mu.Lock()
	h.conv.Model = "b"
	h.mu.Unlock()

	dispatchGroup(t, e, conv.ID)

	client.enqueueFor("b", newScript(evText("next"), evCompleted()))
	done := make(chan struct{})
	if err := e.SendMessage(conv.ID, "carry on", TurnCallbacks{
		OnComplete: func() { close(done) },
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitSignal(t, done, "follow-up turn")

	stored, _ := e.store.Snapshot(conv.ID)
	group := stored.ResponseGroups[0]
	want := group.EntryForModel("b").MessageID
	if group.SelectedResponseID != want {
		t.Errorf("implicit winner = %q, want model-b entry %q", group.SelectedResponseID, want)
	}
}
