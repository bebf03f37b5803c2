// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/tools"
)

// =============================================================================
// MULTI-MODEL DISPATCH TESTS
// =============================================================================

func TestMultiModelRequiresTwoModels(t *testing.T) {
	e := newTestEngine(t, newFakeClient(), nil)
	conv, _ := e.NewConversation()
	if err := e.SendMessageMulti(conv.ID, "hi", []string{"only-one"}, GroupCallbacks{}); err == nil {
		t.Error("expected error for single-model dispatch")
	}
}

// Dispatching to ["a","b","c"] yields a group with exactly 3 entries and 3
// placeholder messages, created synchronously before any network call
// resolves.
func TestGroupShapePreallocated(t *testing.T) {
	client := newFakeClient()
	client.gate = make(chan struct{}) // streams blocked until released
	client.enqueueFor("a", newScript(evText("from a"), evCompleted()))
	client.enqueueFor("b", newScript(evText("from b"), evCompleted()))
	client.enqueueFor("c", newScript(evText("from c"), evCompleted()))
	e := newTestEngine(t, client, nil)

	conv, _ := e.NewConversation()
	allDone := make(chan struct{})
	groupCh := make(chan *model.ResponseGroup, 1)
	err := e.SendMessageMulti(conv.ID, "compare", []string{"a", "b", "c"}, GroupCallbacks{
		OnGroupCreated: func(g *model.ResponseGroup) { groupCh <- g },
		OnAllComplete:  func() { close(allDone) },
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	group := <-groupCh
	if len(group.Entries) != 3 {
		t.Fatalf("group has %d entries, want 3", len(group.Entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if group.Entries[i].ModelName != want {
			t.Errorf("entry %d model = %q, want %q", i, group.Entries[i].ModelName, want)
		}
		if group.Entries[i].Status != model.EntryStreaming {
			t.Errorf("entry %d status = %s before any stream resolved", i, group.Entries[i].Status)
		}
	}

	// Placeholders exist while every stream is still gated.
	snap, _ := e.Conversation(conv.ID)
	placeholders := 0
	for _, msg := range snap.Messages {
		if msg.Role == model.RoleAssistant && msg.ResponseGroupID == group.ID {
			placeholders++
		}
	}
	if placeholders != 3 {
		t.Errorf("found %d placeholders, want 3", placeholders)
	}

	close(client.gate)
	waitSignal(t, allDone, "group join")

	stored, err := e.store.Snapshot(conv.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(stored.ResponseGroups) != 1 {
		t.Fatalf("stored %d groups, want 1", len(stored.ResponseGroups))
	}
	for _, entry := range stored.ResponseGroups[0].Entries {
		if entry.Status != model.EntryCompleted {
			t.Errorf("entry %s status = %s, want completed", entry.ModelName, entry.Status)
		}
		msg := stored.MessageByID(entry.MessageID)
		if msg == nil {
			t.Errorf("entry %s references missing message %s", entry.ModelName, entry.MessageID)
			continue
		}
		if msg.Content != "from "+entry.ModelName {
			t.Errorf("message for %s = %q", entry.ModelName, msg.Content)
		}
	}
}

// Model "b" failing must not change the status of "a" or "c", and
// all-complete still fires once all three resolve.
func TestPerModelFailureIsolation(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("alpha"), evCompleted()))
	client.enqueueFor("b", newScript(evFailed(errors.New("model b exploded"))))
	client.enqueueFor("c", newScript(evText("gamma"), evCompleted()))
	e := newTestEngine(t, client, nil)

	conv, _ := e.NewConversation()
	allDone := make(chan struct{})
	var mu sync.Mutex
	modelErrs := map[string]error{}
	completes := map[string]bool{}
	var allCount atomic.Int32

	err := e.SendMessageMulti(conv.ID, "compare", []string{"a", "b", "c"}, GroupCallbacks{
		OnModelComplete: func(modelID string) {
			mu.Lock()
			completes[modelID] = true
			mu.Unlock()
		},
		OnModelError: func(modelID string, err error) {
			mu.Lock()
			modelErrs[modelID] = err
			mu.Unlock()
		},
		OnAllComplete: func() {
			allCount.Add(1)
			close(allDone)
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitSignal(t, allDone, "group join")

	mu.Lock()
	defer mu.Unlock()
	if !completes["a"] || !completes["c"] {
		t.Errorf("sibling completions = %v, want a and c", completes)
	}
	if modelErrs["b"] == nil {
		t.Error("expected a per-model error for b")
	}
	if len(modelErrs) != 1 {
		t.Errorf("model errors = %v, want only b", modelErrs)
	}
	if allCount.Load() != 1 {
		t.Errorf("all-complete fired %d times", allCount.Load())
	}

	stored, _ := e.store.Snapshot(conv.ID)
	group := stored.ResponseGroups[0]
	for _, entry := range group.Entries {
		want := model.EntryCompleted
		if entry.ModelName == "b" {
			want = model.EntryFailed
		}
		if entry.Status != want {
			t.Errorf("entry %s status = %s, want %s", entry.ModelName, entry.Status, want)
		}
	}
}

// Tool calls in multi-model responses are recorded pending, not executed.
func TestMultiModelToolCallsStayPending(t *testing.T) {
	reg := tools.NewRegistry()
	var executions atomic.Int32
	registerTool(reg, "get_time", false, func(ctx context.Context, args model.ToolArgs) (tools.Result, error) {
		executions.Add(1)
		return tools.Result{Content: "noon"}, nil
	})

	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("plain answer"), evCompleted()))
	client.enqueueFor("b", newScript(evToolCall("call_b1", "get_time", nil), evCompleted()))
	e := newTestEngine(t, client, reg)

	conv, _ := e.NewConversation()
	allDone := make(chan struct{})
	pendingCh := make(chan string, 1)
	err := e.SendMessageMulti(conv.ID, "what time?", []string{"a", "b"}, GroupCallbacks{
		OnPendingToolCall: func(modelID, callID, name string, args model.ToolArgs) {
			pendingCh <- modelID + "/" + name
		},
		OnAllComplete: func() { close(allDone) },
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitSignal(t, allDone, "group join")

	if executions.Load() != 0 {
		t.Errorf("pending tool executed %d times before selection", executions.Load())
	}
	select {
	case got := <-pendingCh:
		if got != "b/get_time" {
			t.Errorf("pending callback = %q, want b/get_time", got)
		}
	default:
		t.Error("OnPendingToolCall never fired")
	}

	stored, _ := e.store.Snapshot(conv.ID)
	group := stored.ResponseGroups[0]
	entry := group.EntryForModel("b")
	if entry.Status != model.EntryCompleted {
		t.Errorf("entry b status = %s, want completed", entry.Status)
	}
	msg := stored.MessageByID(entry.MessageID)
	if len(msg.ToolCalls) != 1 || !msg.ToolCalls[0].Pending || msg.ToolCalls[0].Executed {
		t.Errorf("tool call record = %+v, want pending and not executed", msg.ToolCalls)
	}
}

// Chunk application per model stays ordered even with interleaved streams.
func TestPerModelChunkOrdering(t *testing.T) {
	client := newFakeClient()
	client.enqueueFor("a", newScript(evText("a1"), evText("a2"), evText("a3"), evCompleted()))
	client.enqueueFor("b", newScript(evText("b1"), evText("b2"), evText("b3"), evCompleted()))
	e := newTestEngine(t, client, nil)

	conv, _ := e.NewConversation()
	allDone := make(chan struct{})
	err := e.SendMessageMulti(conv.ID, "go", []string{"a", "b"}, GroupCallbacks{
		OnAllComplete: func() { close(allDone) },
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitSignal(t, allDone, "group join")

	stored, _ := e.store.Snapshot(conv.ID)
	group := stored.ResponseGroups[0]
	for _, entry := range group.Entries {
		msg := stored.MessageByID(entry.MessageID)
		want := entry.ModelName + "1" + entry.ModelName + "2" + entry.ModelName + "3"
		if msg.Content != want {
			t.Errorf("model %s content = %q, want %q", entry.ModelName, msg.Content, want)
		}
	}
}
