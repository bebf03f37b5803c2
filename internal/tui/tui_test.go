// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/engine"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/provider"
	"github.com/jeranaias/parley/internal/store"
	"github.com/jeranaias/parley/internal/tools"
)

// nopClient satisfies provider.Client for tests that never reach the wire.
type nopClient struct{}

func (nopClient) StreamChat(ctx context.Context, req provider.ChatRequest) (<-chan provider.Event, error) {
	ch := make(chan provider.Event)
	close(ch)
	return ch, nil
}

func newTestModel(t *testing.T) *Model {
	t.Helper()

	st, err := store.NewFileStoreWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStoreWithDir failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	eng := engine.New(nopClient{}, tools.NewRegistry(), st, cfg)
	t.Cleanup(eng.Close)

	m, err := New(eng, st, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestModel_ChunksRouteToStreamingEntry(t *testing.T) {
	m := newTestModel(t)

	placeholder := model.NewAssistantPlaceholder("qwen2.5:14b")
	m.Update(MessageCreatedMsg{Message: placeholder})
	m.Update(ChunkMsg{MessageID: placeholder.ID, Text: "Hello"})
	m.Update(ChunkMsg{MessageID: placeholder.ID, Text: ", world"})

	e := m.byMessage[placeholder.ID]
	if e == nil {
		t.Fatal("no transcript entry registered for the placeholder")
	}
	if got := e.text.String(); got != "Hello, world" {
		t.Errorf("entry text: got %q, want %q", got, "Hello, world")
	}
	if !e.streaming {
		t.Error("entry should still be streaming")
	}
}

func TestModel_ChunkForUnknownMessageIsIgnored(t *testing.T) {
	m := newTestModel(t)

	m.Update(ChunkMsg{MessageID: "missing", Text: "orphan"})

	if len(m.transcript) != 0 {
		t.Errorf("transcript length: got %d, want 0", len(m.transcript))
	}
}

func TestModel_TurnCompleteSealsEntries(t *testing.T) {
	m := newTestModel(t)
	m.state = StateStreaming

	placeholder := model.NewAssistantPlaceholder("qwen2.5:14b")
	m.Update(MessageCreatedMsg{Message: placeholder})
	m.Update(TurnCompleteMsg{})

	if m.state != StateReady {
		t.Errorf("state: got %v, want StateReady", m.state)
	}
	if m.byMessage[placeholder.ID].streaming {
		t.Error("entry should be sealed after turn completion")
	}
}

func TestModel_TurnErrorAppendsNotice(t *testing.T) {
	m := newTestModel(t)
	m.state = StateStreaming

	m.Update(TurnErrorMsg{Err: context.DeadlineExceeded})

	if m.state != StateReady {
		t.Errorf("state: got %v, want StateReady", m.state)
	}
	last := m.transcript[len(m.transcript)-1]
	if last.err == nil {
		t.Error("last entry should carry the turn error")
	}
}

func TestModel_GroupLifecycle(t *testing.T) {
	m := newTestModel(t)
	m.state = StateDispatch

	group := model.NewResponseGroup("conv", []string{"msg-a", "msg-b"}, []string{"model-a", "model-b"})
	m.Update(GroupCreatedMsg{Group: group})

	if len(m.groupEntries) != 2 {
		t.Fatalf("group entries: got %d, want 2", len(m.groupEntries))
	}
	for i, e := range m.groupEntries {
		if e.groupIndex != i+1 {
			t.Errorf("entry %d index: got %d, want %d", i, e.groupIndex, i+1)
		}
	}

	m.Update(ModelChunkMsg{ModelID: "model-a", MessageID: "msg-a", Text: "alpha"})
	m.Update(ModelChunkMsg{ModelID: "model-b", MessageID: "msg-b", Text: "beta"})
	m.Update(PendingToolMsg{ModelID: "model-b", CallID: "call_1", Name: "web_search"})
	m.Update(ModelCompleteMsg{ModelID: "model-a"})
	m.Update(ModelErrorMsg{ModelID: "model-b", Err: context.Canceled})
	m.Update(GroupCompleteMsg{})

	a, b := m.groupEntries[0], m.groupEntries[1]
	if got := a.text.String(); got != "alpha" {
		t.Errorf("model-a text: got %q, want %q", got, "alpha")
	}
	if a.streaming || b.streaming {
		t.Error("both entries should be sealed")
	}
	if b.err == nil {
		t.Error("model-b entry should carry its error")
	}
	if len(b.pending) != 1 || b.pending[0] != "web_search" {
		t.Errorf("model-b pending: got %v, want [web_search]", b.pending)
	}
	if m.state != StateSelecting {
		t.Errorf("state: got %v, want StateSelecting", m.state)
	}
}

func TestModel_ConfigReloadSwapsConfig(t *testing.T) {
	m := newTestModel(t)

	next := config.Default()
	next.UI.ShowReasoning = false
	m.Update(ConfigReloadedMsg{Config: next})

	if m.cfg != next {
		t.Error("model should hold the reloaded config")
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func TestRunCommand_Help(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/help")

	if len(m.transcript) != 1 {
		t.Fatalf("transcript length: got %d, want 1", len(m.transcript))
	}
	if !strings.Contains(m.transcript[0].text.String(), "/select") {
		t.Error("help text should mention /select")
	}
}

func TestRunCommand_Unknown(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/bogus")

	if !strings.Contains(m.statusMsg, "unknown command") {
		t.Errorf("status: got %q, want unknown-command notice", m.statusMsg)
	}
}

func TestRunCommand_ModelUpdatesConversation(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/model llama3.1:8b")

	if m.modelName != "llama3.1:8b" {
		t.Errorf("modelName: got %q, want %q", m.modelName, "llama3.1:8b")
	}
	conv, err := m.eng.Conversation(m.convID)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if conv.Model != "llama3.1:8b" {
		t.Errorf("conversation model: got %q, want %q", conv.Model, "llama3.1:8b")
	}
}

func TestRunCommand_MultiSetsConversationModels(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/multi model-a, model-b")

	conv, err := m.eng.Conversation(m.convID)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if !conv.MultiModel {
		t.Error("conversation should be in multi-model mode")
	}
	if len(conv.ActiveModels) != 2 || conv.ActiveModels[0] != "model-a" || conv.ActiveModels[1] != "model-b" {
		t.Errorf("active models: got %v, want [model-a model-b]", conv.ActiveModels)
	}

	m.runCommand("/single")
	conv, _ = m.eng.Conversation(m.convID)
	if conv.MultiModel {
		t.Error("/single should clear multi-model mode")
	}
}

func TestRunCommand_MultiRequiresTwoModels(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/multi only-one")

	if !strings.Contains(m.statusMsg, "two or more") {
		t.Errorf("status: got %q, want a two-or-more notice", m.statusMsg)
	}
}

func TestRunCommand_SelectWithoutGroup(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/select 1")

	if !strings.Contains(m.statusMsg, "no response group") {
		t.Errorf("status: got %q, want a no-group notice", m.statusMsg)
	}
}

func TestRunCommand_OpenRequiresList(t *testing.T) {
	m := newTestModel(t)

	m.runCommand("/open 1")

	if !strings.Contains(m.statusMsg, "/list") {
		t.Errorf("status: got %q, want a run-/list-first notice", m.statusMsg)
	}
}

func TestRunCommand_NewResetsTranscript(t *testing.T) {
	m := newTestModel(t)
	oldID := m.convID

	placeholder := model.NewAssistantPlaceholder("qwen2.5:14b")
	m.Update(MessageCreatedMsg{Message: placeholder})
	m.runCommand("/new")

	if m.convID == oldID {
		t.Error("convID should change after /new")
	}
	if len(m.transcript) != 0 {
		t.Errorf("transcript length: got %d, want 0", len(m.transcript))
	}
	if m.state != StateReady {
		t.Errorf("state: got %v, want StateReady", m.state)
	}
}

func TestRunCommand_ListAndOpen(t *testing.T) {
	m := newTestModel(t)
	firstID := m.convID

	m.runCommand("/new")
	m.runCommand("/list")

	if len(m.listed) < 2 {
		t.Fatalf("listed conversations: got %d, want at least 2", len(m.listed))
	}

	// Find the first conversation's index and open it.
	idx := -1
	for i, id := range m.listed {
		if id == firstID {
			idx = i + 1
		}
	}
	if idx < 0 {
		t.Fatalf("first conversation %s missing from /list", firstID)
	}
	m.runCommand("/open " + strconv.Itoa(idx))

	if m.convID != firstID {
		t.Errorf("convID: got %s, want %s", m.convID, firstID)
	}
}
