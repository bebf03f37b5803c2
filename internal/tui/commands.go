// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui provides the terminal chat front end for parley.
package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/parley/internal/engine"
	"github.com/jeranaias/parley/internal/model"
)

const helpText = `Commands:
  /help              show this help
  /new               start a new conversation
  /list              list stored conversations
  /open <n>          open conversation n from the last /list
  /delete <n>        delete conversation n from the last /list
  /model <name>      switch the conversation's model
  /multi <a,b,...>   send the next messages to several models
  /single            return to single-model mode
  /select <n>        pick response n from the open group
  /cancel            cancel the turn in flight
  /quit              exit

Keys: Enter send, Esc/Ctrl+C cancel stream, Ctrl+C quit, PgUp/PgDn scroll`

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// runCommand parses and executes one slash command.
func (m *Model) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help":
		m.systemNote(helpText)

	case "/new":
		return m.cmdNew()

	case "/list":
		m.cmdList()

	case "/open":
		m.cmdOpen(args)

	case "/delete":
		m.cmdDelete(args)

	case "/model":
		m.cmdModel(args)

	case "/multi":
		m.cmdMulti(args)

	case "/single":
		m.cmdSingle()

	case "/select":
		return m.cmdSelect(args)

	case "/cancel":
		m.eng.Cancel(m.convID)
		m.statusMsg = "cancelled"

	case "/quit", "/exit":
		m.quitting = true
		m.eng.Close()
		return m, tea.Quit

	default:
		m.statusMsg = "unknown command " + cmd + " (/help)"
	}

	m.refreshViewport()
	return m, nil
}

func (m *Model) cmdNew() (tea.Model, tea.Cmd) {
	if m.state != StateReady && m.state != StateSelecting {
		m.eng.Cancel(m.convID)
	}
	m.eng.CloseConversation(m.convID)

	conv, err := m.eng.NewConversation()
	if err != nil {
		m.statusMsg = err.Error()
		return m, nil
	}
	m.convID = conv.ID
	m.modelName = conv.Model
	m.resetTranscript()
	m.statusMsg = "new conversation"
	m.refreshViewport()
	return m, nil
}

func (m *Model) cmdList() {
	metas, err := m.st.List()
	if err != nil {
		m.statusMsg = err.Error()
		return
	}
	if len(metas) == 0 {
		m.systemNote("no stored conversations")
		return
	}

	m.listed = m.listed[:0]
	var b strings.Builder
	b.WriteString("Conversations:\n")
	for i, meta := range metas {
		m.listed = append(m.listed, meta.ID)
		updated := time.Unix(meta.UpdatedAtUnix, 0).Format("Jan 02 15:04")
		fmt.Fprintf(&b, "  %d. %s  (%s, %d messages, %s)\n",
			i+1, meta.Title, meta.Model, meta.MessageCount, updated)
	}
	m.systemNote(strings.TrimRight(b.String(), "\n"))
}

func (m *Model) cmdOpen(args []string) {
	idx, ok := m.listIndex(args)
	if !ok {
		return
	}
	id := m.listed[idx]
	if id == m.convID {
		m.statusMsg = "already open"
		return
	}

	conv, err := m.eng.OpenConversation(id)
	if err != nil {
		m.statusMsg = err.Error()
		return
	}
	m.eng.CloseConversation(m.convID)
	m.convID = conv.ID
	m.modelName = conv.Model
	m.resetTranscript()
	m.replayConversation(conv)
	m.statusMsg = "opened " + conv.GetTitle()
}

func (m *Model) cmdDelete(args []string) {
	idx, ok := m.listIndex(args)
	if !ok {
		return
	}
	id := m.listed[idx]
	if id == m.convID {
		m.statusMsg = "cannot delete the open conversation"
		return
	}
	if err := m.st.Delete(id); err != nil {
		m.statusMsg = err.Error()
		return
	}
	m.statusMsg = "deleted"
}

func (m *Model) cmdModel(args []string) {
	if len(args) != 1 {
		m.statusMsg = "usage: /model <name>"
		return
	}
	if err := m.eng.SetModel(m.convID, args[0]); err != nil {
		m.statusMsg = err.Error()
		return
	}
	m.modelName = args[0]
	m.statusMsg = "model set to " + args[0]
}

func (m *Model) cmdMulti(args []string) {
	var models []string
	if len(args) > 0 {
		for _, part := range strings.Split(strings.Join(args, ","), ",") {
			if part = strings.TrimSpace(part); part != "" {
				models = append(models, part)
			}
		}
	} else {
		models = m.cfg.ActiveModels()
	}
	if len(models) < 2 {
		m.statusMsg = "usage: /multi <model,model,...> (two or more)"
		return
	}

	if err := m.eng.SetMultiModel(m.convID, true, models); err != nil {
		m.statusMsg = err.Error()
		return
	}
	m.statusMsg = "multi-model: " + strings.Join(models, ", ")
}

func (m *Model) cmdSingle() {
	if err := m.eng.SetMultiModel(m.convID, false, nil); err != nil {
		m.statusMsg = err.Error()
		return
	}
	m.statusMsg = "single-model mode"
}

func (m *Model) cmdSelect(args []string) (tea.Model, tea.Cmd) {
	if m.groupID == "" || len(m.groupEntries) == 0 {
		m.statusMsg = "no response group to select from"
		return m, nil
	}
	if len(args) != 1 {
		m.statusMsg = "usage: /select <n>"
		return m, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(m.groupEntries) {
		m.statusMsg = fmt.Sprintf("pick 1-%d", len(m.groupEntries))
		return m, nil
	}

	chosen := m.groupEntries[n-1]
	err = m.eng.SelectResponse(m.convID, m.groupID, chosen.messageID, turnCallbacks(m.program))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrGroupResolved):
			m.statusMsg = "group already resolved"
		default:
			m.statusMsg = err.Error()
		}
		return m, nil
	}

	for _, e := range m.groupEntries {
		e.winner = e == chosen
	}
	m.state = StateStreaming
	m.statusMsg = "selected " + chosen.modelID
	m.refreshViewport()
	return m, m.spinner.Tick
}

// =============================================================================
// HELPERS
// =============================================================================

// listIndex validates a 1-based index argument against the last /list.
func (m *Model) listIndex(args []string) (int, bool) {
	if len(m.listed) == 0 {
		m.statusMsg = "run /list first"
		return 0, false
	}
	if len(args) != 1 {
		m.statusMsg = "usage: expects one index"
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(m.listed) {
		m.statusMsg = fmt.Sprintf("pick 1-%d", len(m.listed))
		return 0, false
	}
	return n - 1, true
}

// systemNote appends an informational block to the transcript.
func (m *Model) systemNote(text string) {
	e := &entry{role: model.RoleSystem}
	e.text.WriteString(text)
	m.appendEntry(e)
	m.refreshViewport()
}

// replayConversation rebuilds the transcript from a stored conversation.
func (m *Model) replayConversation(conv *model.Conversation) {
	for _, msg := range conv.Messages {
		switch msg.Role {
		case model.RoleUser:
			e := &entry{role: model.RoleUser}
			e.text.WriteString(msg.Content)
			m.appendEntry(e)
		case model.RoleAssistant:
			e := &entry{messageID: msg.ID, role: model.RoleAssistant, modelID: msg.Model}
			e.text.WriteString(msg.Content)
			if m.cfg.UI.ShowReasoning && msg.Reasoning != "" {
				e.reasoning.WriteString(msg.Reasoning)
			}
			m.appendEntry(e)
			m.byMessage[msg.ID] = e
		case model.RoleTool:
			e := &entry{messageID: msg.ID, role: model.RoleTool, label: msg.Model}
			e.text.WriteString(msg.Preview(200))
			m.appendEntry(e)
		}
	}
	m.refreshViewport()
}
