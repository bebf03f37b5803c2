// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui provides the terminal chat front end for parley.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/engine"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/store"
)

// =============================================================================
// VIEW STATE
// =============================================================================

// State represents the current state of the chat view.
type State int

const (
	StateReady     State = iota // Ready for input
	StateStreaming              // One model stream in flight
	StateDispatch               // Multi-model group in flight
	StateSelecting              // Group resolved, awaiting /select
)

// entry is one rendered block of the transcript. Streaming entries
// accumulate text in place as chunk messages arrive.
type entry struct {
	messageID string
	role      model.Role
	modelID   string
	label     string

	text      strings.Builder
	reasoning strings.Builder
	streaming bool
	err       error

	// Multi-model entries carry a selection index (1-based).
	groupIndex int
	pending    []string // deferred tool call names
	winner     bool
}

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat session.
type Model struct {
	eng *engine.Engine
	st  store.MessageStore
	cfg *config.Config

	program sender

	convID    string
	modelName string

	state      State
	transcript []*entry
	byMessage  map[string]*entry

	// Active response group
	groupID      string
	groupEntries []*entry

	// Conversation IDs from the last /list, for /open and /delete by index
	listed []string

	theme    *Theme
	renderer *glamour.TermRenderer

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	width  int
	height int
	ready  bool

	statusMsg string
	quitting  bool
}

// New creates the chat model over an engine and its store. Call SetProgram
// before the program runs so engine callbacks can reach the update loop.
func New(eng *engine.Engine, st store.MessageStore, cfg *config.Config) (*Model, error) {
	conv, err := eng.NewConversation()
	if err != nil {
		return nil, err
	}

	input := textinput.New()
	input.Placeholder = "Message (/help for commands)"
	input.Focus()
	input.CharLimit = 8192

	sp := spinner.New(spinner.WithSpinner(spinner.MiniDot))

	return &Model{
		eng:       eng,
		st:        st,
		cfg:       cfg,
		convID:    conv.ID,
		modelName: conv.Model,
		theme:     NewTheme(cfg.UI.Theme),
		byMessage: make(map[string]*entry),
		input:     input,
		spinner:   sp,
	}, nil
}

// SetProgram wires the running program in for callback delivery.
func (m *Model) SetProgram(p sender) {
	m.program = p
}

// ConversationID returns the active conversation's ID.
func (m *Model) ConversationID() string {
	return m.convID
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)
	case tea.KeyMsg:
		return m.handleKey(msg)
	case spinner.TickMsg:
		if m.state == StateReady {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ChunkMsg:
		if e := m.byMessage[msg.MessageID]; e != nil {
			e.text.WriteString(msg.Text)
			m.refreshViewport()
		}
		return m, nil
	case ReasoningMsg:
		if e := m.byMessage[msg.MessageID]; e != nil && m.cfg.UI.ShowReasoning {
			e.reasoning.WriteString(msg.Text)
			m.refreshViewport()
		}
		return m, nil
	case ToolCallMsg:
		m.statusMsg = "running tool " + msg.Name
		m.refreshViewport()
		return m, nil
	case MessageCreatedMsg:
		m.handleMessageCreated(msg.Message)
		return m, nil
	case TurnCompleteMsg:
		return m.handleTurnComplete()
	case TurnErrorMsg:
		return m.handleTurnError(msg.Err)

	case GroupCreatedMsg:
		m.handleGroupCreated(msg.Group)
		return m, nil
	case ModelChunkMsg:
		if e := m.byMessage[msg.MessageID]; e != nil {
			e.text.WriteString(msg.Text)
			m.refreshViewport()
		}
		return m, nil
	case ModelCompleteMsg:
		m.finishGroupEntry(msg.ModelID, nil)
		return m, nil
	case ModelErrorMsg:
		m.finishGroupEntry(msg.ModelID, msg.Err)
		return m, nil
	case PendingToolMsg:
		for _, e := range m.groupEntries {
			if e.modelID == msg.ModelID {
				e.pending = append(e.pending, msg.Name)
			}
		}
		m.refreshViewport()
		return m, nil
	case GroupCompleteMsg:
		m.state = StateSelecting
		m.statusMsg = "group complete; /select <n> to choose a response"
		m.refreshViewport()
		return m, nil

	case ConfigReloadedMsg:
		m.cfg = msg.Config
		m.eng.SetConfig(msg.Config)
		m.statusMsg = "configuration reloaded"
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	chromeHeight := 4 // input box + status bar
	if !m.ready {
		m.viewport = viewport.New(msg.Width, msg.Height-chromeHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - chromeHeight
	}
	m.input.Width = msg.Width - 6

	if m.cfg.UI.Markdown {
		style := "dark"
		if m.cfg.UI.Theme == "light" {
			style = "light"
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(msg.Width-4),
		)
		if err == nil {
			m.renderer = renderer
		}
	}

	m.refreshViewport()
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.state == StateStreaming || m.state == StateDispatch {
			m.eng.Cancel(m.convID)
			return m, nil
		}
		m.quitting = true
		m.eng.Close()
		return m, tea.Quit

	case tea.KeyEsc:
		if m.state == StateStreaming || m.state == StateDispatch {
			m.eng.Cancel(m.convID)
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil
	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		if strings.HasPrefix(text, "/") {
			return m.runCommand(text)
		}
		return m.sendMessage(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// SENDING
// =============================================================================

func (m *Model) sendMessage(text string) (tea.Model, tea.Cmd) {
	models := m.activeModels()
	multi := len(models) >= 2

	var err error
	if multi {
		err = m.eng.SendMessageMulti(m.convID, text, models, groupCallbacks(m.program))
	} else {
		err = m.eng.SendMessage(m.convID, text, turnCallbacks(m.program))
	}
	if err != nil {
		if err == engine.ErrTurnActive {
			m.statusMsg = "previous turn cancelled; send again"
			return m, nil
		}
		m.statusMsg = err.Error()
		return m, nil
	}

	userEntry := &entry{role: model.RoleUser}
	userEntry.text.WriteString(text)
	m.appendEntry(userEntry)

	if multi {
		m.state = StateDispatch
	} else {
		m.state = StateStreaming
	}
	m.statusMsg = ""
	m.refreshViewport()
	return m, m.spinner.Tick
}

// activeModels returns the model list for dispatch, favoring the
// conversation's settings over the config defaults.
func (m *Model) activeModels() []string {
	conv, err := m.eng.Conversation(m.convID)
	if err != nil {
		return nil
	}
	if !conv.MultiModel {
		return []string{conv.Model}
	}
	if len(conv.ActiveModels) >= 2 {
		return conv.ActiveModels
	}
	return m.cfg.ActiveModels()
}

// =============================================================================
// ENGINE EVENT HANDLING
// =============================================================================

func (m *Model) handleMessageCreated(msg *model.Message) {
	switch msg.Role {
	case model.RoleAssistant:
		e := &entry{
			messageID: msg.ID,
			role:      model.RoleAssistant,
			modelID:   msg.Model,
			streaming: true,
		}
		m.appendEntry(e)
		m.byMessage[msg.ID] = e
	case model.RoleTool:
		e := &entry{messageID: msg.ID, role: model.RoleTool, label: msg.Model}
		e.text.WriteString(msg.Preview(200))
		m.appendEntry(e)
	}
	m.refreshViewport()
}

func (m *Model) handleTurnComplete() (tea.Model, tea.Cmd) {
	m.state = StateReady
	m.statusMsg = ""
	m.sealStreamingEntries()
	m.refreshViewport()
	return m, nil
}

func (m *Model) handleTurnError(err error) (tea.Model, tea.Cmd) {
	m.state = StateReady
	m.statusMsg = ""
	m.sealStreamingEntries()
	m.appendEntry(&entry{role: model.RoleSystem, err: err})
	m.refreshViewport()
	return m, nil
}

func (m *Model) handleGroupCreated(group *model.ResponseGroup) {
	m.groupID = group.ID
	m.groupEntries = m.groupEntries[:0]
	for i, ge := range group.Entries {
		e := &entry{
			messageID:  ge.MessageID,
			role:       model.RoleAssistant,
			modelID:    ge.ModelName,
			streaming:  true,
			groupIndex: i + 1,
		}
		m.appendEntry(e)
		m.byMessage[ge.MessageID] = e
		m.groupEntries = append(m.groupEntries, e)
	}
	m.refreshViewport()
}

func (m *Model) finishGroupEntry(modelID string, err error) {
	for _, e := range m.groupEntries {
		if e.modelID == modelID {
			e.streaming = false
			e.err = err
		}
	}
	m.refreshViewport()
}

func (m *Model) sealStreamingEntries() {
	for _, e := range m.transcript {
		e.streaming = false
	}
}

func (m *Model) appendEntry(e *entry) {
	m.transcript = append(m.transcript, e)
}

// resetTranscript clears the rendered transcript for a fresh conversation.
func (m *Model) resetTranscript() {
	m.transcript = nil
	m.byMessage = make(map[string]*entry)
	m.groupID = ""
	m.groupEntries = nil
	m.state = StateReady
}

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.theme.InputBox.Width(max(m.width-2, 10)).Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	return b.String()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m *Model) renderTranscript() string {
	var b strings.Builder
	for _, e := range m.transcript {
		b.WriteString(m.renderEntry(e))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderEntry(e *entry) string {
	var b strings.Builder

	switch e.role {
	case model.RoleUser:
		b.WriteString(m.theme.UserLabel.Render("You"))
		b.WriteString("\n")
		b.WriteString(e.text.String())
		b.WriteString("\n")

	case model.RoleAssistant:
		b.WriteString(m.renderAssistantHeader(e))
		b.WriteString("\n")
		if e.reasoning.Len() > 0 && m.cfg.UI.ShowReasoning {
			b.WriteString(m.theme.Reasoning.Render(e.reasoning.String()))
			b.WriteString("\n")
		}
		b.WriteString(m.renderBody(e))
		b.WriteString("\n")
		for _, name := range e.pending {
			b.WriteString(m.theme.EntryPending.Render("  tool call deferred: " + name))
			b.WriteString("\n")
		}
		if e.err != nil {
			b.WriteString(m.theme.ErrorText.Render("  error: " + e.err.Error()))
			b.WriteString("\n")
		}

	case model.RoleTool:
		b.WriteString(m.theme.ToolLabel.Render("Tool " + e.label))
		b.WriteString("\n")
		b.WriteString(m.theme.ToolText.Render(e.text.String()))
		b.WriteString("\n")

	case model.RoleSystem:
		if e.err != nil {
			b.WriteString(m.theme.ErrorText.Render("error: " + e.err.Error()))
		} else {
			b.WriteString(m.theme.SystemLabel.Render(e.text.String()))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func (m *Model) renderAssistantHeader(e *entry) string {
	name := e.modelID
	if name == "" {
		name = "Assistant"
	}
	label := name
	if e.groupIndex > 0 {
		label = fmt.Sprintf("[%d] %s", e.groupIndex, name)
	}

	style := m.theme.AssistantLabel
	switch {
	case e.winner:
		style = m.theme.EntryWinner
		label += " (selected)"
	case e.err != nil:
		style = m.theme.EntryFailed
	case e.streaming:
		label += " " + m.spinner.View()
	}
	return style.Render(label)
}

func (m *Model) renderBody(e *entry) string {
	text := e.text.String()
	if text == "" && e.streaming {
		return m.theme.Help.Render("...")
	}
	// Markdown rendering waits for the stream to settle; partial markdown
	// renders badly.
	if !e.streaming && m.renderer != nil {
		if out, err := m.renderer.Render(text); err == nil {
			return strings.TrimRight(out, "\n")
		}
	}
	return text
}

func (m *Model) statusLine() string {
	var parts []string
	parts = append(parts, m.theme.StatusKey.Render(m.modelName))

	switch m.state {
	case StateStreaming:
		parts = append(parts, "streaming "+m.spinner.View())
	case StateDispatch:
		parts = append(parts, "dispatching "+m.spinner.View())
	case StateSelecting:
		parts = append(parts, "/select <n>")
	}
	if m.statusMsg != "" {
		parts = append(parts, m.statusMsg)
	}

	line := strings.Join(parts, "  |  ")
	if m.width > 4 {
		line = runewidth.Truncate(line, m.width-2, "…")
	}
	return m.theme.StatusBar.Width(max(m.width, 10)).Render(line)
}

