// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui provides the terminal chat front end over the orchestration
// engine.
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// THEME
// =============================================================================

// Theme holds the styled components for the chat view.
type Theme struct {
	// Message labels
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	SystemLabel    lipgloss.Style
	ToolLabel      lipgloss.Style

	// Message bodies
	Reasoning lipgloss.Style
	ToolText  lipgloss.Style
	ErrorText lipgloss.Style
	Stats     lipgloss.Style
	Citation  lipgloss.Style

	// Multi-model response groups
	GroupHeader  lipgloss.Style
	EntryLabel   lipgloss.Style
	EntryWinner  lipgloss.Style
	EntryFailed  lipgloss.Style
	EntryPending lipgloss.Style

	// Chrome
	StatusBar lipgloss.Style
	StatusKey lipgloss.Style
	InputBox  lipgloss.Style
	Help      lipgloss.Style
}

// NewTheme builds the theme for the given UI theme name.
func NewTheme(name string) *Theme {
	var (
		user      = lipgloss.Color("12")
		assistant = lipgloss.Color("10")
		system    = lipgloss.Color("8")
		tool      = lipgloss.Color("11")
		errc      = lipgloss.Color("9")
		dim       = lipgloss.Color("241")
		accentBg  = lipgloss.Color("236")
	)
	if name == "light" {
		user = lipgloss.Color("4")
		assistant = lipgloss.Color("2")
		dim = lipgloss.Color("245")
		accentBg = lipgloss.Color("254")
	}

	return &Theme{
		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(user),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(assistant),
		SystemLabel:    lipgloss.NewStyle().Bold(true).Foreground(system),
		ToolLabel:      lipgloss.NewStyle().Bold(true).Foreground(tool),

		Reasoning: lipgloss.NewStyle().Foreground(dim).Italic(true),
		ToolText:  lipgloss.NewStyle().Foreground(dim),
		ErrorText: lipgloss.NewStyle().Foreground(errc),
		Stats:     lipgloss.NewStyle().Foreground(dim),
		Citation:  lipgloss.NewStyle().Foreground(dim).Underline(true),

		GroupHeader:  lipgloss.NewStyle().Bold(true).Foreground(tool),
		EntryLabel:   lipgloss.NewStyle().Bold(true).Foreground(user),
		EntryWinner:  lipgloss.NewStyle().Bold(true).Foreground(assistant),
		EntryFailed:  lipgloss.NewStyle().Bold(true).Foreground(errc),
		EntryPending: lipgloss.NewStyle().Foreground(tool),

		StatusBar: lipgloss.NewStyle().Background(accentBg).Foreground(lipgloss.Color("252")).Padding(0, 1),
		StatusKey: lipgloss.NewStyle().Bold(true),
		InputBox:  lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(dim).Padding(0, 1),
		Help:      lipgloss.NewStyle().Foreground(dim),
	}
}
