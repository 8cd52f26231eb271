// Package theme holds the lipgloss styles of the three-pane layout.
package theme

import "github.com/charmbracelet/lipgloss"

// Theme is one named style set.
type Theme struct {
	Name string

	RosterBorder  lipgloss.Style
	RosterItem    lipgloss.Style
	RosterCurrent lipgloss.Style
	RosterUnread  lipgloss.Style
	RosterOffline lipgloss.Style

	ChatBorder    lipgloss.Style
	ChatTimestamp lipgloss.Style
	ChatIn        lipgloss.Style
	ChatOut       lipgloss.Style
	ChatInfo      lipgloss.Style
	ChatError     lipgloss.Style
	ChatHighlight lipgloss.Style

	LogBorder lipgloss.Style
	LogLine   lipgloss.Style

	StatusBar lipgloss.Style
	InputLine lipgloss.Style
}

// Default is the standard terminal-friendly theme.
func Default() *Theme {
	border := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("8"))

	return &Theme{
		Name: "default",

		RosterBorder:  border,
		RosterItem:    lipgloss.NewStyle(),
		RosterCurrent: lipgloss.NewStyle().Reverse(true),
		RosterUnread:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		RosterOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),

		ChatBorder:    border,
		ChatTimestamp: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		ChatIn:        lipgloss.NewStyle(),
		ChatOut:       lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		ChatInfo:      lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		ChatError:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		ChatHighlight: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),

		LogBorder: border,
		LogLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),

		StatusBar: lipgloss.NewStyle().Reverse(true),
		InputLine: lipgloss.NewStyle(),
	}
}

// ByName resolves a configured theme name, falling back to the default.
func ByName(name string) *Theme {
	switch name {
	default:
		return Default()
	}
}
