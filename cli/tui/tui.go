package tui

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// Views with TUI support.
const (
	ViewStatus  = "status"
	ViewHistory = "history"
)

// SupportedTUIViews lists the views Run accepts.
func SupportedTUIViews() []string {
	return []string{ViewStatus, ViewHistory}
}

// IsTUISupported reports whether view has a TUI.
func IsTUISupported(view string) bool {
	return slices.Contains(SupportedTUIViews(), view)
}

// NewModel returns the model for view.
func NewModel(view string, data any) (tea.Model, error) {
	switch view {
	case ViewStatus:
		return NewStatusModel(data)
	case ViewHistory:
		return NewHistoryModel(data)
	default:
		return nil, fmt.Errorf("TUI mode is not supported for %s", view)
	}
}

// Run shows data until the user quits.
func Run(view string, data any) error {
	m, err := NewModel(view, data)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "scroll up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "scroll down")),
}

func helpLine() string {
	return HelpStyle.Render(fmt.Sprintf("%s %s • %s %s • %s %s",
		keys.Up.Help().Key, keys.Up.Help().Desc,
		keys.Down.Help().Key, keys.Down.Help().Desc,
		keys.Quit.Help().Key, keys.Quit.Help().Desc))
}
