package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/daybreak/history"
)

// HistoryModel lists run reports, latest first.
type HistoryModel struct {
	reports  []history.Report
	list     viewport.Model
	ready    bool
	quitting bool
}

// NewHistoryModel creates the history view for a []history.Report.
func NewHistoryModel(data any) (HistoryModel, error) {
	reps, ok := data.([]history.Report)
	if !ok {
		return HistoryModel{}, fmt.Errorf("history view needs []history.Report, got %T", data)
	}
	return HistoryModel{reports: reps}, nil
}

// Init implements tea.Model.
func (m HistoryModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m HistoryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-6, 3)
		if !m.ready {
			m.list = viewport.New(msg.Width, height)
			m.list.SetContent(m.rows())
			m.ready = true
		} else {
			m.list.Width = msg.Width
			m.list.Height = height
		}
		return m, nil
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m HistoryModel) View() string {
	if m.quitting {
		return ""
	}
	body := m.rows()
	if m.ready {
		body = m.list.View()
	}
	title := TitleStyle.Render(fmt.Sprintf("Run history (%d)", len(m.reports)))
	return title + "\n" + body + "\n" + helpLine()
}

func (m HistoryModel) rows() string {
	if len(m.reports) == 0 {
		return HelpStyle.Render("(no results)")
	}
	var b strings.Builder
	for _, r := range m.reports {
		status := string(r.Status)
		fmt.Fprintf(&b, "%s  %-12s %-20s %-12s %s  %s  %s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Session, r.Pipeline, r.Instance,
			StateStyle(status).Render(fmt.Sprintf("%-17s", status)), r.Cursor,
			(time.Duration(r.DurationMS) * time.Millisecond).String())
		if r.Error != "" {
			fmt.Fprintf(&b, "    %s\n", ErrorStyle.Render(r.Error))
		}
	}
	return b.String()
}
