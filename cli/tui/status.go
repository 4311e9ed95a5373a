package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/daybreak/pipeline"
)

// RunState summarizes a run for display: in_progress, stale, completed,
// failed, pending or resumable.
func RunState(s *pipeline.Status) string {
	switch {
	case s.InFlight:
		return "in_progress"
	case s.Stale:
		return "stale"
	case s.Completed:
		return "completed"
	}
	for _, st := range s.Steps {
		if st.State == pipeline.StepFailed {
			return "failed"
		}
	}
	if s.Cursor == "not_started" {
		return "pending"
	}
	return "resumable"
}

// StatusModel shows one run's steps with its failure journal in a
// scrollable viewport.
type StatusModel struct {
	status   *pipeline.Status
	journal  viewport.Model
	ready    bool
	quitting bool
}

// NewStatusModel creates the status view for a *pipeline.Status.
func NewStatusModel(data any) (StatusModel, error) {
	s, ok := data.(*pipeline.Status)
	if !ok || s == nil {
		return StatusModel{}, fmt.Errorf("status view needs *pipeline.Status, got %T", data)
	}
	return StatusModel{status: s}, nil
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		used := strings.Count(m.header(), "\n") + 8
		height := max(msg.Height-used, 3)
		if !m.ready {
			m.journal = viewport.New(msg.Width-4, height)
			m.journal.SetContent(m.journalText())
			m.ready = true
		} else {
			m.journal.Width = msg.Width - 4
			m.journal.Height = height
		}
		return m, nil
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.journal, cmd = m.journal.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}
	journal := m.journalText()
	if m.ready {
		journal = m.journal.View()
	}
	return BoxStyle.Render(m.header()) + "\n" +
		JournalStyle.Render(TitleStyle.Render("Journal")+"\n"+journal) + "\n" +
		helpLine()
}

func (m StatusModel) header() string {
	s := m.status
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Run " + s.Key.String()))
	b.WriteString("\n")

	state := RunState(s)
	rows := [][2]string{
		{"Cursor", s.Cursor},
		{"State", StateStyle(state).Render(state)},
	}
	if s.Base != "" {
		rows = append(rows, [2]string{"Base", s.Base})
	}
	if s.CreatedAt != nil {
		rows = append(rows, [2]string{"Created", s.CreatedAt.Format(time.DateTime)})
	}
	if s.Lease != nil {
		rows = append(rows, [2]string{"Lease", s.Lease.Handle + " (" + s.Lease.ModelVersion + ")"})
	}
	if len(s.Bucket) > 0 {
		rows = append(rows, [2]string{"Bucket", strings.Join(s.Bucket, ", ")})
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1]))
	}

	b.WriteString("\n")
	for _, st := range s.Steps {
		persona := st.Persona
		if persona == "" {
			persona = "-"
		}
		fmt.Fprintf(&b, "%d. %-24s %-14s %s\n", st.Ordinal, st.Name, persona,
			StateStyle(string(st.State)).Render(string(st.State)))
	}
	return b.String()
}

func (m StatusModel) journalText() string {
	if len(m.status.Journal) == 0 {
		return HelpStyle.Render("(no failures recorded)")
	}
	var b strings.Builder
	for _, e := range m.status.Journal {
		fmt.Fprintf(&b, "%s %s [%s]\n  %s\n",
			e.RecordedAt.Format(time.DateTime), e.Step, ErrorStyle.Render(e.Kind), e.Message)
	}
	return b.String()
}
