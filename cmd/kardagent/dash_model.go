package main

import (
	"context"
	"fmt"
	"time"

	"kardagent/pkg/eventlog"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// dashRefreshInterval is how often the dashboard re-reads the event database.
const dashRefreshInterval = 2 * time.Second

// eventTailSize is how many recent events the dashboard shows.
const eventTailSize = 12

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic data refresh from the event database.
type tickMsg time.Time

// sessionsMsg carries the active session rows.
type sessionsMsg []eventlog.Session

// eventsMsg carries the recent event tail, newest first.
type eventsMsg []eventlog.Event

// daemonMsg carries the daemon liveness read from the PID file.
type daemonMsg DaemonStatusValue

var (
	dashTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dashHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	dashMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dashUpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dashDownStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// tickCmd returns a command that sends a tickMsg after the refresh interval.
func tickCmd() tea.Cmd {
	return tea.Tick(dashRefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSessionsCmd returns a tea.Cmd that reads active sessions.
func fetchSessionsCmd(reader *eventlog.Reader) tea.Cmd {
	return func() tea.Msg {
		sessions, _ := reader.ActiveSessions(context.Background())
		return sessionsMsg(sessions)
	}
}

// fetchEventsCmd returns a tea.Cmd that reads the recent event tail.
func fetchEventsCmd(reader *eventlog.Reader) tea.Cmd {
	return func() tea.Msg {
		events, _ := reader.Recent(context.Background(), eventTailSize)
		return eventsMsg(events)
	}
}

// fetchDaemonCmd returns a tea.Cmd that checks daemon liveness.
func fetchDaemonCmd(pidPath string) tea.Cmd {
	return func() tea.Msg {
		status, _, _ := DaemonStatus(pidPath)
		return daemonMsg(status)
	}
}

// dashModel is the Bubble Tea model for the kardagent dashboard.
type dashModel struct {
	reader  *eventlog.Reader
	pidPath string

	daemon   DaemonStatusValue
	sessions table.Model
	events   []eventlog.Event

	width  int
	height int
}

// newDashModel creates the dashboard model with an empty sessions table.
func newDashModel(reader *eventlog.Reader, pidPath string) dashModel {
	columns := []table.Column{
		{Title: "Session", Width: 10},
		{Title: "Card", Width: 14},
		{Title: "Trigger", Width: 26},
		{Title: "Model", Width: 26},
		{Title: "Running", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return dashModel{
		reader:   reader,
		pidPath:  pidPath,
		daemon:   StatusStopped,
		sessions: t,
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(
		fetchDaemonCmd(m.pidPath),
		fetchSessionsCmd(m.reader),
		fetchEventsCmd(m.reader),
		tickCmd(),
	)
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case daemonMsg:
		m.daemon = DaemonStatusValue(msg)

	case sessionsMsg:
		m.sessions.SetRows(sessionRows(msg))

	case eventsMsg:
		m.events = msg

	case tickMsg:
		return m, tea.Batch(
			fetchDaemonCmd(m.pidPath),
			fetchSessionsCmd(m.reader),
			fetchEventsCmd(m.reader),
			tickCmd(),
		)
	}

	var cmd tea.Cmd
	m.sessions, cmd = m.sessions.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m dashModel) View() string {
	header := dashTitleStyle.Render("kardagent") + "  " + m.daemonLine()

	body := header + "\n\n" +
		dashHeaderStyle.Render("Active sessions") + "\n" +
		m.sessionsView() + "\n\n" +
		dashHeaderStyle.Render("Recent events") + "\n" +
		m.eventsView() + "\n\n" +
		dashMutedStyle.Render("q quit")

	return body
}

func (m dashModel) daemonLine() string {
	switch m.daemon {
	case StatusRunning:
		return dashUpStyle.Render("daemon running")
	case StatusStale:
		return dashDownStyle.Render("daemon stale")
	default:
		return dashDownStyle.Render("daemon stopped")
	}
}

func (m dashModel) sessionsView() string {
	if len(m.sessions.Rows()) == 0 {
		return dashMutedStyle.Render("  no active sessions")
	}
	return m.sessions.View()
}

func (m dashModel) eventsView() string {
	if len(m.events) == 0 {
		return dashMutedStyle.Render("  no events")
	}
	out := ""
	for _, e := range m.events {
		line := fmt.Sprintf("  %s  %-20s %-12s %s",
			e.CreatedAt.Format("15:04:05"), e.Type, e.CardID, e.Payload)
		out += line + "\n"
	}
	return out
}

// sessionRows converts active sessions into table rows.
func sessionRows(sessions []eventlog.Session) []table.Row {
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		trigger := s.RuleName
		if trigger == "" {
			trigger = "mention"
		}
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			s.CardID,
			trigger,
			s.Model,
			time.Since(s.StartedAt).Round(time.Second).String(),
		})
	}
	return rows
}
