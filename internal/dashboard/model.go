// Package dashboard is the terminal view of a livescribe server: the live
// transcript of the active session above the history of completed ones.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/snarg/livescribe/internal/mirror"
	"github.com/snarg/livescribe/internal/session"

	tea "github.com/charmbracelet/bubbletea"
)

// Actions are the server calls the dashboard can make.
type Actions interface {
	Complete(ctx context.Context, sessionID string) (*session.Session, error)
	Remove(ctx context.Context, id string) (bool, error)
}

const actionTimeout = 10 * time.Second

// Model is the root bubbletea model.
type Model struct {
	actions Actions
	mirror  *mirror.Mirror
	server  string

	snap      mirror.Snapshot
	streaming bool
	selected  int // index into history()

	width  int
	height int

	errorMessage string
	busy         bool

	now func() time.Time
}

// New creates a dashboard over m. Completions and deletions go through
// actions and are applied to m when the server confirms them.
func New(actions Actions, m *mirror.Mirror, server string) Model {
	return Model{
		actions: actions,
		mirror:  m,
		server:  server,
		snap:    m.Snapshot(),
		now:     time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

func clearErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg { return clearErrorMsg{} })
}

func completeCmd(a Actions, sessionID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		s, err := a.Complete(ctx, sessionID)
		return completedMsg{session: s, err: err}
	}
}

func removeCmd(a Actions, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		ok, err := a.Remove(ctx, id)
		return removedMsg{id: id, deleted: ok, err: err}
	}
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case SnapshotMsg:
		m.snap = msg.Snapshot
		m.clampSelection()
		return m, nil

	case StreamStatusMsg:
		m.streaming = msg.Connected
		return m, nil

	case completedMsg:
		m.busy = false
		if msg.err != nil {
			return m.fail("stop failed", msg.err)
		}
		m.mirror.Apply(*msg.session)
		m.snap = m.mirror.Snapshot()
		return m, nil

	case removedMsg:
		m.busy = false
		if msg.err != nil {
			return m.fail("delete failed", msg.err)
		}
		m.mirror.Remove(msg.id)
		m.snap = m.mirror.Snapshot()
		m.clampSelection()
		return m, nil

	case clearErrorMsg:
		m.errorMessage = ""
		return m, nil

	case tickMsg:
		return m, tickCmd()
	}

	return m, nil
}

func (m Model) fail(what string, err error) (tea.Model, tea.Cmd) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		m.errorMessage = what + ": session no longer exists"
	case errors.Is(err, session.ErrUnavailable):
		m.errorMessage = what + ": server unavailable"
	default:
		m.errorMessage = what + ": " + err.Error()
	}
	return m, clearErrorCmd()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		return m, tea.Quit

	case "s":
		active := m.snap.Active()
		if active == nil || m.busy {
			return m, nil
		}
		m.busy = true
		return m, completeCmd(m.actions, active.SessionID)

	case "d":
		history := m.history()
		if m.selected >= len(history) || m.busy {
			return m, nil
		}
		m.busy = true
		return m, removeCmd(m.actions, history[m.selected].ID)

	case "j", "down":
		if m.selected < len(m.history())-1 {
			m.selected++
		}
		return m, nil

	case "k", "up":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	}

	return m, nil
}

// history is the completed sessions, newest first.
func (m Model) history() []session.Session {
	var out []session.Session
	for _, s := range m.snap.Sessions {
		if !s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

func (m *Model) clampSelection() {
	n := len(m.history())
	if m.selected >= n {
		m.selected = max(0, n-1)
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	divider := dividerStyle.Render(strings.Repeat("─", m.width))
	transcriptH, historyH := m.panelHeights()

	sections := []string{
		m.renderHeader(),
		divider,
		m.renderActive(transcriptH),
		divider,
		m.renderHistory(historyH),
		divider,
	}
	if m.errorMessage != "" {
		sections = append(sections, errorStyle.Render("Error: ")+errorTextStyle.Render(m.errorMessage))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) panelHeights() (int, int) {
	h := m.height
	if h == 0 {
		h = 24
	}
	// header, three dividers, error bar, footer
	body := max(6, h-6)
	historyH := max(3, body/3)
	return body - historyH, historyH
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("LIVESCRIBE") + dimStyle.Render(" "+m.server)

	var state string
	switch {
	case m.snap.Unavailable:
		state = errorTextStyle.Render("store unavailable")
		if !m.snap.LastSync.IsZero() {
			state += dimStyle.Render(" (last sync " + m.snap.LastSync.Format("15:04:05") + ")")
		}
	case !m.snap.Loaded:
		state = dimStyle.Render("loading...")
	default:
		state = onlineStyle.Render("connected")
	}
	if m.streaming {
		state += onlineStyle.Render(" +push")
	}
	return title + "  " + state
}

func (m Model) renderActive(height int) string {
	active := m.snap.Active()
	var lines []string

	if active == nil {
		lines = append(lines, idleDotStyle.Render("○ IDLE"))
		lines = append(lines, "")
		if m.snap.Loaded {
			lines = append(lines, dimStyle.Render("  No active transcription. Waiting for the device..."))
		}
		return padLines(lines, height)
	}

	header := liveDotStyle.Render("● LIVE") + " " + panelTitleStyle.Render(active.Title) +
		dimStyle.Render("  "+formatDuration(active.Duration(m.now())))
	lines = append(lines, truncateToWidth(header, m.width))

	body := wrapText(active.Transcript, max(10, m.width-4))
	visible := height - 1
	if len(body) > visible {
		body = body[len(body)-visible:]
	}
	for _, l := range body {
		lines = append(lines, "  "+transcriptStyle.Render(l))
	}
	return padLines(lines, height)
}

func (m Model) renderHistory(height int) string {
	history := m.history()
	lines := []string{panelTitleStyle.Render(fmt.Sprintf("HISTORY (%d)", len(history)))}

	if len(history) == 0 {
		lines = append(lines, dimStyle.Render("  No completed transcriptions"))
		return padLines(lines, height)
	}

	// Keep the selection in view.
	rows := height - 1
	start := 0
	if m.selected >= rows {
		start = m.selected - rows + 1
	}
	for i := start; i < len(history) && i < start+rows; i++ {
		s := history[i]
		meta := fmt.Sprintf("%s  %s", s.StartedAt.Local().Format("Jan 02 15:04"), formatDuration(s.Duration(m.now())))
		var line string
		if i == m.selected {
			line = selectedStyle.Render("> "+s.Title) + "  " + dimStyle.Render(meta)
		} else {
			line = "  " + s.Title + "  " + dimStyle.Render(meta)
		}
		lines = append(lines, truncateToWidth(line, m.width))
	}
	return padLines(lines, height)
}

func (m Model) renderFooter() string {
	var parts []string
	if m.snap.Active() != nil {
		parts = append(parts, footerKeyStyle.Render("s")+footerDescStyle.Render(" Stop"))
	}
	if len(m.history()) > 0 {
		parts = append(parts, footerKeyStyle.Render("j/k")+footerDescStyle.Render(" Select"))
		parts = append(parts, footerKeyStyle.Render("d")+footerDescStyle.Render(" Delete"))
	}
	parts = append(parts, footerKeyStyle.Render("q")+footerDescStyle.Render(" Quit"))
	return strings.Join(parts, "  ")
}

// Helpers

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	mins := int(d%time.Hour) / int(time.Minute)
	secs := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mins, secs)
	}
	return fmt.Sprintf("%d:%02d", mins, secs)
}

func padLines(lines []string, height int) string {
	for len(lines) < height {
		lines = append(lines, "")
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func truncateToWidth(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if len(runes) > width-1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	var current string
	for _, word := range strings.Fields(text) {
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
