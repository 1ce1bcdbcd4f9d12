// Package detail renders the session info flyout overlay.
package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/termhub/termhub/tui/internal/client"
	"github.com/termhub/termhub/tui/internal/theme"
)

const (
	panelWidth = 64
	labelWidth = 12
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)
)

// Model holds the state for the detail overlay.
type Model struct {
	Session *client.SessionInfo
	now     func() time.Time
}

// New creates a detail model for the given session.
func New(s *client.SessionInfo) Model {
	return Model{Session: s, now: time.Now}
}

// View renders the detail panel. Returns an empty string if no session is set.
func (m Model) View() string {
	if m.Session == nil {
		return ""
	}
	return stylePanel.Width(panelWidth).Render(m.renderInner(m.Session))
}

func (m Model) renderInner(s *client.SessionInfo) string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Session: "+DisplayName(s)) + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")

	writeRow(&b, "ID", truncate(s.ID, 40))
	status := string(s.Status)
	writeRow(&b, "Status", lipgloss.NewStyle().Foreground(theme.StatusColor(status)).Render(theme.StatusGlyph(status)+" "+status))
	if s.ExitCode != nil {
		writeRow(&b, "Exit Code", fmt.Sprintf("%d", *s.ExitCode))
	}

	b.WriteString("\n")

	writeRow(&b, "Command", truncate(commandLine(s), 46))
	if s.Cwd != "" {
		writeRow(&b, "Working Dir", truncate(s.Cwd, 46))
	}
	if s.PID != 0 {
		writeRow(&b, "PID", fmt.Sprintf("%d", s.PID))
	}
	if s.Cols > 0 && s.Rows > 0 {
		writeRow(&b, "Size", fmt.Sprintf("%dx%d", s.Cols, s.Rows))
	}
	if !s.CreatedAt.IsZero() {
		writeRow(&b, "Started", m.formatAge(s.CreatedAt))
	}

	b.WriteString("\n")
	b.WriteString(styleFooter.Render("[enter] attach  [d] delete  [esc] close"))
	return b.String()
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

// DisplayName returns a human-readable label for a session, preferring the
// title, then the command, then a truncated ID.
func DisplayName(s *client.SessionInfo) string {
	if s.Title != "" {
		return s.Title
	}
	if s.Command != "" {
		return s.Command
	}
	if len(s.ID) >= 8 {
		return s.ID[:8]
	}
	return s.ID
}

func commandLine(s *client.SessionInfo) string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

func truncate(s string, max int) string {
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max-1]) + "…"
}

func (m Model) formatAge(t time.Time) string {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	d := now().Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}
