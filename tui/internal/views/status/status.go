package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/termhub/termhub/tui/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	Server    string
	Running   int
	Exited    int
	Width     int
}

// New creates a status bar model for the given server address.
func New(server string) Model {
	return Model{Server: server}
}

// SetCounts updates the session counts.
func (m *Model) SetCounts(running, exited int) {
	m.Running = running
	m.Exited = exited
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	counts := fmt.Sprintf("%d running", m.Running)
	if m.Exited > 0 {
		counts += fmt.Sprintf("  %d exited", m.Exited)
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + counts
	if m.Server != "" {
		content += sep + theme.StyleDimmed.Render(m.Server)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
