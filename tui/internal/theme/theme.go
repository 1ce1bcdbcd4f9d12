// Package theme provides the Lip Gloss color palette and reusable styles
// for the termhub TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Session status colors.
var (
	ColorRunning = lipgloss.Color("#22c55e")
	ColorExited  = lipgloss.Color("#6b7280")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// Event kind colors.
var (
	ColorEvent   = lipgloss.Color("#2563eb")
	ColorConnect = lipgloss.Color("#7c3aed")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StatusColor returns the Lip Gloss color for a session status string.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return ColorRunning
	case "exited":
		return ColorExited
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a Unicode glyph representing a session status.
func StatusGlyph(status string) string {
	switch status {
	case "running":
		return "●"
	case "exited":
		return "✓"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
