package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autoqueue/internal/task"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("208"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	StyleWarning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)
)

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(s task.Status) string {
	switch s {
	case task.StatusInProgress:
		return StyleStatusRunning.Render("●")
	case task.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case task.StatusFailed:
		return StyleStatusFailed.Render("✗")
	case task.StatusBlocked:
		return StyleStatusBlocked.Render("⊘")
	case task.StatusPaused:
		return StyleStatusRunning.Render("‖")
	case task.StatusCancelled:
		return StyleStatusPending.Render("-")
	case task.StatusReady:
		return StyleStatusPending.Render("◌")
	default:
		return StyleStatusPending.Render("○")
	}
}
