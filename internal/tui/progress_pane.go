package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autoqueue/internal/events"
)

// maxActivity bounds the alert and optimizer lines kept for display.
const maxActivity = 8

// ProgressPaneModel shows queue counts, a progress bar and recent monitor and
// optimizer activity.
type ProgressPaneModel struct {
	progress events.QueueProgressEvent
	activity []string
	shutdown bool
	inFlight int
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.QueueProgressEvent:
		m.progress = msg

	case events.QueueShutdownEvent:
		m.shutdown = true
		m.inFlight = msg.InFlight

	case events.AlertEvent:
		style := StyleWarning
		switch msg.Level {
		case "critical":
			style = StyleStatusFailed
		case "ok":
			style = StyleStatusComplete
		}
		m.log(fmt.Sprintf("%s %s %s=%.2f", stamp(msg.Timestamp), style.Render(msg.Level), msg.Metric, msg.Value))

	case events.OptimizationEvent:
		m.log(fmt.Sprintf("%s %s %s", stamp(msg.Timestamp), msg.Action, msg.Kind))
	}

	return m, nil
}

func (m *ProgressPaneModel) log(line string) {
	m.activity = append(m.activity, line)
	if over := len(m.activity) - maxActivity; over > 0 {
		m.activity = m.activity[over:]
	}
}

// Finished counts tasks that will not run again.
func (m ProgressPaneModel) Finished() int {
	p := m.progress
	return p.Completed + p.Failed + p.Cancelled
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	p := m.progress

	title := StyleTitle.Render("Queue Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Blocked:   %s\n", StyleStatusBlocked.Render(fmt.Sprint(p.Blocked)))
	fmt.Fprintf(&b, "Waiting:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending+p.Ready)))
	if p.Cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled: %d\n", p.Cancelled)
	}
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (p.Completed * barWidth) / p.Total
		failedWidth := ((p.Failed + p.Blocked) * barWidth) / p.Total
		runningWidth := (p.Running * barWidth) / p.Total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, m.Finished(), p.Total)
	}

	if m.shutdown {
		b.WriteString("\n")
		b.WriteString(StyleWarning.Render(fmt.Sprintf("shutting down, %d in flight", m.inFlight)))
		b.WriteString("\n")
	}

	if len(m.activity) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Activity"))
		b.WriteString("\n")
		b.WriteString(strings.Join(m.activity, "\n"))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
