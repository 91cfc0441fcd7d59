package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/task"
)

// listWidth is the width of the task list column.
const listWidth = 28

// TaskRow is what the pane knows about one task, built from bus events.
type TaskRow struct {
	ID       string
	Title    string
	Priority string
	Status   task.Status
	History  []string
	Started  time.Time
	Duration time.Duration
}

// TaskPaneModel lists tasks with their status and shows the selected task's
// history in a scrollable viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskRow
	order       []string // admission order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskRow),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskCreatedEvent:
		row := m.row(msg.ID)
		row.Title = msg.Title
		row.Priority = msg.Priority
		row.History = append(row.History, fmt.Sprintf("%s admitted (%s priority)", stamp(msg.Timestamp), msg.Priority))
		return m, m.touched(msg.ID)

	case events.TaskStateChangedEvent:
		row := m.row(msg.ID)
		row.Status = task.Status(msg.To)
		switch row.Status {
		case task.StatusInProgress:
			if row.Started.IsZero() {
				row.Started = msg.Timestamp
			}
		case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
			if !row.Started.IsZero() {
				row.Duration = msg.Timestamp.Sub(row.Started)
			}
		}
		line := fmt.Sprintf("%s %s → %s", stamp(msg.Timestamp), msg.From, msg.To)
		if msg.Reason != "" {
			line += ": " + msg.Reason
		}
		if msg.Forced {
			line += " (forced)"
		}
		row.History = append(row.History, line)
		return m, m.touched(msg.ID)

	case events.TaskRetryScheduledEvent:
		row := m.row(msg.ID)
		row.History = append(row.History, fmt.Sprintf("%s retry %d in %s", stamp(msg.Timestamp), msg.Attempt, msg.Delay))
		return m, m.touched(msg.ID)

	case events.TaskBrokenDownEvent:
		row := m.row(msg.ID)
		row.History = append(row.History, fmt.Sprintf("%s split into %s", stamp(msg.Timestamp), strings.Join(msg.Subtasks, ", ")))
		return m, m.touched(msg.ID)

	case events.CleanupTimeoutEvent:
		row := m.row(msg.ID)
		row.History = append(row.History, fmt.Sprintf("%s cleanup overran %s", stamp(msg.Timestamp), msg.Timeout))
		return m, m.touched(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// row returns the row for id, adding it on first sight.
func (m *TaskPaneModel) row(id string) *TaskRow {
	r, ok := m.tasks[id]
	if !ok {
		r = &TaskRow{ID: id, Title: id, Status: task.StatusPending}
		m.tasks[id] = r
		m.order = append(m.order, id)
		if len(m.order) == 1 {
			m.selectedIdx = 0
			m.updateViewportContent()
		}
	}
	return r
}

// touched schedules a debounced viewport refresh when id is on screen.
func (m *TaskPaneModel) touched(id string) tea.Cmd {
	if m.Selected() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.order)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		row := m.tasks[id]
		name := row.Title
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(row.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// Selected returns the ID of the selected task, or "".
func (m TaskPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Row returns a copy of the row for id.
func (m TaskPaneModel) Row(id string) (TaskRow, bool) {
	r, ok := m.tasks[id]
	if !ok {
		return TaskRow{}, false
	}
	return *r, true
}

func (m *TaskPaneModel) updateViewportContent() {
	row, ok := m.tasks[m.Selected()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", StyleTitle.Render(row.Title))
	fmt.Fprintf(&b, "id:       %s\n", row.ID)
	fmt.Fprintf(&b, "status:   %s %s\n", StatusIcon(row.Status), row.Status)
	if row.Priority != "" {
		fmt.Fprintf(&b, "priority: %s\n", row.Priority)
	}
	if row.Duration > 0 {
		fmt.Fprintf(&b, "ran for:  %s\n", row.Duration.Round(time.Millisecond))
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(row.History, "\n"))

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Format(time.TimeOnly)
}
