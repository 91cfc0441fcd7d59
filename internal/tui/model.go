// Package tui is a terminal dashboard for a running queue. It follows the
// event bus and sends task controls back to the queue.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autoqueue/internal/config"
	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/task"
)

// Controller is the part of the queue the dashboard drives; *queue.Queue
// implements it.
type Controller interface {
	Cancel(id string) error
	Retry(id string) error
	Pause(id string) error
	Resume(id string) error
	Settings() queue.Settings
	ApplySettings(queue.Settings) error
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	paneCount
)

// DoneMsg tells the dashboard the queue has drained.
type DoneMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	control      Controller
	eventSub     <-chan events.Event
	status       string // result of the last control action
	width        int
	height       int
	quitting     bool
	done         bool
	showSettings bool
}

// New creates a new TUI model. It subscribes to all events from the bus; a
// nil cfg disables saving settings to disk.
func New(bus *events.Bus, ctl Controller, cfg *config.Config, globalPath, projectPath string) Model {
	m := Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		settingsPane: NewSettingsPaneModel(ctl, cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		control:      ctl,
		eventSub:     bus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form is modal.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
				if m.settingsPane.Saved() {
					s := m.control.Settings()
					m.status = fmt.Sprintf("settings applied: %d slots, %s", s.MaxConcurrentTasks, s.Algorithm)
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		case KeyCancel:
			m.act("cancel", m.control.Cancel)

		case KeyRetry:
			m.act("retry", m.control.Retry)

		case KeyPause:
			row, ok := m.taskPane.Row(m.taskPane.Selected())
			if ok && row.Status == task.StatusPaused {
				m.act("resume", m.control.Resume)
			} else {
				m.act("pause", m.control.Pause)
			}

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneProgress:
				m.progressPane, cmd = m.progressPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case DoneMsg:
		m.done = true

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskCreatedEvent, events.TaskStateChangedEvent, events.TaskRetryScheduledEvent,
		events.TaskBrokenDownEvent, events.CleanupTimeoutEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.QueueProgressEvent, events.QueueShutdownEvent, events.AlertEvent, events.OptimizationEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Not displayed; keep reading.
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		// Other messages (form internals, cursor blinks) go to the open form.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// act runs a control operation on the selected task and records the outcome.
func (m *Model) act(name string, op func(string) error) {
	id := m.taskPane.Selected()
	if id == "" {
		m.status = "no task selected"
		return
	}
	if err := op(id); err != nil {
		m.status = fmt.Sprintf("%s %s: %v", name, id, err)
		return
	}
	m.status = fmt.Sprintf("%s %s: ok", name, id)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())

	status := m.status
	if m.done {
		status = "queue drained, press q to exit"
	}
	if status != "" {
		status = StyleWarning.Render(status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, status, HelpView())
}

// computeLayout gives the task pane 65% of the width and the progress pane the
// rest, reserving two lines for the status and help bars.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}

// Status returns the result line of the last control action.
func (m Model) Status() string {
	return m.status
}

// Selected returns the ID of the selected task.
func (m Model) Selected() string {
	return m.taskPane.Selected()
}
