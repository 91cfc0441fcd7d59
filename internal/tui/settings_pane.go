package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autoqueue/internal/config"
	"github.com/aristath/autoqueue/internal/queue"
)

// Save targets.
const (
	SaveNone    = "none"
	SaveGlobal  = "global"
	SaveProject = "project"
)

// SettingsPaneModel edits the live queue tunables and optionally writes them
// to a config file.
type SettingsPaneModel struct {
	form        *huh.Form
	control     Controller
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings
	saveTarget    string
	maxConcurrent string
	algorithm     string
}

// NewSettingsPaneModel creates a settings pane for ctl. A nil cfg disables
// saving.
func NewSettingsPaneModel(ctl Controller, cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		control:     ctl,
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.reset()
	return m
}

// reset loads the current settings into the form fields and rebuilds it.
func (m *SettingsPaneModel) reset() {
	s := m.control.Settings()
	m.saveTarget = SaveNone
	m.maxConcurrent = strconv.Itoa(s.MaxConcurrentTasks)
	m.algorithm = string(s.Algorithm)
	m.buildForm()
}

func (m *SettingsPaneModel) buildForm() {
	algos := make([]huh.Option[string], 0, 4)
	for _, a := range queue.Algorithms() {
		algos = append(algos, huh.NewOption(string(a), string(a)))
	}

	targets := []huh.Option[string]{huh.NewOption("This session only", SaveNone)}
	if m.config != nil && m.globalPath != "" {
		targets = append(targets, huh.NewOption("Global ("+m.globalPath+")", SaveGlobal))
	}
	if m.config != nil && m.projectPath != "" {
		targets = append(targets, huh.NewOption("Project ("+m.projectPath+")", SaveProject))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrent").
				Title("Max Concurrent Tasks").
				Value(&m.maxConcurrent).
				Validate(validateConcurrency),

			huh.NewSelect[string]().
				Key("algorithm").
				Title("Scheduling Algorithm").
				Options(algos...).
				Value(&m.algorithm),
		).Title("Queue"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(targets...).
				Value(&m.saveTarget),
		).Title("Save Target"),
	)
}

func validateConcurrency(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("enter a positive whole number")
	}
	return nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.commit()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// commit applies the form values to the queue and saves them when a target
// file was chosen.
func (m *SettingsPaneModel) commit() error {
	n, err := strconv.Atoi(m.maxConcurrent)
	if err != nil {
		return fmt.Errorf("max concurrent tasks: %w", err)
	}
	next := m.control.Settings()
	next.MaxConcurrentTasks = n
	next.Algorithm = queue.Algorithm(m.algorithm)
	if err := m.control.ApplySettings(next); err != nil {
		return err
	}

	path := ""
	switch m.saveTarget {
	case SaveGlobal:
		path = m.globalPath
	case SaveProject:
		path = m.projectPath
	}
	if path == "" || m.config == nil {
		return nil
	}
	m.config.Queue.MaxConcurrentTasks = n
	m.config.Queue.Algorithm = m.algorithm
	return config.Save(m.config, path)
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error applying settings: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Queue Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it reloads the
// current settings.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.reset()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was applied.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
