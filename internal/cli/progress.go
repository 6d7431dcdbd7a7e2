package cli

import (
	"cmp"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/tracker"
)

// maxListedJobs caps the job lines shown in the live view.
const maxListedJobs = 12

// Theme holds the color scheme for the live views.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Warning lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Warning: lipgloss.Color("#FFAF00"), // amber
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// styleFor picks the style for a job status.
func (t Theme) styleFor(s models.JobStatus) lipgloss.Style {
	switch s {
	case models.JobStatusCompleted:
		return t.completedStyle()
	case models.JobStatusFailed, models.JobStatusRejected:
		return t.errorStyle()
	case models.JobStatusPaused, models.JobStatusAwaitingApproval:
		return t.warningStyle()
	}
	return t.statusStyle()
}

// jobReader is the read side of the store the view renders from.
type jobReader interface {
	Jobs(key models.Key) []models.Job
	MonitoredJobs(key models.Key) []models.Job
	Job(key models.Key, id string) (models.Job, bool)
	Aggregate(key models.Key) models.AggregateStatus
}

// storeUpdateMsg signals that the watched key changed.
type storeUpdateMsg struct{}

// subscriptionClosedMsg signals that the tracker shut down.
type subscriptionClosedMsg struct{}

// jobsViewModel is the bubbletea model for the live job view.
type jobsViewModel struct {
	store    jobReader
	key      models.Key
	jobID    string
	updates  <-chan models.Key
	jobs     []models.Job
	agg      models.AggregateStatus
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newJobsViewModel creates the live view for key. With jobID set the view
// exits once that job is terminal.
func newJobsViewModel(store jobReader, key models.Key, jobID string, updates <-chan models.Key) jobsViewModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	m := jobsViewModel{
		store:    store,
		key:      key,
		jobID:    jobID,
		updates:  updates,
		progress: prog,
		theme:    defaultTheme,
	}
	m.refresh()
	return m
}

func (m *jobsViewModel) refresh() {
	m.jobs = m.store.Jobs(m.key)
	m.agg = m.store.Aggregate(m.key)
}

// Init starts listening for store changes.
func (m jobsViewModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForUpdate(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m jobsViewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case storeUpdateMsg:
		m.refresh()
		if m.jobID != "" {
			if job, ok := m.store.Job(m.key, m.jobID); ok && job.Status.Terminal() {
				m.done = true
				if job.Status == models.JobStatusFailed {
					m.err = fmt.Errorf("%s", cmp.Or(job.Error, "job failed with unknown error"))
				}
				return m, tea.Quit
			}
		}
		return m, m.waitForUpdate()

	case subscriptionClosedMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the live view.
func (m jobsViewModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m jobsViewModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	monitored := m.store.MonitoredJobs(m.key)
	finished := 0
	for _, j := range monitored {
		if j.Status.Terminal() {
			finished++
		}
	}
	var pct float64
	if len(monitored) > 0 {
		pct = float64(finished) / float64(len(monitored))
	}

	var b strings.Builder
	header := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", aggregateLabel(m.agg)))
	fmt.Fprintf(&b, "%s %s %s %d/%d finished\n\n", header, m.key.Scope, m.progress.ViewAs(pct), finished, len(monitored))

	for i, j := range m.jobs {
		if i == maxListedJobs {
			fmt.Fprintf(&b, "  … and %d more\n", len(m.jobs)-maxListedJobs)
			break
		}
		label := j.Name
		if label == "" {
			label = j.ID
		}
		fmt.Fprintf(&b, "  %-40s %s\n", label, m.theme.styleFor(j.Status).Render(string(j.Status)))
	}

	b.WriteString("\n" + m.theme.hintStyle().Render("Press q to stop watching") + "\n")
	return b.String()
}

func (m jobsViewModel) finalView() string {
	if m.quitting {
		if m.jobID != "" {
			msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'kvasir jobs show %s --type %s' to check status.\n",
				m.jobID, m.jobID, m.key.Scope)
			return m.theme.hintStyle().Render(msg)
		}
		return ""
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}
	return m.theme.completedStyle().Render("✓ Completed\n")
}

// waitForUpdate blocks (in a command goroutine) until the watched key changes.
func (m jobsViewModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		for k := range m.updates {
			if k == m.key {
				return storeUpdateMsg{}
			}
		}
		return subscriptionClosedMsg{}
	}
}

// RunJobsView runs the interactive live view for key.
// Returns nil on completion or quit, the job's error if jobID failed.
func RunJobsView(tr *tracker.Tracker, key models.Key, jobID string) error {
	updates, unsubscribe := tr.Subscribe(0)
	defer unsubscribe()

	p := tea.NewProgram(newJobsViewModel(tr.Store(), key, jobID, updates))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("live view error: %w", err)
	}

	if m, ok := finalModel.(jobsViewModel); ok && !m.quitting && m.err != nil {
		return m.err
	}
	return nil
}
