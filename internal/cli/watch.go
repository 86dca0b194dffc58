package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/models"
)

const pollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress through its pipeline",
	Long: `Follow a job live as it moves through its stage sequence. The view
updates once a second and points at the curation queue whenever the job is
parked at a gate.

Press Ctrl+C to detach; the job keeps running in the background.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// Theme holds the color scheme for the interactive views.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job *models.Job
	err error
}

// watchModel is the bubbletea model for job progress.
type watchModel struct {
	db       *db.Client
	jobID    string
	job      *models.Job
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newWatchModel creates a new watch model.
func newWatchModel(client *db.Client, jobID string) watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		db:       client,
		jobID:    jobID,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchJob(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job

		if m.job.Terminal {
			m.done = true
			if m.job.Stage != models.StageCompleted {
				if m.job.FailureCause != nil {
					m.err = fmt.Errorf("%s: %s", m.job.Stage, *m.job.FailureCause)
				} else {
					m.err = fmt.Errorf("job ended in stage %s", m.job.Stage)
				}
			}
			return m, tea.Quit
		}

		// Continue polling for running jobs
		return m, tickCmd()

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m watchModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Stage))
	progressBar := m.progress.ViewAs(stageFraction(m.job))
	position := stagePosition(m.job)

	out := fmt.Sprintf("%s %s %s\n", status, progressBar, position)
	if strings.HasSuffix(string(m.job.Stage), "_wait") {
		out += m.theme.hintStyle().Render("Waiting on curation, resolve items with 'distill review'") + "\n"
	}
	out += m.theme.hintStyle().Render("Press Ctrl+C to continue in background") + "\n"
	return out
}

// finalView renders the completion message.
func (m watchModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'distill jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	out := m.theme.completedStyle().Render("✓ Completed") + "\n"
	if m.job != nil && m.job.Kind == models.KindConceptExtract {
		out += fmt.Sprintf("  Refinement iterations: %d\n", m.job.Phase1Iters)
		out += fmt.Sprintf("  Review rounds: %d\n", m.job.Phase2Iters)
	}
	return out
}

// stageFraction maps the current stage to a position in the kind's sequence.
func stageFraction(job *models.Job) float64 {
	seq := models.StageSequence(job.Kind)
	if len(seq) < 2 {
		return 0
	}
	for i, stage := range seq {
		if stage == job.Stage {
			return float64(i) / float64(len(seq)-1)
		}
	}
	// Off-sequence terminal stages (failed, cancelled...) show as full.
	return 1
}

func stagePosition(job *models.Job) string {
	seq := models.StageSequence(job.Kind)
	for i, stage := range seq {
		if stage == job.Stage {
			return fmt.Sprintf("%d/%d stages", i+1, len(seq))
		}
	}
	return ""
}

// fetchJob fetches the current job status.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m watchModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.db.GetJob(ctx, m.jobID)
		return jobUpdateMsg{job: job, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newWatchModel(dbClient, args[0]))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("watch UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}
