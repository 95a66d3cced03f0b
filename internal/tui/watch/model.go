// Package watch is a read-only live view of one run. It redraws whenever
// the run's state.json changes on disk, so it can follow a run driven by
// another process.
package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/tui/styles"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

const defaultRefresh = 5 * time.Second

// Options configures a Model.
type Options struct {
	// Changes signals state rewrites, usually Watcher.Changes.
	Changes <-chan struct{}
	// Errors reports watcher failures, usually Watcher.Errors.
	Errors <-chan error
	// Refresh reloads the state periodically in case a change is missed.
	Refresh time.Duration
	// ExitOnFinish quits once the run reaches a terminal phase.
	ExitOnFinish bool
}

type stateMsg struct {
	state runstore.RunState
	err   error
}

type changedMsg struct{}

type watchErrMsg struct{ err error }

type refreshMsg time.Time

// Model is the bubbletea model of the watch view.
type Model struct {
	fs     afero.Fs
	layout runstore.Layout
	opts   Options

	spinner spinner.Model
	state   runstore.RunState
	loaded  bool
	err     error
	warning string
	width   int
	now     func() time.Time
}

// New returns a model watching the run at layout.
func New(fs afero.Fs, layout runstore.Layout, opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Primary
	return Model{
		fs:      fs,
		layout:  layout,
		opts:    opts,
		spinner: sp,
		now:     time.Now,
	}
}

// State returns the most recently loaded run state.
func (m Model) State() runstore.RunState {
	return m.state
}

// Init loads the state and starts listening for changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load(), m.waitForChange(), m.waitForError(), m.refresh())
}

func (m Model) load() tea.Cmd {
	fs, path := m.fs, m.layout.State()
	return func() tea.Msg {
		var st runstore.RunState
		err := util.ReadJSON(fs, path, &st)
		return stateMsg{state: st, err: err}
	}
}

func (m Model) waitForChange() tea.Cmd {
	ch := m.opts.Changes
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m Model) waitForError() tea.Cmd {
	ch := m.opts.Errors
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return watchErrMsg{err}
	}
}

func (m Model) refresh() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stateMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.state = msg.state
		m.loaded = true
		if m.opts.ExitOnFinish && m.state.Phase.IsTerminal() {
			return m, tea.Quit
		}
		return m, nil

	case changedMsg:
		return m, tea.Batch(m.load(), m.waitForChange())

	case refreshMsg:
		return m, tea.Batch(m.load(), m.refresh())

	case watchErrMsg:
		m.warning = "watch: " + msg.err.Error()
		return m, m.waitForError()
	}
	return m, nil
}

// View renders the run.
func (m Model) View() string {
	var b strings.Builder

	if !m.loaded {
		if m.err != nil {
			b.WriteString(styles.ErrorMsg.Render("Cannot read run state: " + m.err.Error()))
		} else {
			b.WriteString(m.spinner.View() + " Loading " + m.layout.State())
		}
		b.WriteString("\n" + styles.HelpBar.Render("q quit"))
		return b.String()
	}

	st := m.state
	header := styles.Title.UnsetMarginBottom().Render("Run "+st.RunID) + "  " + styles.Phase(st.Phase)
	if !st.Phase.IsTerminal() {
		header = m.spinner.View() + " " + header
	}
	b.WriteString(header + "\n")
	if st.Error != "" {
		b.WriteString(styles.ErrorMsg.Render("Error: "+st.Error) + "\n")
	}

	b.WriteString("\n" + m.progressLine() + "\n")

	if len(st.Jobs) > 0 {
		b.WriteString("\n" + styles.Header.Render("JOBS") + "\n")
		for _, j := range st.Jobs {
			line := fmt.Sprintf("  chunk %-4d %-28s %6s tasks  %s",
				j.ChunkIndex, j.JobID, humanize.Comma(int64(j.TaskCount)), styles.JobState(j.State))
			if j.Error != "" {
				line += "  " + styles.Error.Render(j.Error)
			}
			b.WriteString(m.fit(line) + "\n")
		}
	} else if len(st.Chunks) > 0 {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n%d request files staged, no jobs yet", len(st.Chunks))) + "\n")
	}

	if !st.UpdatedAt.IsZero() {
		b.WriteString("\n" + styles.Muted.Render("Updated "+humanize.RelTime(st.UpdatedAt, m.now(), "ago", "from now")) + "\n")
	}
	if m.err != nil {
		b.WriteString(styles.WarningMsg.Render("Reload failed: "+m.err.Error()) + "\n")
	}
	if m.warning != "" {
		b.WriteString(styles.WarningMsg.Render(m.warning) + "\n")
	}
	b.WriteString(styles.HelpBar.Render("r reload  q quit"))
	return b.String()
}

func (m Model) progressLine() string {
	var total, done, failed int
	counts := make(map[batch.JobState]int)
	for _, j := range m.state.Jobs {
		total += j.TaskCount
		counts[j.State]++
		switch {
		case j.State == batch.JobSucceeded:
			done += j.TaskCount
		case j.State.IsTerminal():
			failed += j.TaskCount
		}
	}

	parts := []string{
		styles.Label.Render("Tasks") + fmt.Sprintf("%s of %s in finished jobs",
			humanize.Comma(int64(done)), humanize.Comma(int64(total))),
	}
	if failed > 0 {
		parts = append(parts, styles.Label.Render("Lost")+styles.Error.Render(humanize.Comma(int64(failed))))
	}
	var states []string
	for _, s := range []batch.JobState{batch.JobPending, batch.JobRunning, batch.JobSucceeded, batch.JobFailed, batch.JobCancelled, batch.JobExpired} {
		if n := counts[s]; n > 0 {
			states = append(states, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(states) > 0 {
		parts = append(parts, styles.Label.Render("Jobs")+strings.Join(states, ", "))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) fit(line string) string {
	if m.width <= 0 {
		return line
	}
	return util.TruncateANSI(line, m.width)
}
