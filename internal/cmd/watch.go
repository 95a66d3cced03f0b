package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/tui/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow a run's progress in a live view",
	Long: `Open a live view of a run's phase and jobs. The view redraws whenever
the process driving the run rewrites its state file, so it can be used
alongside 'imagebatch run' in another terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var watchExit bool

func init() {
	watchCmd.Flags().BoolVar(&watchExit, "exit", false, "exit when the run finishes")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}
	layout := e.layout(runID)
	if _, err := e.openStore(runID); err != nil {
		return err
	}

	w, err := watch.NewWatcher(layout.Dir)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	m := watch.New(e.fs, layout, watch.Options{
		Changes:      w.Changes(),
		Errors:       w.Errors(),
		ExitOnFinish: watchExit,
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	if err != nil && cmd.Context().Err() != nil {
		return nil
	}
	return err
}
