package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/executor"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run's unfinished remote jobs",
	Long: `Ask the remote service to cancel every job of a run that has not
finished. The run keeps its phase; resuming it downloads whatever the
finished jobs produced and dead-letters the rest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, true)
	if err != nil {
		return err
	}
	lock, err := runstore.Lock(e.layout(runID).Dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	store, err := e.openStore(runID)
	if err != nil {
		return err
	}
	if store.Phase().IsTerminal() {
		return errors.NewRunError("run has finished", errors.ErrRunFinished).WithRunID(runID)
	}
	svc, err := e.newRemote()
	if err != nil {
		return err
	}

	poller := executor.New(svc, executor.Options{}, executor.WithLogger(e.logger))
	cancelled, err := poller.Cancel(cmd.Context(), store)
	out := cmd.OutOrStdout()
	for _, id := range cancelled {
		fmt.Fprintf(out, "Cancelled %s\n", id)
	}
	if len(cancelled) == 0 && err == nil {
		fmt.Fprintf(out, "Run %s has no unfinished jobs.\n", runID)
	}
	return err
}
