package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/dlq"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/pipeline"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry a run's failed tasks",
	Long: `Every task that fails is kept in its run's dead letter queue
(failed/dlq.json) with the error code, message and attempt count.

Transient failures (rate limits, timeouts, server errors) are retryable
until they reach dlq.max_attempts. Safety blocks and invalid requests are
permanent and need a prompt or reference change first.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list [run-id]",
	Short: "Show a run's dead letters grouped by error code",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDLQList,
}

var (
	dlqSample int
	dlqJSON   bool
)

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [run-id]",
	Short: "Submit the retryable dead letters of a run as a new run",
	Long: `Start a new run from the retryable dead letters of a run. Tasks that
succeed are removed from the original queue; tasks that fail again stay in
it with one more attempt.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDLQRetry,
}

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove <run-id> <task-key>...",
	Short: "Drop dead letters by task key",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runDLQRemove,
}

var dlqClearCmd = &cobra.Command{
	Use:   "clear [run-id]",
	Short: "Drop every dead letter of a run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDLQClear,
}

var dlqForce bool

func init() {
	dlqListCmd.Flags().IntVarP(&dlqSample, "sample", "n", 10, "number of failures to show")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "print the entries as JSON")
	dlqClearCmd.Flags().BoolVarP(&dlqForce, "force", "f", false, "clear without confirmation")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqRemoveCmd)
	dlqCmd.AddCommand(dlqClearCmd)
	rootCmd.AddCommand(dlqCmd)
}

func (e *env) openQueue(runID string) (*dlq.Queue, error) {
	if _, err := e.openStore(runID); err != nil {
		return nil, err
	}
	return dlq.Open(e.fs, e.layout(runID).DLQ())
}

func runDLQList(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}
	q, err := e.openQueue(runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dlqJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(q.Entries())
	}
	fmt.Fprintf(out, "Run %s\n", runID)
	fmt.Fprintln(out, q.Format(e.cfg.DLQ.MaxAttempts, dlqSample))
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	styled := isTerminal(out)
	runner, closeFn, err := e.newRunner(out, styled)
	if err != nil {
		return err
	}
	defer closeFn()

	outcome, res, err := runner.Retry(cmd.Context(), runID)
	if errors.Is(err, errors.ErrNoTasks) && res == nil {
		fmt.Fprintf(out, "Run %s has no retryable dead letters.\n", runID)
		return nil
	}
	printRetry(out, runID, outcome, res)
	return finish(out, styled, outcome, err)
}

func printRetry(w io.Writer, source string, outcome *pipeline.Outcome, res *pipeline.RetryResult) {
	if res == nil {
		return
	}
	if outcome == nil || outcome.RunID == "" {
		fmt.Fprintf(w, "Retrying %d tasks from %s\n", res.Retried, source)
		return
	}
	fmt.Fprintf(w, "Retried %d tasks from %s as %s: %d recovered, %d failed again\n",
		res.Retried, source, outcome.RunID, res.Recovered, res.Failed)
}

func runDLQRemove(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	q, err := e.openQueue(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, key := range args[1:] {
		ok, err := q.Remove(key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "No dead letter for %s\n", key)
			continue
		}
		fmt.Fprintf(out, "Removed %s\n", batch.DisplayKey(key))
	}
	return nil
}

func runDLQClear(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}
	q, err := e.openQueue(runID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	n := q.Len()
	if n == 0 {
		fmt.Fprintln(out, "Dead letter queue is empty.")
		return nil
	}
	if !dlqForce {
		fmt.Fprintf(out, "Would drop %d dead letters of %s. Run with --force to clear.\n", n, runID)
		return nil
	}
	if err := q.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped %d dead letters of %s.\n", n, runID)
	return nil
}
