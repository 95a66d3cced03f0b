package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/pipeline"
	"github.com/Iron-Ham/imagebatch/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan, submit, poll, download and apply a new run",
	Long: `Start a new run: plan tasks, upload reference images, submit request
files as batch jobs, wait for the jobs, download and validate results, and
write the images into the content tree.

Interrupting the command leaves the run in its current phase; continue it
with 'imagebatch resume'.`,
	RunE: runRun,
}

var (
	runScope scopeFlags
	runUntil string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Continue a run from the phase it stopped in",
	Long: `Continue a run from the phase it stopped in. Without a run id the most
recent unfinished run is resumed.

  planning      reload or rebuild the plan, then stage
  staging       stage references and request files again
  staged        submit request files that have no job yet
  submitted     poll the existing jobs
  polling       poll the existing jobs
  downloading   poll, then download missing result files
  applying      apply every result file again`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

var resumeUntil string

var submitCmd = &cobra.Command{
	Use:   "submit [run-id]",
	Short: "Submit a staged run's request files and stop",
	Args:  cobra.MaximumNArgs(1),
	RunE:  stepCommand("submit"),
}

var pollCmd = &cobra.Command{
	Use:   "poll [run-id]",
	Short: "Wait for a run's jobs and download their results",
	Args:  cobra.MaximumNArgs(1),
	RunE:  stepCommand("download"),
}

var applyCmd = &cobra.Command{
	Use:   "apply [run-id]",
	Short: "Write a run's downloaded results into the content tree",
	Long: `Apply every downloaded result file of a run. Applying is idempotent:
images that are already in place are reported as skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: stepCommand("apply"),
}

func init() {
	steps := strings.Join(pipeline.StopSteps(), ", ")

	runScope.register(runCmd)
	runCmd.Flags().StringVar(&runUntil, "until", "", "stop after this step ("+steps+")")
	resumeCmd.Flags().StringVar(&resumeUntil, "until", "", "stop after this step ("+steps+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(applyCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	scope, err := runScope.scope(e.cfg)
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

	outcome, err := runner.StartUntil(cmd.Context(), scope, runUntil)
	if errors.Is(err, errors.ErrNoTasks) && outcome != nil && outcome.RunID == "" {
		fmt.Fprintln(out, "Nothing to generate.")
		return nil
	}
	return finish(out, styled, outcome, err)
}

func runResume(cmd *cobra.Command, args []string) error {
	return resumeThrough(cmd, args, resumeUntil)
}

func stepCommand(last string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return resumeThrough(cmd, args, last)
	}
}

func resumeThrough(cmd *cobra.Command, args []string, last string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, true)
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

	fmt.Fprintf(out, "Resuming %s\n", runID)
	outcome, err := runner.ResumeUntil(cmd.Context(), runID, last)
	return finish(out, styled, outcome, err)
}

// finish prints the report of an invocation. The run error is returned
// after the report so the exit status reflects it.
func finish(w io.Writer, styled bool, outcome *pipeline.Outcome, runErr error) error {
	if outcome != nil && outcome.Report != nil {
		fmt.Fprintln(w)
		if err := report.Render(w, outcome.Report, styled); err != nil {
			return err
		}
	}
	if runErr != nil && outcome != nil && outcome.RunID != "" {
		if errors.Is(runErr, errors.ErrRunFinished) {
			fmt.Fprintf(w, "Run %s has already finished.\n", outcome.RunID)
			return nil
		}
		return fmt.Errorf("run %s: %w", outcome.RunID, runErr)
	}
	return runErr
}
