package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/dlq"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/pipeline"
	"github.com/Iron-Ham/imagebatch/internal/report"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/tui/styles"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the current state of a run",
	Long: `Show the phase, jobs, dead letters and timing of a run as recorded on
disk. Without a run id the most recent run is shown. Nothing is sent to the
remote service; use 'imagebatch poll' to refresh job states.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var runsLimit int

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to list (0 for all)")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}
	rep, err := e.currentReport(runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	styled := isTerminal(out)
	if err := report.Render(out, rep, styled); err != nil {
		return err
	}

	if holder, locked := lockHolder(e.layout(runID).Dir); locked {
		fmt.Fprintf(out, "\n%s\n", holder)
	} else if store, err := e.openStore(runID); err == nil {
		if step, ok := pipeline.RecoveryStep(store.State()); ok {
			fmt.Fprintf(out, "\nResume continues with the %s step: imagebatch resume %s\n", step, runID)
		}
	}
	return nil
}

// lockHolder reports whether another process is driving the run in dir.
func lockHolder(dir string) (string, bool) {
	l, err := runstore.Lock(dir)
	if err == nil {
		_ = l.Release()
		return "", false
	}
	if !errors.Is(err, errors.ErrRunLocked) {
		return "", false
	}
	info, ierr := runstore.ReadLockInfo(dir)
	if ierr != nil {
		return "Driven by another process", true
	}
	return fmt.Sprintf("Driven by pid %d on %s since %s", info.PID, info.Host, humanize.Time(info.AcquiredAt)), true
}

// currentReport builds a report from what is on disk now. The saved
// report.json is used for its apply counts when present.
func (e *env) currentReport(runID string) (*report.Report, error) {
	store, err := e.openStore(runID)
	if err != nil {
		return nil, err
	}
	in := report.Input{
		State:       store.State(),
		MaxAttempts: e.cfg.DLQ.MaxAttempts,
		Pricing:     report.DefaultPricing(),
	}
	if plan, err := store.LoadPlan(); err == nil {
		in.Plan = plan
	} else if !errors.Is(err, errors.ErrPlanNotFound) {
		return nil, err
	}
	if q, err := dlq.Open(e.fs, store.Layout().DLQ()); err == nil {
		in.Queue = q
	}
	rep := report.Build(in)

	if saved, err := report.Load(e.fs, store.Layout().Report()); err == nil && saved.Phase == rep.Phase {
		rep.Succeeded = saved.Succeeded
		rep.Skipped = saved.Skipped
		rep.Failed = saved.Failed
		rep.Unknown = saved.Unknown
		rep.Malformed = saved.Malformed
		rep.Integrity = saved.Integrity
		rep.EstimatedCostUSD = saved.EstimatedCostUSD
	}
	return rep, nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runs, err := runstore.ListRuns(e.fs, e.root)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs under %s\n", e.root)
		return nil
	}
	if runsLimit > 0 && len(runs) > runsLimit {
		runs = runs[:runsLimit]
	}
	printRuns(out, runs, isTerminal(out), time.Now())
	return nil
}

func printRuns(w io.Writer, runs []runstore.RunSummary, styled bool, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPHASE\tJOBS\tCREATED\tUPDATED")
	for _, r := range runs {
		phase := string(r.Phase)
		if styled {
			phase = styles.Phase(r.Phase)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.RunID, phase, r.Jobs,
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
			humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))
		if r.Phase == batch.PhaseFailed && r.Error != "" {
			fmt.Fprintf(tw, "\t%s\t\t\t\n", r.Error)
		}
	}
	_ = tw.Flush()
}
