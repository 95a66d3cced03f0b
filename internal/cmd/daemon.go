package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/report"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Resume runs and sweep the cache on a cron schedule",
	Long: `Run the schedules in schedule.file until interrupted. Each schedule is
a [[schedule]] table:

  [[schedule]]
  name    = "nightly-resume"
  cron    = "0 3 * * *"
  action  = "resume"   # or "sweep"
  timeout = "2h"

A schedule that is still running when it fires again is skipped.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	daemonOnce string
	daemonList bool
)

func init() {
	daemonCmd.Flags().StringVar(&daemonOnce, "once", "", "run the named schedule now and exit")
	daemonCmd.Flags().BoolVar(&daemonList, "list", false, "list schedules and their next run, then exit")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	e.logger = logging.New(cmd.ErrOrStderr(), e.cfg.Logging.Level)
	out := cmd.OutOrStdout()

	f, err := scheduler.LoadFile(e.fs, e.cfg.Schedule.File)
	if err != nil {
		return err
	}
	if len(f.Schedules) == 0 {
		fmt.Fprintf(out, "No schedules in %s\n", e.cfg.Schedule.File)
		return nil
	}

	s, err := scheduler.New(f, e.handlers(out), scheduler.WithLogger(e.logger))
	if err != nil {
		return fmt.Errorf("%s: %w", e.cfg.Schedule.File, err)
	}

	switch {
	case daemonList:
		printSchedules(out, s, time.Now())
		return nil
	case daemonOnce != "":
		inv, err := s.RunNow(cmd.Context(), daemonOnce)
		if err != nil {
			return err
		}
		return inv.Err
	}
	return s.Run(cmd.Context())
}

// handlers binds each schedule action to this environment.
func (e *env) handlers(w io.Writer) map[scheduler.Action]scheduler.Handler {
	return map[scheduler.Action]scheduler.Handler{
		scheduler.ActionResume: func(ctx context.Context) error {
			return e.resumeLatest(ctx, w)
		},
		scheduler.ActionSweep: func(ctx context.Context) error {
			c, err := e.openCache()
			if err != nil {
				return err
			}
			n, err := c.Sweep()
			if err != nil {
				return err
			}
			e.logger.Info("files cache swept", "removed", n)
			return nil
		},
	}
}

// resumeLatest resumes the most recent unfinished run. Having none is not
// an error.
func (e *env) resumeLatest(ctx context.Context, w io.Writer) error {
	r, err := runstore.MostRecentResumable(e.fs, e.root)
	if errors.Is(err, errors.ErrRunNotFound) {
		e.logger.Info("no unfinished run to resume")
		return nil
	}
	if err != nil {
		return err
	}
	runner, closeFn, err := e.newRunner(w, false)
	if err != nil {
		return err
	}
	defer closeFn()

	outcome, err := runner.Resume(ctx, r.RunID)
	if outcome != nil && outcome.Report != nil {
		e.logger.WithRun(r.RunID).Info(report.QuickSummary(outcome.Report))
	}
	if errors.Is(err, errors.ErrRunLocked) {
		e.logger.WithRun(r.RunID).Warn("run is being driven elsewhere, skipping")
		return nil
	}
	return err
}

func printSchedules(w io.Writer, s *scheduler.Scheduler, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tACTION\tCRON\tNEXT")
	for _, name := range s.Names() {
		en, _ := s.Entry(name)
		next := s.Next(name)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s (%s)\n", name, en.Action, en.Cron,
			next.Format("2006-01-02 15:04"), humanize.RelTime(next, now, "ago", "from now"))
	}
	_ = tw.Flush()
}
