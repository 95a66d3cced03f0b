package cmd

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/tui/styles"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "View a run's log",
	Long: `View and filter the structured log of a run (run.log in its directory).

By default, shows the last 50 entries of the most recent run.

Examples:
  # Warnings and errors of the polling phase
  imagebatch logs --level warn --phase polling

  # Everything logged about one job
  imagebatch logs --job batches/abc123 -n 0

  # Follow a run that another process is driving
  imagebatch logs -f`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsPhase  string
	logsJob    string
	logsSince  string
	logsGrep   string
)

const followInterval = 500 * time.Millisecond

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries logged in this phase")
	logsCmd.Flags().StringVar(&logsJob, "job", "", "Only entries about this job")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter messages matching pattern (regex)")
}

// logQuery is the parsed form of the logs flags.
type logQuery struct {
	filter logging.Filter
	since  time.Time
	grep   *regexp.Regexp
}

func newLogQuery(now time.Time) (logQuery, error) {
	q := logQuery{filter: logging.Filter{Level: logsLevel, Phase: logsPhase, JobID: logsJob}}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return q, fmt.Errorf("invalid duration format: %w", err)
		}
		q.since = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return q, fmt.Errorf("invalid grep pattern: %w", err)
		}
		q.grep = re
	}
	return q, nil
}

func (q logQuery) apply(entries []logging.Entry) []logging.Entry {
	entries = q.filter.Apply(entries)
	if q.since.IsZero() && q.grep == nil {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if !q.since.IsZero() && e.Time.Before(q.since) {
			continue
		}
		if q.grep != nil && !q.grep.MatchString(e.Message) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func runLogs(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}
	q, err := newLogQuery(time.Now())
	if err != nil {
		return err
	}

	dir := e.layout(runID).Dir
	out := cmd.OutOrStdout()
	styled := isTerminal(out)

	entries, err := logging.ReadRunLog(dir)
	if err != nil {
		return err
	}
	total := len(entries)
	printLogEntries(out, q.apply(entries), logsTail, styled)

	if logsFollow {
		return followLogs(cmd.Context(), out, dir, q, total, styled)
	}
	if total == 0 {
		fmt.Fprintf(out, "No log entries for run %s\n", runID)
	}
	return nil
}

func printLogEntries(w io.Writer, entries []logging.Entry, tail int, styled bool) {
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		fmt.Fprintln(w, formatLogEntry(e, styled))
	}
}

// followLogs prints entries appended after the first seen ones until ctx
// is cancelled.
func followLogs(ctx context.Context, w io.Writer, dir string, q logQuery, seen int, styled bool) error {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		entries, err := logging.ReadRunLog(dir)
		if err != nil {
			return err
		}
		if len(entries) < seen {
			// rotated
			seen = 0
		}
		printLogEntries(w, q.apply(entries[seen:]), 0, styled)
		seen = len(entries)
	}
}

var levelStyles = map[string]lipgloss.Style{
	logging.LevelDebug: styles.Muted,
	logging.LevelInfo:  styles.Primary,
	logging.LevelWarn:  styles.Warning,
	logging.LevelError: styles.Error,
}

func formatLogEntry(e logging.Entry, styled bool) string {
	line := e.Format()
	if !styled {
		return line
	}
	s, ok := levelStyles[strings.ToUpper(e.Level)]
	if !ok {
		return line
	}
	return s.Render(line)
}
