package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Print the report of a run",
	Long: `Print the report written by the last invocation that drove the run.
When a run has no report yet, one is built from its state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

var reportJSON bool

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	runID, err := e.runID(args, false)
	if err != nil {
		return err
	}

	rep, err := report.Load(e.fs, e.layout(runID).Report())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if rep, err = e.currentReport(runID); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if reportJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return report.Render(out, rep, isTerminal(out))
}
