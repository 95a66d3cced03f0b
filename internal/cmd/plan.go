package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/config"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/planner"
	"github.com/Iron-Ham/imagebatch/internal/report"
)

// scopeFlags selects what a plan covers. Unset flags fall back to the
// planner section of the configuration.
type scopeFlags struct {
	types []string
	kinds []string
	slugs []string
	all   bool
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.types, "type", "t", nil, "entity types to plan (character, location, chapter)")
	cmd.Flags().StringSliceVarP(&f.kinds, "kind", "k", nil, "task kinds to plan (generate, analyze)")
	cmd.Flags().StringSliceVarP(&f.slugs, "slug", "s", nil, "entity slug filters (substring or glob)")
	cmd.Flags().BoolVar(&f.all, "all", false, "include targets whose images already exist")
}

func (f *scopeFlags) scope(cfg *config.Config) (batch.Scope, error) {
	types := f.types
	if len(types) == 0 {
		types = cfg.Planner.EntityTypes
	}
	kinds := f.kinds
	if len(kinds) == 0 {
		kinds = cfg.Planner.Kinds
	}
	s := batch.Scope{
		SlugFilters:   f.slugs,
		SkipGenerated: cfg.Planner.SkipGenerated && !f.all,
	}
	for _, t := range types {
		s.EntityTypes = append(s.EntityTypes, batch.EntityType(t))
	}
	for _, k := range kinds {
		s.Kinds = append(s.Kinds, batch.Kind(k))
	}
	return s, planner.ValidateScope(s)
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the tasks a run would submit",
	Long: `Discover entities under planner.content_dir and print the task plan
without contacting the remote service or creating a run.

Examples:
  # Plan every configured entity type
  imagebatch plan

  # Plan portraits for two characters, including already generated ones
  imagebatch plan -t character -s aldwin -s 'mira*' --all

  # Write the full plan as JSON
  imagebatch plan --json > plan.json`,
	RunE: runPlan,
}

var (
	planScope scopeFlags
	planJSON  bool
	planLimit int
)

func init() {
	planScope.register(planCmd)
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
	planCmd.Flags().IntVarP(&planLimit, "limit", "n", 20, "number of tasks to list (0 for all)")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	scope, err := planScope.scope(e.cfg)
	if err != nil {
		return err
	}
	l, err := e.openLedger()
	if err != nil {
		return err
	}
	if l != nil {
		defer l.Close()
	}

	plan, err := e.newPlanner(l).Plan(cmd.Context(), scope)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(out, plan, planLimit, report.DefaultPricing())
	return nil
}

func printPlan(w io.Writer, plan *batch.Plan, limit int, pricing report.Pricing) {
	s := plan.Summary
	fmt.Fprintf(w, "%s tasks from %s entities", humanize.Comma(int64(len(plan.Tasks))), humanize.Comma(int64(s.EntitiesScanned)))
	if s.SkippedAlreadyGenerated > 0 {
		fmt.Fprintf(w, " (%s already generated)", humanize.Comma(int64(s.SkippedAlreadyGenerated)))
	}
	fmt.Fprintln(w)

	for _, t := range batch.EntityTypes() {
		if n := s.ByEntityType[t]; n > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", t, humanize.Comma(int64(n)))
		}
	}
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-10s %s\n", k, humanize.Comma(int64(s.ByKind[batch.Kind(k)])))
	}

	tokens := jsonl.EstimateTokens(plan.Tasks)
	fmt.Fprintf(w, "Estimated cost %s (%s input tokens)\n",
		report.FormatCost(pricing.Estimate(len(plan.Tasks), tokens)), humanize.Comma(int64(tokens)))

	for _, msg := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}

	if len(plan.Tasks) == 0 {
		return
	}
	fmt.Fprintln(w)
	shown := plan.Tasks
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, t := range shown {
		fmt.Fprintf(w, "  %s\n", batch.DisplayKey(t.Key))
	}
	if len(shown) < len(plan.Tasks) {
		fmt.Fprintf(w, "  ... and %s more\n", humanize.Comma(int64(len(plan.Tasks)-len(shown))))
	}
}
