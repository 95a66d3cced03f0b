package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/imagebatch/internal/filescache"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the uploaded reference files cache",
	Long: `Reference images are uploaded once and reused by later runs while their
remote copy has more than cache.safety_margin of lifetime left. The cache
lives in files-cache.json under the artifact directory.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count cached uploads",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached uploads and their expiry",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop expired and nearly expired uploads",
	Args:  cobra.NoArgs,
	RunE:  runCacheSweep,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	c, err := e.openCache()
	if err != nil {
		return err
	}
	printCacheStats(cmd.OutOrStdout(), c.Path(), c.Stats())
	return nil
}

func printCacheStats(w io.Writer, path string, st filescache.Stats) {
	fmt.Fprintf(w, "Cache    %s\n", path)
	fmt.Fprintf(w, "Uploads  %d (%s)\n", st.Total, humanize.Bytes(uint64(st.Bytes)))
	fmt.Fprintf(w, "Usable   %d\n", st.Valid)
	fmt.Fprintf(w, "Expired  %d\n", st.Expired)
}

func runCacheList(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	c, err := e.openCache()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	entries := c.Entries()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No cached uploads.")
		return nil
	}
	printCacheEntries(out, entries, terminalWidth(out), time.Now())
	return nil
}

func printCacheEntries(w io.Writer, entries []filescache.Entry, width int, now time.Time) {
	pathWidth := 48
	if width > 0 && width-40 > 16 {
		pathWidth = width - 40
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSIZE\tUPLOADED\tEXPIRES")
	for _, en := range entries {
		expires := humanize.RelTime(en.ExpiresAt, now, "ago", "from now")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			util.TruncateMiddle(en.LocalPath, pathWidth),
			humanize.Bytes(uint64(en.SizeBytes)),
			humanize.RelTime(en.UploadedAt, now, "ago", "from now"),
			expires)
	}
	_ = tw.Flush()
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	c, err := e.openCache()
	if err != nil {
		return err
	}
	n, err := c.Sweep()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d cached uploads.\n", n)
	return nil
}
