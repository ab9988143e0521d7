package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
	"github.com/Siddhant-K-code/ctxcache/pkg/router"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-layer storage statistics",
	Long: `Scans every enabled layer and prints entry counts, expired entries
and access statistics. Hit/miss counters live in the serving process; use
GET /v1/cache/stats or the cache_stats MCP tool to read them.

Example:
  ctxcache stats
  ctxcache stats --json`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Bool("json", false, "print the report as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	e, err := openEngine(ctx, engine.WithoutTracing())
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	report, err := e.Router.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect stats: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStats(cmd.OutOrStdout(), report)
	return nil
}

func printStats(w io.Writer, report router.StatsReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tBACKEND\tTOTAL\tACTIVE\tEXPIRED\tMAX\tEVICTION\tAVG ACCESS\tLAST ACCESSED")
	for _, name := range orderedLayers(report) {
		st := report.Layers[name].Storage
		last := "-"
		if st.LastAccessed != nil {
			last = st.LastAccessed.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%.2f\t%s\n",
			name, st.Backend, st.Total, st.Active, st.Expired, st.MaxSize, st.Eviction, st.AvgAccessCount, last)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nFallback chain: %v\n", report.Chain)
}

// orderedLayers lists chain layers first, then any enabled layer outside it.
func orderedLayers(report router.StatsReport) []string {
	out := make([]string, 0, len(report.Layers))
	seen := make(map[string]bool, len(report.Layers))
	for _, name := range report.Chain {
		if _, ok := report.Layers[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	for _, name := range []string{"predictive", "semantic", "vector", "global", "diary"} {
		if _, ok := report.Layers[name]; ok && !seen[name] {
			out = append(out, name)
		}
	}
	return out
}
