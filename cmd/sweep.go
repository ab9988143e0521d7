package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries from every enabled layer",
	Long: `Runs one expiry pass over the configured backends and exits.
Expired entries are already invisible to reads; sweeping reclaims their
storage. 'ctxcache serve' runs the same pass on expiry.interval.

Example:
  ctxcache sweep
  ctxcache sweep --json`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Bool("json", false, "print the report as JSON")
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	report := e.Sweeper.SweepOnce(ctx)

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LAYER\tREMOVED\tDURATION\tERROR")
		for _, l := range report.Layers {
			fmt.Fprintf(tw, "%s\t%d\t%v\t%s\n", l.Layer, l.Removed, l.Duration.Round(time.Millisecond), l.Error)
		}
		_ = tw.Flush()
		fmt.Fprintf(out, "\n%d expired entries removed\n", report.Removed())
	}

	if report.Failed() {
		return fmt.Errorf("sweep failed on one or more layers")
	}
	return nil
}
