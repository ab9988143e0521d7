package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
	"github.com/Siddhant-K-code/ctxcache/pkg/ingest"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load cache entries from JSONL or a Pinecone namespace",
	Long: `Reads entries from a JSONL file (one entry per line) or from an
existing Pinecone namespace and writes them through the cache router
using parallel workers. Batches that hit an unreachable backend are
retried with exponential backoff; invalid records are reported and skipped.

Each JSONL line may carry:
  key, value, embedding, text, metadata, ttl_seconds,
  session_id, importance, context_type, layer, intent

Example:
  ctxcache import --file entries.jsonl --layer semantic
  ctxcache import --file - < entries.jsonl
  ctxcache import --from-pinecone docs-v1 --layer global`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	// Input
	importCmd.Flags().StringP("file", "f", "", "path to JSONL file ('-' for stdin)")
	importCmd.Flags().String("from-pinecone", "", "import an existing Pinecone namespace instead of a file")

	// Routing
	importCmd.Flags().StringP("layer", "l", "", "target layer for records without one (default: route by payload)")
	importCmd.Flags().String("intent", "", "intent for records without a layer or intent (reuse, context, knowledge)")

	// Performance settings
	importCmd.Flags().IntP("workers", "w", 0, "number of import workers (0 = config import.workers)")
	importCmd.Flags().IntP("batch-size", "b", 0, "records per batch (0 = config import.batch_size)")
	importCmd.Flags().Int("max-retries", -1, "retries per batch on unavailable storage (-1 = config import.max_retries)")

	importCmd.MarkFlagsMutuallyExclusive("file", "from-pinecone")
	importCmd.MarkFlagsOneRequired("file", "from-pinecone")
}

func runImport(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	namespace, _ := cmd.Flags().GetString("from-pinecone")
	layerName, _ := cmd.Flags().GetString("layer")
	intent, _ := cmd.Flags().GetString("intent")
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	verbose := viper.GetBool("verbose")

	if layerName != "" && !layer.Valid(layerName) {
		return fmt.Errorf("unknown layer %q (use one of %v)", layerName, layer.Names)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing in-flight batches...")
			cancel()
		case <-ctx.Done():
		}
	}()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	cfg := e.Config
	if workers <= 0 {
		workers = cfg.Import.Workers
	}
	if batchSize <= 0 {
		batchSize = cfg.Import.BatchSize
	}
	if maxRetries < 0 {
		maxRetries = cfg.Import.MaxRetries
	}

	var src ingest.Source
	switch {
	case namespace != "":
		fmt.Fprintf(os.Stderr, "Connecting to Pinecone namespace %q...\n", namespace)
		store, err := engine.OpenPinecone(ctx, cfg.Pinecone, "ns:"+namespace)
		if err != nil {
			return fmt.Errorf("failed to connect to Pinecone: %w", err)
		}
		defer func() { _ = store.Close() }()
		src = ingest.NewVectorSource(store)

	case filePath == "-":
		src = ingest.NewJSONL(os.Stdin)

	default:
		jsonl, f, err := ingest.OpenJSONL(filePath)
		if err != nil {
			return err
		}
		defer f.Close()
		src = jsonl
		fmt.Fprintf(os.Stderr, "Reading entries from %s...\n", filePath)
	}

	pipeline := ingest.NewPipeline(e.Router, ingest.Config{
		Layer:      layerName,
		Intent:     intent,
		BatchSize:  batchSize,
		Workers:    workers,
		MaxRetries: maxRetries,
	},
		ingest.WithRecorder(e.Metrics),
		ingest.WithTracer(e.Tracer),
		ingest.WithLogger(e.Log().Named("import")),
	)

	bar := newImportBar(os.Stderr)
	var done int64
	progressFn := func(stats ingest.Stats) {
		current := stats.Imported + stats.Failed
		if delta := current - done; delta > 0 {
			_ = bar.Add64(delta)
			done = current
		}
	}

	stats, runErr := pipeline.Run(ctx, src, progressFn)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	printImportSummary(cmd.OutOrStdout(), stats, verbose)

	if runErr != nil {
		return fmt.Errorf("import stopped: %w", runErr)
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d records failed to import", stats.Failed)
	}
	return nil
}

// newImportBar renders a spinner with a running count; the total is
// unknown while streaming.
func newImportBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		-1,
		progressbar.OptionSetDescription("Importing"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func printImportSummary(w io.Writer, stats ingest.Stats, verbose bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Import Complete ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Records read:        %d\n", stats.Total)
	fmt.Fprintf(w, "Records imported:    %d (%d new)\n", stats.Imported, stats.Created)
	fmt.Fprintf(w, "Records failed:      %d\n", stats.Failed)
	fmt.Fprintf(w, "Records retried:     %d\n", stats.Retried)
	fmt.Fprintf(w, "Batches processed:   %d\n", stats.Batches)
	fmt.Fprintf(w, "Duration:            %v\n", stats.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "Throughput:          %.0f records/sec\n", stats.RecordsPerSecond())

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w)
		limit := 5
		if verbose {
			limit = len(stats.Errors)
		}
		fmt.Fprintln(w, "Errors:")
		for i, re := range stats.Errors {
			if i == limit {
				fmt.Fprintf(w, "  ... %d more (use --verbose)\n", len(stats.Errors)-limit)
				break
			}
			where := re.Key
			if re.Line > 0 {
				where = fmt.Sprintf("line %d", re.Line)
			}
			fmt.Fprintf(w, "  %s [%s]: %s\n", where, re.Kind, re.Message)
		}
	}
	fmt.Fprintln(w)
}
