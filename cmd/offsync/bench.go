package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/offlinekit/offsync/datastore"
	"github.com/offlinekit/offsync/internal/loadtest"
	"github.com/offlinekit/offsync/offline"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure local read and write latency under concurrent load",
	Long: `Seed a scratch database with generated documents, then run concurrent
workers that mix filtered reads with rewrites of existing documents.

The scratch database lives in a temporary directory and is removed
afterwards; the configured database is never touched. After the run the
cache and the sync queue are checked for consistency: one cached copy and
one pending write per document.

Examples:
  # Default: 1000 documents, 16 workers, 50 operations each
  offsync bench

  # Write-heavy run, reported as JSON
  offsync bench --writes 0.8 --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entities, _ := cmd.Flags().GetInt("entities")
		workers, _ := cmd.Flags().GetInt("workers")
		ops, _ := cmd.Flags().GetInt("ops")
		writes, _ := cmd.Flags().GetFloat64("writes")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if entities <= 0 {
			return fmt.Errorf("--entities must be positive")
		}

		dir, err := os.MkdirTemp("", "offsync-bench")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		m, err := offline.OpenWithConfig(&offline.Config{
			Path:   filepath.Join(dir, "bench.db"),
			Logger: logs.Named("offline"),
		})
		if err != nil {
			return err
		}
		defer m.Close()

		opts := cfg.DataStoreOptions(logs.Named("datastore"))
		opts.StoreType = datastore.Sync
		ds, err := datastore.New[datastore.Document](m, nil, "bench", opts)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "Seeding %d documents...\n", entities)
		}
		data, err := loadtest.Seed(ctx, ds, entities)
		if err != nil {
			return err
		}
		res, err := data.Run(ctx, loadtest.Workload{
			Workers:      workers,
			OpsPerWorker: ops,
			WriteRatio:   writes,
		})
		if err != nil {
			return err
		}
		verifyErr := data.Verify(ctx)

		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(benchReport{
				Entities:   entities,
				Workers:    workers,
				Operations: workers * ops,
				Elapsed:    res.Elapsed.String(),
				Errors:     res.Errors,
				Reads:      res.Reads,
				Writes:     res.Writes,
				Consistent: verifyErr == nil,
			}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "Ran %d operations on %d workers in %v\n\n", workers*ops, workers, res.Elapsed)
			res.Reads.Print(out, "Reads")
			fmt.Fprintln(out)
			res.Writes.Print(out, "Writes")
			fmt.Fprintln(out)
			if res.Errors > 0 {
				fmt.Fprintf(out, "%s %d operations failed\n", renderWarn("⚠"), res.Errors)
			}
			if verifyErr == nil {
				fmt.Fprintf(out, "%s Cache and sync queue consistent\n", renderPass("✓"))
			}
		}

		if verifyErr != nil {
			return fmt.Errorf("consistency check failed: %w", verifyErr)
		}
		return nil
	},
}

type benchReport struct {
	Entities   int                    `json:"entities"`
	Workers    int                    `json:"workers"`
	Operations int                    `json:"operations"`
	Elapsed    string                 `json:"elapsed"`
	Errors     int                    `json:"errors"`
	Reads      *loadtest.LatencyStats `json:"reads"`
	Writes     *loadtest.LatencyStats `json:"writes"`
	Consistent bool                   `json:"consistent"`
}

func init() {
	benchCmd.Flags().Int("entities", 1000, "number of documents to seed")
	benchCmd.Flags().Int("workers", 16, "number of concurrent workers")
	benchCmd.Flags().Int("ops", 50, "operations per worker")
	benchCmd.Flags().Float64("writes", 0.2, "share of operations that are writes (0.0-1.0)")
	benchCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(benchCmd)
}
