package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinekit/offsync/datastore"
	"github.com/offlinekit/offsync/query"
)

var pushCmd = &cobra.Command{
	Use:   "push <collection>",
	Short: "Send pending writes of a collection to the backend",
	Long: `Replay every pending write of a collection against the backend.

Writes are sent concurrently (push_concurrency at a time). A write that
fails stays queued for the next push; the others are removed as they
succeed. Entities created offline get their backend ids.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOnline(); err != nil {
			return err
		}
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		ds, err := openStore(m, args[0])
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := ds.Push(cmd.Context())
		if err != nil {
			return err
		}
		return reportPush(cmd.OutOrStdout(), args[0], resp, time.Since(start))
	},
}

func reportPush(w io.Writer, collection string, resp *datastore.PushResponse, elapsed time.Duration) error {
	if len(resp.Errors) == 0 {
		fmt.Fprintf(w, "%s Pushed %d writes to %s in %v\n", renderPass("✓"), resp.Count, collection, elapsed.Round(time.Millisecond))
		return nil
	}
	fmt.Fprintf(w, "%s Pushed %d writes to %s, %d failed\n", renderWarn("⚠"), resp.Count, collection, len(resp.Errors))
	for _, e := range resp.Errors {
		fmt.Fprintf(w, "   %s\n", e)
	}
	return fmt.Errorf("%d writes could not be pushed", len(resp.Errors))
}

var pullCmd = &cobra.Command{
	Use:   "pull <collection>",
	Short: "Refresh the cache of a collection from the backend",
	Long: `Fetch the entities of a collection matching --query and replace the
cached copies. With --delta, a repeated pull of the same query fetches only
what changed since the previous one.

Pull refuses to run while writes are pending; push them first.

Example:
  offsync pull books --query '{"genre":"scifi"}' --delta`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOnline(); err != nil {
			return err
		}
		q, err := queryFlag(cmd)
		if err != nil {
			return err
		}

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		ds, err := openStore(m, args[0])
		if err != nil {
			return err
		}

		var opts []datastore.Option[datastore.Document]
		if cmd.Flags().Changed("delta") {
			delta, _ := cmd.Flags().GetBool("delta")
			opts = append(opts, datastore.WithDeltaSet[datastore.Document](delta))
		}

		start := time.Now()
		resp, err := ds.Pull(cmd.Context(), q, opts...)
		if err != nil {
			return err
		}
		reportPull(cmd.OutOrStdout(), args[0], resp, time.Since(start))
		return nil
	},
}

func reportPull(w io.Writer, collection string, resp *datastore.PullResponse[datastore.Document], elapsed time.Duration) {
	if resp.Delta {
		fmt.Fprintf(w, "%s Delta pull of %s in %v: %d changed, %d deleted\n",
			renderPass("✓"), collection, elapsed.Round(time.Millisecond), len(resp.Entities), resp.Deleted)
		return
	}
	fmt.Fprintf(w, "%s Pulled %d entities into %s in %v\n",
		renderPass("✓"), len(resp.Entities), collection, elapsed.Round(time.Millisecond))
}

var syncCmd = &cobra.Command{
	Use:   "sync <collection>",
	Short: "Push pending writes, then pull",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOnline(); err != nil {
			return err
		}
		q, err := queryFlag(cmd)
		if err != nil {
			return err
		}

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		ds, err := openStore(m, args[0])
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := ds.Sync(cmd.Context(), q)
		if err != nil {
			return err
		}
		if err := reportPush(cmd.OutOrStdout(), args[0], resp.Push, time.Since(start)); err != nil {
			return fmt.Errorf("%w; pull skipped", err)
		}
		reportPull(cmd.OutOrStdout(), args[0], resp.Pull, time.Since(start))
		return nil
	},
}

// queryFlag parses --query, a filter in the backend's JSON dialect.
func queryFlag(cmd *cobra.Command) (query.Query, error) {
	raw, _ := cmd.Flags().GetString("query")
	f, err := query.ParseFilterJSON(raw)
	if err != nil {
		return query.Query{}, fmt.Errorf("invalid --query: %w", err)
	}
	q := query.New()
	if f != nil {
		q = q.Where(f)
	}
	return q, nil
}

func init() {
	pullCmd.Flags().StringP("query", "q", "", "filter as JSON, e.g. '{\"genre\":\"scifi\"}'")
	pullCmd.Flags().Bool("delta", false, "fetch only changes since the previous pull of the query")
	syncCmd.Flags().StringP("query", "q", "", "filter of the pull, as JSON")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(syncCmd)
}
