package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinekit/offsync/internal/autosync"
	"github.com/offlinekit/offsync/internal/dashboard"
	"github.com/offlinekit/offsync/query"
)

var watchCmd = &cobra.Command{
	Use:   "watch <collection>...",
	Short: "Keep collections in sync while the app runs (foreground)",
	Long: `Watch the offline database and keep the given collections in sync.

The watcher will:
  1. Push pending writes shortly after the app writes to the database
  2. Every --interval, push and then pull each collection
  3. Skip the pull of a collection while some of its writes fail to push

With --dashboard, it also serves the status of every collection over HTTP
and streams a message after each round to WebSocket clients at /ws.

Press Ctrl+C to stop.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireOnline(); err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		debounce, _ := cmd.Flags().GetDuration("debounce")
		dashAddr, _ := cmd.Flags().GetString("dashboard")

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		targets := make([]autosync.Target, 0, len(args))
		for _, c := range args {
			ds, err := openStore(m, c)
			if err != nil {
				return err
			}
			targets = append(targets, autosync.Target{
				Store: ds,
				Refresh: func(ctx context.Context) error {
					_, err := ds.Pull(ctx, query.New())
					return err
				},
			})
		}

		syncConfig := &autosync.Config{
			Interval:         interval,
			DebounceInterval: debounce,
			Logger:           logs.Named("autosync"),
		}

		var dash *dashboard.Server
		if dashAddr != "" {
			dash, err = dashboard.NewServer(dashboard.ManagerStatus(m), &dashboard.Config{
				Addr:   dashAddr,
				Logger: logs.Named("dashboard"),
			})
			if err != nil {
				return err
			}
			if err := dash.Start(); err != nil {
				return err
			}
			defer dash.Stop()
			syncConfig.OnRound = dashboard.NewHandler(dash, logs.Named("dashboard")).OnRound
		}

		dbPath := m.DB().Path()
		d, err := autosync.New(dbPath, targets, syncConfig)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Watching %s\n", renderAccent("🔄"), dbPath)
		fmt.Fprintf(out, "   Collections: %v\n", args)
		fmt.Fprintf(out, "   Interval: %v\n", interval)
		if dash != nil {
			fmt.Fprintf(out, "   Dashboard: http://%s\n", dash.Addr())
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		if err := d.Start(cmd.Context()); err != nil {
			return fmt.Errorf("watcher stopped: %w", err)
		}
		fmt.Fprintf(out, "%s Watcher stopped\n", renderPass("✓"))
		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("interval", time.Minute, "time between full push and pull rounds (0 disables)")
	watchCmd.Flags().Duration("debounce", 500*time.Millisecond, "quiet time after a database write before pushing")
	watchCmd.Flags().String("dashboard", "", "serve a live status dashboard on this address (e.g. localhost:8787)")

	rootCmd.AddCommand(watchCmd)
}
