// Command offsync inspects and drives the offline store of an app: local
// cache contents, pending writes, push and pull against the backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/offlinekit/offsync/datastore"
	"github.com/offlinekit/offsync/internal/config"
	"github.com/offlinekit/offsync/internal/logging"
	"github.com/offlinekit/offsync/network"
	"github.com/offlinekit/offsync/offline"
)

var (
	cfgFile string
	dbPath  string
	logFile string
	verbose bool

	cfg  *config.Config
	logs *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline store inspection and sync",
	Long: `offsync works on the SQLite file behind an offline-first app.

It shows what is cached and what is waiting to be pushed, replays pending
writes to the backend, pulls fresh data (incrementally with --delta), and
moves collections in and out of JSONL files.

Settings come from offsync.toml, OFFSYNC_* environment variables and the
flags below, flags winning.`,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./offsync.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path of the offline database")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file, rotated")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log activity to stderr")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		cancel()
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if verbose {
		cfg.Log.Verbose = true
	}
	logs = logging.New(cfg.Log, cmd.ErrOrStderr())
	logs.Debugf("Using database %s", cfg.DBPath)
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if logs == nil {
		return nil
	}
	return logs.Close()
}

func openManager() (*offline.Manager, error) {
	m, err := offline.OpenWithConfig(&offline.Config{
		Path:   cfg.DBPath,
		Logger: logs.Named("offline"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DBPath, err)
	}
	return m, nil
}

// openStore returns a Sync store for collection. It talks to the backend
// only through Push and Pull; the executor is nil when no backend is
// configured.
func openStore(m *offline.Manager, collection string) (*datastore.DataStore[datastore.Document], error) {
	var exec network.Executor
	if cfg.Online() {
		client, err := network.NewClient(cfg.NetworkConfig(logs.Named("network")))
		if err != nil {
			return nil, err
		}
		exec = client
	}
	opts := cfg.DataStoreOptions(logs.Named("datastore"))
	opts.StoreType = datastore.Sync
	return datastore.New[datastore.Document](m, exec, collection, opts)
}

func requireOnline() error {
	if !cfg.Online() {
		return fmt.Errorf("no backend configured: set base_url and app_key")
	}
	return nil
}
