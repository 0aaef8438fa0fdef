package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offlinekit/offsync/internal/config"
)

var resetCmd = &cobra.Command{
	Use:   "reset [collection]",
	Short: "Drop cached data and pending writes",
	Long: `Without arguments, drop every cached collection, the pending writes and the
delta-set history. With a collection, drop only that collection's data.

Pending writes are lost; push them first if they matter.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("reset discards unpushed writes; rerun with --yes")
		}
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			n, err := m.ClearCollection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Cleared %d entities from %s\n", renderPass("✓"), n, args[0])
			return nil
		}
		if err := m.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Offline store reset\n", renderPass("✓"))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
	// Skips loading, so a broken config file can be replaced.
	PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
	PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", renderPass("✓"), path)
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("yes", false, "confirm discarding local data")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(configCmd)
}
