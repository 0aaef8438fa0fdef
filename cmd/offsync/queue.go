package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/offlinekit/offsync/syncqueue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and purge pending writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list [collection]",
	Short: "List pending writes",
	Long: `List the writes waiting to be pushed, for one collection or all of them.

Output formats:
  text   aligned table (default)
  json   indented JSON array
  yaml   YAML sequence`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		var actions []syncqueue.PendingWriteAction
		if len(args) == 1 {
			actions, err = m.SyncQueue(args[0]).GetAll(cmd.Context())
		} else {
			actions, err = m.PendingActions(cmd.Context())
		}
		if err != nil {
			return err
		}
		return writeActions(cmd.OutOrStdout(), format, actions)
	},
}

func writeActions(w io.Writer, format string, actions []syncqueue.PendingWriteAction) error {
	if actions == nil {
		actions = []syncqueue.PendingWriteAction{}
	}
	switch format {
	case "json":
		data, err := json.MarshalIndent(actions, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode actions: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(actions); err != nil {
			return fmt.Errorf("failed to encode actions: %w", err)
		}
		return enc.Close()

	case "text", "":
		if len(actions) == 0 {
			fmt.Fprintf(w, "%s No pending writes\n", renderPass("✓"))
			return nil
		}
		rows := make([][]string, 0, len(actions))
		for _, a := range actions {
			rows = append(rows, []string{strconv.FormatInt(a.Key, 10), a.Collection, string(a.Action), a.EntityID})
		}
		fmt.Fprintln(w, renderTable([]string{"KEY", "COLLECTION", "ACTION", "ENTITY"}, rows))
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge <collection>",
	Short: "Drop every pending write of a collection without pushing it",
	Long: `Drop the pending writes of a collection. Cached entities are left as they
are, so local changes stay visible but will never reach the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		n, err := m.SyncQueue(args[0]).RemoveAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Purged %d pending writes from %s\n", renderPass("✓"), n, args[0])
		return nil
	},
}

func init() {
	queueListCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
