package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached and pending counts per collection",
	Long: `Display the state of the offline database.

Shows:
  - Database location and size
  - Cached entities per collection
  - Writes waiting to be pushed per collection`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Fprintf(out, "\n%s No offline database at %s\n\n", renderWarn("⚠"), cfg.DBPath)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check database: %w", err)
		}

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		ctx := cmd.Context()
		stats, err := m.Stats(ctx)
		if err != nil {
			return err
		}

		var rows [][]string
		totalPending := 0
		for _, st := range stats {
			totalPending += st.Pending
			rows = append(rows, []string{st.Collection, strconv.Itoa(st.Cached), strconv.Itoa(st.Pending)})
		}

		fmt.Fprintf(out, "\n%s Offline Store Status\n\n", renderAccent("📊"))
		fmt.Fprintf(out, "Location: %s\n", cfg.DBPath)
		fmt.Fprintf(out, "Size: %s\n", formatSize(info.Size()))
		fmt.Fprintf(out, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		if cfg.Online() {
			fmt.Fprintf(out, "Backend: %s (%s)\n", cfg.BaseURL, cfg.AppKey)
		} else {
			fmt.Fprintf(out, "Backend: %s\n", renderMuted("not configured"))
		}
		fmt.Fprintln(out)

		if len(rows) == 0 {
			fmt.Fprintf(out, "%s\n\n", renderMuted("No collections cached yet"))
			return nil
		}
		fmt.Fprintln(out, renderTable([]string{"COLLECTION", "CACHED", "PENDING"}, rows))
		fmt.Fprintln(out)
		if totalPending == 0 {
			fmt.Fprintf(out, "%s Nothing to push\n\n", renderPass("✓"))
		} else {
			fmt.Fprintf(out, "%s %d writes waiting to be pushed\n\n", renderWarn("⚠"), totalPending)
		}
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
