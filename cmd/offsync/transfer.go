package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/internal/jsonl"
	"github.com/offlinekit/offsync/offline"
)

var exportCmd = &cobra.Command{
	Use:   "export <collection> <file.jsonl>",
	Short: "Write the cached entities of a collection to a JSONL file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryFlag(cmd)
		if err != nil {
			return err
		}
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		n, err := jsonl.Export(cmd.Context(), offline.CacheFor[cache.Document](m, args[0]), q, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d entities from %s to %s\n", renderPass("✓"), n, args[0], args[1])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <collection> <file.jsonl>",
	Short: "Load entities from a JSONL file into a collection",
	Long: `Load one JSON document per line into a collection.

By default documents go straight into the cache, as if pulled, and each
must carry an "_id". With --queue they are saved as local writes instead:
queued for the next push, and documents without an "_id" are created
under a temporary id.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		queued, _ := cmd.Flags().GetBool("queue")

		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		var save jsonl.SaveFunc
		if queued {
			ds, err := openStore(m, args[0])
			if err != nil {
				return err
			}
			save = func(ctx context.Context, d cache.Document) error {
				_, err := ds.Save(ctx, d)
				return err
			}
		} else {
			c := offline.CacheFor[cache.Document](m, args[0])
			save = c.Update
		}

		res, err := jsonl.Import(cmd.Context(), args[1], jsonl.ImportOptions{DryRun: dryRun, RequireID: !queued}, save)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d of %d entities into %s\n", renderPass("✓"), verb, res.Imported, res.Read, args[0])
		for _, e := range res.Errors {
			fmt.Fprintf(out, "   %s %s\n", renderWarn("skipped"), e)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("query", "q", "", "export only entities matching this JSON filter")
	importCmd.Flags().Bool("dry-run", false, "parse the file without writing")
	importCmd.Flags().Bool("queue", false, "save as local writes to be pushed")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
