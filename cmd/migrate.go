package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-vault/internal/migration"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Validate pending raw records and migrate them into the structured store",
	Long: `Runs one migration pass: validates and scores pending raw records,
upserts those at or above the quality threshold into the structured store,
reports the quality distribution and prunes payloads past retention.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Migrator.Run(ctx)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), stats, func(w io.Writer) { printStats(w, stats) })
	},
}

var migrateRecordsCmd = &cobra.Command{
	Use:   "records <raw-id>...",
	Short: "Re-run migration for specific raw records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Migrator.MigrateRecords(ctx, args)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), stats, func(w io.Writer) { printStats(w, stats) })
	},
}

func printStats(w io.Writer, s migration.Stats) {
	fmt.Fprintf(w, "processed %s of %s fetched (%d completed, %d failed, %d errors)\n",
		humanize.Comma(int64(s.Processed)), humanize.Comma(int64(s.Fetched)), s.Completed, s.Failed, s.Errors)
	fmt.Fprintf(w, "migrated %s new, %s updated (%d duplicates, %d demoted)\n",
		humanize.Comma(int64(s.Migrated)), humanize.Comma(int64(s.Updated)), s.Duplicates, s.Demoted)
	fmt.Fprintf(w, "quality: %d high, %d medium, %d low (%.0f%% high)\n",
		s.Quality.High, s.Quality.Medium, s.Quality.Low, s.Quality.HighRatio()*100)
	fmt.Fprintf(w, "pruned %s payloads in %s\n", humanize.Comma(int64(s.Pruned)), s.Duration)
}

func init() {
	migrateCmd.AddCommand(migrateRecordsCmd)
	rootCmd.AddCommand(migrateCmd)
}
