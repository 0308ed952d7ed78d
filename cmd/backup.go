package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/model"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect, verify and restore tiered backups",
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check every tier's copy of a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "backup")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Backups.VerifyIntegrity(ctx, args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), rep, func(w io.Writer) { printIntegrity(w, rep) })
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup from the first tier holding an intact copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "backup")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Backups.RestoreFromAnyTier(ctx, args[0])
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out != "" {
			if err := os.WriteFile(out, rec.Data, 0o644); err != nil {
				return eris.Wrapf(err, "backup: write %s", out)
			}
		}
		return render(cmd.OutOrStdout(), restoreView(rec), func(w io.Writer) {
			fmt.Fprintf(w, "restored %s from %s (%s, checksum %s)\n",
				rec.BackupID, rec.Tier, humanize.Bytes(uint64(len(rec.Data))), rec.Checksum)
			if out != "" {
				fmt.Fprintf(w, "payload written to %s\n", out)
			}
		})
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired backups from every tier",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "backup")
		if err != nil {
			return err
		}
		defer env.Close()

		counts, cleanErr := env.Backups.CleanupExpired(ctx)
		if err := render(cmd.OutOrStdout(), counts, func(w io.Writer) {
			tiers := make([]string, 0, len(counts))
			for t := range counts {
				tiers = append(tiers, string(t))
			}
			sort.Strings(tiers)
			for _, t := range tiers {
				fmt.Fprintf(w, "%-11s %s removed\n", t, humanize.Comma(int64(counts[model.Tier(t)])))
			}
		}); err != nil {
			return err
		}
		return cleanErr
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup ids held by one tier",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "backup")
		if err != nil {
			return err
		}
		defer env.Close()

		tierName, _ := cmd.Flags().GetString("tier")
		tier := model.Tier(tierName)
		if !slices.Contains(env.Backups.EnabledTiers(), tier) {
			return eris.Errorf("backup: tier %q is not enabled", tierName)
		}

		f := backup.Filter{}
		f.SourceID, _ = cmd.Flags().GetString("source")
		f.SessionID, _ = cmd.Flags().GetString("session")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			from := time.Now().Add(-since)
			f.From = &from
		}

		ids, err := env.Backups.List(ctx, tier, f)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), ids, func(w io.Writer) {
			if len(ids) == 0 {
				fmt.Fprintln(w, "No backups found.")
				return
			}
			for _, id := range ids {
				fmt.Fprintln(w, id)
			}
		})
	},
}

// restoreView drops the payload bytes from structured output.
func restoreView(rec *model.BackupRecord) map[string]any {
	return map[string]any{
		"backup_id":  rec.BackupID,
		"source_id":  rec.SourceID,
		"tier":       rec.Tier,
		"size":       len(rec.Data),
		"checksum":   rec.Checksum,
		"metadata":   rec.Metadata,
		"created_at": rec.CreatedAt,
		"expires_at": rec.ExpiresAt,
	}
}

func printIntegrity(w io.Writer, rep *backup.IntegrityReport) {
	fmt.Fprintf(w, "backup %s checked at %s\n", rep.BackupID, rep.CheckedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tFOUND\tINTEGRITY\tDETAIL")
	tiers := make([]string, 0, len(rep.TiersChecked))
	for t := range rep.TiersChecked {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		c := rep.TiersChecked[model.Tier(t)]
		integrity := passFail(c.IntegrityOK)
		switch {
		case c.Skipped:
			integrity = "skipped"
		case !c.Found:
			integrity = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", t, c.Found, integrity, c.Error)
	}
	_ = tw.Flush()

	intact := make([]string, 0, len(rep.IntactTiers))
	for _, t := range rep.IntactTiers {
		intact = append(intact, string(t))
	}
	fmt.Fprintf(w, "corruption detected: %t\n", rep.CorruptionDetected)
	fmt.Fprintf(w, "intact tiers: %s\n", strings.Join(intact, ", "))
	for _, r := range rep.Recommendations {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}

func init() {
	backupRestoreCmd.Flags().String("out", "", "write the restored payload to this file")
	backupListCmd.Flags().String("tier", string(model.TierPrimary), "tier to list: primary, secondary, tertiary or quaternary")
	backupListCmd.Flags().String("source", "", "filter by source_id")
	backupListCmd.Flags().String("session", "", "filter by session_id")
	backupListCmd.Flags().Duration("since", 0, "only backups created within this duration")
	backupListCmd.Flags().Int("limit", 100, "maximum ids to list")

	backupCmd.AddCommand(backupVerifyCmd, backupRestoreCmd, backupCleanupCmd, backupListCmd)
	rootCmd.AddCommand(backupCmd)
}
