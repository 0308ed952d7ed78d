package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/monitoring"
	"github.com/sells-group/intake-vault/internal/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore lost raw records from backups and re-run migration",
}

// recoverRun builds the environment, runs one recovery operation and renders
// it. A failed operation is still printed before its error is returned.
func recoverRun(cmd *cobra.Command, run func(e *recovery.Engine) (*model.RecoveryOperation, error)) error {
	ctx := cmd.Context()
	env, err := initEnv(ctx, "backup")
	if err != nil {
		return err
	}
	defer env.Close()

	op, runErr := run(env.Recovery)
	if op != nil {
		if err := render(cmd.OutOrStdout(), op, func(w io.Writer) { printOperation(w, op) }); err != nil {
			return err
		}
	}
	return runErr
}

var recoverSessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "Recover every record backed up for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return recoverRun(cmd, func(e *recovery.Engine) (*model.RecoveryOperation, error) {
			return e.RecoverSession(cmd.Context(), args[0])
		})
	},
}

var recoverRangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Recover a source's records scraped within a date range",
	RunE: func(cmd *cobra.Command, _ []string) error {
		source, _ := cmd.Flags().GetString("source")
		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")
		start, err := parseDay(startStr)
		if err != nil {
			return eris.Wrap(err, "recover: --start")
		}
		end, err := parseDay(endStr)
		if err != nil {
			return eris.Wrap(err, "recover: --end")
		}
		return recoverRun(cmd, func(e *recovery.Engine) (*model.RecoveryOperation, error) {
			return e.RecoverDateRange(cmd.Context(), source, start, end)
		})
	},
}

var recoverRecordsCmd = &cobra.Command{
	Use:   "records <raw-id>...",
	Short: "Recover delayed or lost raw records by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return recoverRun(cmd, func(e *recovery.Engine) (*model.RecoveryOperation, error) {
			return e.RecoverDelayedProcessing(cmd.Context(), args)
		})
	},
}

var recoverSourceCmd = &cobra.Command{
	Use:   "source <source-id>",
	Short: "Recover every backed up record of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return recoverRun(cmd, func(e *recovery.Engine) (*model.RecoveryOperation, error) {
			return e.RecoverSource(cmd.Context(), args[0])
		})
	},
}

var recoverAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Recover every backed up record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return recoverRun(cmd, func(e *recovery.Engine) (*model.RecoveryOperation, error) {
			return e.RecoverAll(cmd.Context())
		})
	},
}

var recoverAutoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Run one automatic detection and recovery cycle and send alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "backup")
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(env.Recovery, monitoring.NewAlerter(cfg.Monitoring), 0)
		res := checker.Check(ctx)
		if res == nil {
			return eris.New("recover: automatic cycle failed")
		}
		if err := render(cmd.OutOrStdout(), res, func(w io.Writer) {
			printFindings(w, res.Report)
			fmt.Fprintf(w, "operations: %d\n", len(res.Operations))
			for _, op := range res.Operations {
				printOperation(w, op)
			}
			for _, msg := range res.Errors {
				fmt.Fprintf(w, "error: %s\n", msg)
			}
		}); err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return eris.Errorf("recover: %d operations failed", len(res.Errors))
		}
		return nil
	},
}

// parseDay accepts YYYY-MM-DD or RFC 3339 and returns UTC.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, eris.New("value is required")
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid time %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t.UTC(), nil
}

func init() {
	recoverRangeCmd.Flags().String("source", "", "source_id to recover (default every source)")
	recoverRangeCmd.Flags().String("start", "", "range start, inclusive (YYYY-MM-DD or RFC 3339)")
	recoverRangeCmd.Flags().String("end", "", "range end, exclusive (YYYY-MM-DD or RFC 3339)")

	recoverCmd.AddCommand(recoverSessionCmd, recoverRangeCmd, recoverRecordsCmd,
		recoverSourceCmd, recoverAllCmd, recoverAutoCmd)
	rootCmd.AddCommand(recoverCmd)
}
