package main

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-vault/internal/detector"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Scan for failed sessions, data gaps and processing delays",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		rep := env.Detector.Scan(ctx)
		if err := render(cmd.OutOrStdout(), rep, func(w io.Writer) { printFindings(w, rep) }); err != nil {
			return err
		}

		failOn, _ := cmd.Flags().GetString("fail-on")
		if failOn == "" {
			return nil
		}
		if n := rep.CountAtLeast(detector.Severity(failOn)); n > 0 {
			return eris.Errorf("detect: %d findings at or above %s", n, failOn)
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().String("fail-on", "", "exit non-zero when a finding reaches this severity (low, medium, high)")
	rootCmd.AddCommand(detectCmd)
}
