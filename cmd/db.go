package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the relational store",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Creates or upgrades the raw, structured, session, recovery and backup tables for the configured driver.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("schema migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}
