package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the company store and kv schemas",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		se, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer se.Close()

		_, closeKV, err := initKV(ctx, cfg, se)
		if err != nil {
			return err
		}
		defer closeKV()

		zap.L().Info("migrations complete",
			zap.String("store", cfg.Store.Driver),
			zap.String("kv", cfg.KV.Driver),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
