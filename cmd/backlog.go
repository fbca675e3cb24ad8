package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Offer the pending backlog to the admission controller once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Backlog.Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("backlog reconciliation complete",
			zap.Int("recovered", result.Recovered),
			zap.Int("offered", result.Offered),
			zap.Int("admitted", result.Admitted),
			zap.Int("deferred", result.Deferred),
			zap.Int("failed", result.Failed),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backlogCmd)
}
