package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
)

var (
	observeSourceID string
	observeRate     float64
	listDueOnly     bool
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and calibrate source collection schedules",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all source schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var scheds []model.SourceSchedule
		if listDueOnly {
			scheds, err = env.Registry.Due(ctx, cfg.Scheduler.MaxDuePerTick)
		} else {
			scheds, err = env.Store.ListSchedules(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "list schedules")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(scheds)
	},
}

var sourcesObserveCmd = &cobra.Command{
	Use:   "observe",
	Short: "Report an observed posting rate for a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := env.Registry.UpdateObservedRate(ctx, observeSourceID, observeRate)
		if err != nil {
			return eris.Wrap(err, "update observed rate")
		}

		zap.L().Info("schedule updated",
			zap.String("source_id", sched.SourceID),
			zap.Float64("average_items_per_day", sched.AverageItemsPerDay),
			zap.Float64("interval_days", sched.SafeIntervalDays),
			zap.Time("next_due", sched.NextCollectionDueAt),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sched)
	},
}

func init() {
	sourcesListCmd.Flags().BoolVar(&listDueOnly, "due", false, "only schedules currently due for collection")
	sourcesObserveCmd.Flags().StringVar(&observeSourceID, "source", "", "source identifier (required)")
	sourcesObserveCmd.Flags().Float64Var(&observeRate, "rate", 0, "observed items per day")
	_ = sourcesObserveCmd.MarkFlagRequired("source")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesObserveCmd)
	rootCmd.AddCommand(sourcesCmd)
}
