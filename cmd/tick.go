package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
)

var tickInterval time.Duration

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass: enqueue due sources and reconcile the backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "tick")
		if err != nil {
			return err
		}
		defer env.Close()

		if tickInterval <= 0 {
			return runTick(ctx, env)
		}

		zap.L().Info("tick loop started", zap.Duration("interval", tickInterval))
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			if err := runTick(ctx, env); err != nil {
				zap.L().Error("tick pass failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				zap.L().Info("tick loop stopped")
				return nil
			case <-ticker.C:
			}
		}
	},
}

// runTick enqueues collection jobs for every due source and then offers the
// pending backlog to the admission controller.
func runTick(ctx context.Context, env *env) error {
	now := time.Now().UTC()

	due, err := env.Registry.Due(ctx, cfg.Scheduler.MaxDuePerTick)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, sched := range due {
		src, ok := env.Catalog.Get(sched.SourceID)
		if !ok || !src.Active {
			zap.L().Debug("due source not in catalog or inactive, skipping",
				zap.String("source_id", sched.SourceID))
			continue
		}

		job := model.CollectionJob{
			SourceID:   src.ID,
			Endpoint:   src.Endpoint,
			DueAt:      sched.NextCollectionDueAt,
			EnqueuedAt: now,
		}
		if err := env.Queue.Enqueue(ctx, job); err != nil {
			zap.L().Error("enqueue collection job failed",
				zap.String("source_id", src.ID),
				zap.Error(err),
			)
			continue
		}
		// Roll the next due time forward so the source is not re-enqueued
		// on every tick while the job is still in flight.
		if err := env.Registry.MarkCollected(ctx, src.ID); err != nil {
			zap.L().Error("mark collected failed",
				zap.String("source_id", src.ID),
				zap.Error(err),
			)
		}
		enqueued++
	}

	result, err := env.Backlog.Run(ctx)
	if err != nil {
		return err
	}

	zap.L().Info("tick pass complete",
		zap.Int("due_sources", len(due)),
		zap.Int("jobs_enqueued", enqueued),
		zap.Int("backlog_recovered", result.Recovered),
		zap.Int("backlog_offered", result.Offered),
		zap.Int("backlog_admitted", result.Admitted),
		zap.Int("backlog_deferred", result.Deferred),
		zap.Int("backlog_failed", result.Failed),
	)
	return nil
}

func init() {
	tickCmd.Flags().DurationVar(&tickInterval, "interval", 0, "repeat the tick at this interval (one-shot when unset)")
	rootCmd.AddCommand(tickCmd)
}
