package schedule

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
)

// ScheduleStore abstracts the persistence methods the registry needs.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, sourceID string) (*model.SourceSchedule, error)
	UpsertSchedule(ctx context.Context, sched *model.SourceSchedule) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]model.SourceSchedule, error)
	ListSchedules(ctx context.Context) ([]model.SourceSchedule, error)
}

// DefaultRateFunc returns the configured default posting rate for a source,
// or 0 when the source has no per-source default.
type DefaultRateFunc func(sourceID string) float64

// Registry tracks per-source collection cadence. Schedules are created on
// first reference and never deleted.
type Registry struct {
	store       ScheduleStore
	cfg         CalculatorConfig
	defaultRate DefaultRateFunc

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewRegistry creates a schedule registry over the given store. defaultRate
// may be nil when no per-source defaults are configured.
func NewRegistry(st ScheduleStore, cfg CalculatorConfig, defaultRate DefaultRateFunc) *Registry {
	if defaultRate == nil {
		defaultRate = func(string) float64 { return 0 }
	}
	return &Registry{
		store:       st,
		cfg:         cfg.withDefaults(),
		defaultRate: defaultRate,
		nowFunc:     time.Now,
	}
}

// Get returns the schedule for a source, or nil when the source has never
// been referenced.
func (r *Registry) Get(ctx context.Context, sourceID string) (*model.SourceSchedule, error) {
	return r.store.GetSchedule(ctx, sourceID)
}

// IsDue reports whether a source is due for collection. Unknown sources are
// treated as immediately due so first contact happens right away.
func (r *Registry) IsDue(ctx context.Context, sourceID string) (bool, error) {
	sched, err := r.store.GetSchedule(ctx, sourceID)
	if err != nil {
		return false, eris.Wrapf(err, "schedule: get %s", sourceID)
	}
	if sched == nil {
		return true, nil
	}
	return sched.Due(r.nowFunc()), nil
}

// Due returns all schedules whose next collection time has arrived, capped
// at limit (0 = no cap).
func (r *Registry) Due(ctx context.Context, limit int) ([]model.SourceSchedule, error) {
	return r.store.DueSchedules(ctx, r.nowFunc(), limit)
}

// UpdateObservedRate folds one observed posting rate into a source's
// schedule and recomputes its interval.
//
// The first observation for a source initializes the schedule from the
// configured default rate and deliberately ignores the observed value: a
// single sample from an unknown source is too noisy to calibrate on.
func (r *Registry) UpdateObservedRate(ctx context.Context, sourceID string, observedItemsPerDay float64) (*model.SourceSchedule, error) {
	now := r.nowFunc()

	sched, err := r.store.GetSchedule(ctx, sourceID)
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: get %s", sourceID)
	}

	if sched == nil {
		seed := r.defaultRate(sourceID)
		if seed <= 0 {
			seed = r.cfg.DefaultItemsPerDay
		}
		iv := ComputeInterval(seed, r.defaultRate(sourceID), r.cfg, now)
		sched = &model.SourceSchedule{
			SourceID:            sourceID,
			AverageItemsPerDay:  seed,
			SafeIntervalDays:    iv.ConstrainedDays,
			Reasoning:           iv.Reasoning,
			LastCalculatedAt:    now,
			NextCollectionDueAt: iv.NextDueAt,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := r.store.UpsertSchedule(ctx, sched); err != nil {
			return nil, eris.Wrapf(err, "schedule: init %s", sourceID)
		}
		zap.L().Info("schedule initialized",
			zap.String("source_id", sourceID),
			zap.Float64("seed_rate", seed),
			zap.Float64("interval_days", sched.SafeIntervalDays),
		)
		return sched, nil
	}

	newRate := BlendRate(sched.AverageItemsPerDay, observedItemsPerDay, r.cfg.SmoothingAlpha)
	iv := ComputeInterval(newRate, r.defaultRate(sourceID), r.cfg, now)

	sched.AverageItemsPerDay = newRate
	sched.SafeIntervalDays = iv.ConstrainedDays
	sched.Reasoning = iv.Reasoning
	sched.LastCalculatedAt = now
	sched.NextCollectionDueAt = iv.NextDueAt
	sched.UpdatedAt = now

	if err := r.store.UpsertSchedule(ctx, sched); err != nil {
		return nil, eris.Wrapf(err, "schedule: update %s", sourceID)
	}

	zap.L().Debug("schedule recalibrated",
		zap.String("source_id", sourceID),
		zap.Float64("observed_rate", observedItemsPerDay),
		zap.Float64("blended_rate", newRate),
		zap.Float64("interval_days", iv.ConstrainedDays),
		zap.String("reasoning", iv.Reasoning),
	)
	return sched, nil
}

// MarkCollected stamps a completed collection pass and rolls the next due
// time forward from now by the current interval.
func (r *Registry) MarkCollected(ctx context.Context, sourceID string) error {
	now := r.nowFunc()

	sched, err := r.store.GetSchedule(ctx, sourceID)
	if err != nil {
		return eris.Wrapf(err, "schedule: get %s", sourceID)
	}
	if sched == nil {
		// Collection reported for a source we have never scheduled;
		// initialize it so the next cycle is planned.
		_, err := r.UpdateObservedRate(ctx, sourceID, 0)
		return err
	}

	sched.LastCollectedAt = now
	sched.NextCollectionDueAt = now.Add(time.Duration(sched.SafeIntervalDays * float64(24*time.Hour)))
	sched.UpdatedAt = now
	return eris.Wrapf(r.store.UpsertSchedule(ctx, sched), "schedule: mark collected %s", sourceID)
}
