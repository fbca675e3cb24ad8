// Package backlog re-offers pending enrichment requests to the admission
// path, favoring high-demand, long-waiting rows.
package backlog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Config bounds how much backlog one reconciliation pass will touch and how
// long a queued or processing row may sit untouched before it is treated as
// stranded.
type Config struct {
	MaxRequestsPerBatch int           `yaml:"max_requests_per_batch" mapstructure:"max_requests_per_batch"`
	StaleAfter          time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

func DefaultConfig() Config {
	return Config{
		MaxRequestsPerBatch: 25,
		StaleAfter:          30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRequestsPerBatch <= 0 {
		c.MaxRequestsPerBatch = def.MaxRequestsPerBatch
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	return c
}

// Store is the slice of the ledger store the reconciler reads from.
type Store interface {
	PendingBacklog(ctx context.Context, now time.Time, limit int) ([]model.EnrichmentRequest, error)
	RecoverStale(ctx context.Context, staleBefore time.Time) (int, error)
}

// Admitter offers one request to the admission controller.
type Admitter interface {
	Admit(ctx context.Context, req *model.EnrichmentRequest) (bool, error)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Recovered int
	Offered   int
	Admitted  int
	Deferred  int
	Failed    int
}

// Reconciler drains a bounded slice of the pending backlog through the
// admission controller each pass.
type Reconciler struct {
	store    Store
	admitter Admitter
	cfg      Config
	nowFunc  func() time.Time
}

func New(st Store, admitter Admitter, cfg Config) *Reconciler {
	return &Reconciler{
		store:    st,
		admitter: admitter,
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// Run first returns stranded queued/processing rows to pending, then selects
// up to the batch size of pending rows with no active cooldown, ordered by
// demand, and offers each to admission. A failure on one row is logged and
// the pass continues with the rest.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	now := r.nowFunc().UTC()
	var res Result

	// A crash mid-attempt or a failed result write leaves a row in queued
	// or processing, where the backlog query cannot see it.
	recovered, err := r.store.RecoverStale(ctx, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		zap.L().Warn("backlog: stale request recovery failed", zap.Error(err))
	} else if recovered > 0 {
		res.Recovered = recovered
		zap.L().Info("backlog: returned stranded requests to pending",
			zap.Int("recovered", recovered))
	}

	rows, err := r.store.PendingBacklog(ctx, now, r.cfg.MaxRequestsPerBatch)
	if err != nil {
		return res, eris.Wrap(err, "backlog: load pending requests")
	}
	if len(rows) == 0 {
		return res, nil
	}

	for i := range rows {
		req := &rows[i]
		res.Offered++

		ran, err := r.admitter.Admit(ctx, req)
		switch {
		case err != nil:
			res.Failed++
			zap.L().Warn("backlog: request attempt failed",
				zap.String("request_id", req.ID),
				zap.String("term", req.Key.Term),
				zap.Error(err),
			)
		case ran:
			res.Admitted++
		default:
			res.Deferred++
		}
	}

	zap.L().Info("backlog: reconciliation pass complete",
		zap.Int("recovered", res.Recovered),
		zap.Int("offered", res.Offered),
		zap.Int("admitted", res.Admitted),
		zap.Int("deferred", res.Deferred),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
