// Package admission decides, per enrichment request, whether to run now or
// defer based on live downstream queue depth.
package admission

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Config holds the admission thresholds and the cooldown applied to
// deferred requests.
type Config struct {
	MaxImmediateWaiting  int           `yaml:"max_immediate_waiting" mapstructure:"max_immediate_waiting"`
	MaxImmediateActive   int           `yaml:"max_immediate_active" mapstructure:"max_immediate_active"`
	MaxProcessingBacklog int           `yaml:"max_processing_backlog" mapstructure:"max_processing_backlog"`
	InstantCooldown      time.Duration `yaml:"instant_cooldown" mapstructure:"instant_cooldown"`
}

// DefaultConfig returns the admission thresholds used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		MaxImmediateWaiting:  10,
		MaxImmediateActive:   5,
		MaxProcessingBacklog: 25,
		InstantCooldown:      time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxImmediateWaiting <= 0 {
		c.MaxImmediateWaiting = def.MaxImmediateWaiting
	}
	if c.MaxImmediateActive <= 0 {
		c.MaxImmediateActive = def.MaxImmediateActive
	}
	if c.MaxProcessingBacklog <= 0 {
		c.MaxProcessingBacklog = def.MaxProcessingBacklog
	}
	if c.InstantCooldown <= 0 {
		c.InstantCooldown = def.InstantCooldown
	}
	return c
}

// DepthProber reads the depth of the downstream execution and processing
// queues. The controller only ever reads depth; it never mutates the queues.
type DepthProber interface {
	QueueDepth(ctx context.Context) (model.QueueDepthSnapshot, error)
}

// Runner executes an admitted request. It owns terminal bookkeeping: by the
// time Execute returns, the request must no longer be in processing.
type Runner interface {
	Execute(ctx context.Context, req *model.EnrichmentRequest) error
}

// Store is the slice of the ledger store the controller needs.
type Store interface {
	TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) (bool, error)
	RecordDeferral(ctx context.Context, id string, reason model.DeferReason, cooldownUntil time.Time) error
}

// Decision is the outcome of one admission check.
type Decision struct {
	RunNow   bool
	Reason   model.DeferReason
	Snapshot *model.QueueDepthSnapshot
}

// Controller gates requests on queue depth and applies the pending→queued→
// processing transitions for admitted ones.
type Controller struct {
	store   Store
	prober  DepthProber
	runner  Runner
	cfg     Config
	nowFunc func() time.Time
}

func New(st Store, prober DepthProber, runner Runner, cfg Config) *Controller {
	return &Controller{
		store:   st,
		prober:  prober,
		runner:  runner,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// ShouldRunImmediately checks the request's cooldown before touching the
// queue probe, then applies the depth thresholds in order. A probe failure
// admits rather than blocking forever.
func (c *Controller) ShouldRunImmediately(ctx context.Context, req *model.EnrichmentRequest) Decision {
	now := c.nowFunc().UTC()
	if req.CoolingDown(now) {
		return Decision{Reason: model.DeferCooldownActive}
	}

	snap, err := c.prober.QueueDepth(ctx)
	if err != nil {
		zap.L().Warn("admission: queue depth probe failed, admitting fail-open",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return Decision{RunNow: true}
	}

	switch {
	case snap.ExecutionWaiting >= c.cfg.MaxImmediateWaiting:
		return Decision{Reason: model.DeferExecutionWaiting, Snapshot: &snap}
	case snap.ExecutionActive >= c.cfg.MaxImmediateActive:
		return Decision{Reason: model.DeferExecutionActive, Snapshot: &snap}
	case snap.ProcessingBacklog() >= c.cfg.MaxProcessingBacklog:
		return Decision{Reason: model.DeferProcessingBacklog, Snapshot: &snap}
	}
	return Decision{RunNow: true, Snapshot: &snap}
}

// Admit runs the admission check and applies its bookkeeping. It returns
// true only when this caller won the admission race and the request was
// handed to the runner. Losing the race is not an error.
func (c *Controller) Admit(ctx context.Context, req *model.EnrichmentRequest) (bool, error) {
	dec := c.ShouldRunImmediately(ctx, req)
	if !dec.RunNow {
		// A fresh cooldown is stamped only when the defer came from queue
		// pressure; an already-active cooldown is never re-extended.
		var cooldownUntil time.Time
		if dec.Reason != model.DeferCooldownActive {
			cooldownUntil = c.nowFunc().UTC().Add(c.cfg.InstantCooldown)
		}
		if err := c.store.RecordDeferral(ctx, req.ID, dec.Reason, cooldownUntil); err != nil {
			return false, eris.Wrapf(err, "admission: record deferral for request %s", req.ID)
		}
		zap.L().Debug("admission: deferred request",
			zap.String("request_id", req.ID),
			zap.String("reason", string(dec.Reason)),
		)
		return false, nil
	}

	won, err := c.store.TransitionRequest(ctx, req.ID, model.RequestStatusPending, model.RequestStatusQueued)
	if err != nil {
		return false, eris.Wrapf(err, "admission: enqueue request %s", req.ID)
	}
	if !won {
		// Another caller already moved the row out of pending.
		zap.L().Debug("admission: lost admission race", zap.String("request_id", req.ID))
		return false, nil
	}

	won, err = c.store.TransitionRequest(ctx, req.ID, model.RequestStatusQueued, model.RequestStatusProcessing)
	if err != nil {
		return false, eris.Wrapf(err, "admission: start processing request %s", req.ID)
	}
	if !won {
		zap.L().Debug("admission: request left queued state before processing",
			zap.String("request_id", req.ID))
		return false, nil
	}

	zap.L().Info("admission: admitted request",
		zap.String("request_id", req.ID),
		zap.String("term", req.Key.Term),
	)
	if c.runner != nil {
		if err := c.runner.Execute(ctx, req); err != nil {
			return true, eris.Wrapf(err, "admission: execute request %s", req.ID)
		}
	}
	return true, nil
}
