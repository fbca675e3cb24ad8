package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Ledger counts by status.
	RequestsPending    int `json:"requests_pending"`
	RequestsQueued     int `json:"requests_queued"`
	RequestsProcessing int `json:"requests_processing"`
	RequestsCompleted  int `json:"requests_completed"`
	RequestsFailed     int `json:"requests_failed"`

	// Failed as a fraction of all terminal-attempt rows.
	RequestFailRate float64 `json:"request_fail_rate"`

	// Sources whose next collection is due now.
	DueSources int `json:"due_sources"`

	// Downstream queue depths, nil when the probe was unavailable.
	Queue *model.QueueDepthSnapshot `json:"queue,omitempty"`

	// Circuit breaker states keyed by source ID.
	Breakers map[string]string `json:"breakers,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// DepthProber reads downstream queue depths.
type DepthProber interface {
	QueueDepth(ctx context.Context) (model.QueueDepthSnapshot, error)
}

// BreakerStater reports circuit breaker state per source.
type BreakerStater interface {
	BreakerStates() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store, the queue subsystem, and the
// runner's breakers. Prober and breakers are optional.
type Collector struct {
	store    store.Store
	prober   DepthProber
	breakers BreakerStater
	nowFunc  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, prober DepthProber, breakers BreakerStater) *Collector {
	return &Collector{
		store:    st,
		prober:   prober,
		breakers: breakers,
		nowFunc:  time.Now,
	}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{CollectedAt: now}

	counts, err := c.store.RequestStatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: request status counts")
	}
	snap.RequestsPending = counts[model.RequestStatusPending]
	snap.RequestsQueued = counts[model.RequestStatusQueued]
	snap.RequestsProcessing = counts[model.RequestStatusProcessing]
	snap.RequestsCompleted = counts[model.RequestStatusCompleted]
	snap.RequestsFailed = counts[model.RequestStatusFailed]

	if finished := snap.RequestsCompleted + snap.RequestsFailed; finished > 0 {
		snap.RequestFailRate = float64(snap.RequestsFailed) / float64(finished)
	}

	due, err := c.store.DueSchedules(ctx, now, 1000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: due schedules")
	}
	snap.DueSources = len(due)

	// Queue depth is advisory; a failed probe degrades the snapshot rather
	// than failing the collection.
	if c.prober != nil {
		depth, err := c.prober.QueueDepth(ctx)
		if err != nil {
			zap.L().Warn("monitoring: queue depth probe failed", zap.Error(err))
		} else {
			snap.Queue = &depth
		}
	}

	if c.breakers != nil {
		states := c.breakers.BreakerStates()
		if len(states) > 0 {
			snap.Breakers = make(map[string]string, len(states))
			for id, state := range states {
				snap.Breakers[id] = state.String()
			}
		}
	}

	return snap, nil
}
