// Package store persists source schedules and the enrichment request ledger.
package store

import (
	"context"
	"time"

	"github.com/sells-group/ingest-cli/internal/model"
)

// RequestUpsert is one sanitized observation headed for the ledger. The
// store either creates a new row for the key or folds the observation into
// the existing one.
type RequestUpsert struct {
	Key             model.RequestKey
	ResultCountHint int
	Metadata        map[string]any
	RequesterID     string
	ObservedAt      time.Time
}

// AttemptResult carries everything the runner learned from one attempt
// cycle back into the ledger in a single write.
type AttemptResult struct {
	Outcome          model.Outcome
	NextStatus       model.RequestStatus
	LinkedEntityID   string
	ErrorDetail      string
	AttemptedSources []string
	CooldownUntil    time.Time
	CompletedAt      time.Time
}

// RequestFilter specifies criteria for listing ledger rows.
type RequestFilter struct {
	Status     model.RequestStatus `json:"status,omitempty"`
	EntityKind string              `json:"entity_kind,omitempty"`
	Reason     model.RequestReason `json:"reason,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
	Offset     int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the scheduling core.
//
// TransitionRequest is a compare-and-swap: it succeeds only when the row is
// currently in the expected status, which is what makes concurrent admission
// attempts on the same key safe without a global lock.
type Store interface {
	// Source schedules
	GetSchedule(ctx context.Context, sourceID string) (*model.SourceSchedule, error)
	UpsertSchedule(ctx context.Context, sched *model.SourceSchedule) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]model.SourceSchedule, error)
	ListSchedules(ctx context.Context) ([]model.SourceSchedule, error)

	// Request ledger
	UpsertRequests(ctx context.Context, upserts []RequestUpsert) ([]model.EnrichmentRequest, error)
	GetRequest(ctx context.Context, id string) (*model.EnrichmentRequest, error)
	GetRequestByKey(ctx context.Context, key model.RequestKey) (*model.EnrichmentRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnrichmentRequest, error)
	TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) (bool, error)
	RecordDeferral(ctx context.Context, id string, reason model.DeferReason, cooldownUntil time.Time) error
	ApplyAttemptResult(ctx context.Context, id string, res AttemptResult) error
	PendingBacklog(ctx context.Context, now time.Time, limit int) ([]model.EnrichmentRequest, error)
	RecoverStale(ctx context.Context, staleBefore time.Time) (int, error)
	RequestStatusCounts(ctx context.Context) (map[model.RequestStatus]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
