// Package ledger records deduplicated enrichment demand.
//
// Every unresolved query term that reaches the system lands here exactly
// once per (term, kind, reason, scope) key; repeat observations bump a
// counter instead of creating rows, which is what makes the ledger usable
// as a demand signal for backlog prioritization.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// LedgerStore abstracts the persistence methods the ledger needs.
type LedgerStore interface {
	UpsertRequests(ctx context.Context, upserts []store.RequestUpsert) ([]model.EnrichmentRequest, error)
	GetRequestByKey(ctx context.Context, key model.RequestKey) (*model.EnrichmentRequest, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]model.EnrichmentRequest, error)
}

// Ledger is the write path for enrichment requests.
type Ledger struct {
	store LedgerStore

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Ledger over the given store.
func New(st LedgerStore) *Ledger {
	return &Ledger{store: st, nowFunc: time.Now}
}

// Record sanitizes, deduplicates, and upserts a batch of raw observations.
// Requests whose term sanitizes to nothing are dropped silently; the whole
// surviving batch is written atomically. Returns the accepted ledger rows
// in their post-upsert state.
func (l *Ledger) Record(ctx context.Context, raws []model.RawRequest, requesterID string, observedAt time.Time) ([]model.EnrichmentRequest, error) {
	if observedAt.IsZero() {
		observedAt = l.nowFunc().UTC()
	}

	seen := make(map[model.RequestKey]int) // key -> index into upserts
	var upserts []store.RequestUpsert
	dropped := 0

	for _, raw := range raws {
		term := SanitizeTerm(raw.Term)
		if term == "" {
			dropped++
			continue
		}

		key := model.RequestKey{
			Term:          term,
			EntityKind:    raw.EntityKind,
			Reason:        raw.Reason,
			LocationScope: raw.LocationScope,
		}.Normalize()

		if idx, dup := seen[key]; dup {
			// Within one batch the same key still counts once; keep the
			// strongest hint and the richest metadata.
			if raw.ResultCountHint > upserts[idx].ResultCountHint {
				upserts[idx].ResultCountHint = raw.ResultCountHint
			}
			if upserts[idx].Metadata == nil && raw.Metadata != nil {
				upserts[idx].Metadata = raw.Metadata
			}
			continue
		}

		seen[key] = len(upserts)
		upserts = append(upserts, store.RequestUpsert{
			Key:             key,
			ResultCountHint: raw.ResultCountHint,
			Metadata:        raw.Metadata,
			RequesterID:     requesterID,
			ObservedAt:      observedAt,
		})
	}

	if dropped > 0 {
		zap.L().Debug("ledger: dropped requests with empty sanitized terms",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(upserts)),
		)
	}
	if len(upserts) == 0 {
		return nil, nil
	}

	accepted, err := l.store.UpsertRequests(ctx, upserts)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: record batch")
	}

	zap.L().Info("ledger: recorded requests",
		zap.Int("accepted", len(accepted)),
		zap.Int("dropped", dropped),
		zap.String("requester", requesterID),
	)
	return accepted, nil
}

// Lookup returns the ledger row for a raw term, if one exists.
func (l *Ledger) Lookup(ctx context.Context, raw model.RawRequest) (*model.EnrichmentRequest, error) {
	term := SanitizeTerm(raw.Term)
	if term == "" {
		return nil, nil
	}
	key := model.RequestKey{
		Term:          term,
		EntityKind:    raw.EntityKind,
		Reason:        raw.Reason,
		LocationScope: raw.LocationScope,
	}.Normalize()
	return l.store.GetRequestByKey(ctx, key)
}

// List returns ledger rows matching the filter.
func (l *Ledger) List(ctx context.Context, filter store.RequestFilter) ([]model.EnrichmentRequest, error) {
	return l.store.ListRequests(ctx, filter)
}
