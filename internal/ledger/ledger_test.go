package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// memLedgerStore is an in-memory LedgerStore capturing upsert batches.
type memLedgerStore struct {
	rows    map[model.RequestKey]*model.EnrichmentRequest
	batches [][]store.RequestUpsert
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{rows: make(map[model.RequestKey]*model.EnrichmentRequest)}
}

func (m *memLedgerStore) UpsertRequests(_ context.Context, upserts []store.RequestUpsert) ([]model.EnrichmentRequest, error) {
	m.batches = append(m.batches, upserts)
	out := make([]model.EnrichmentRequest, 0, len(upserts))
	for _, up := range upserts {
		key := up.Key.Normalize()
		row, ok := m.rows[key]
		if !ok {
			row = &model.EnrichmentRequest{
				ID:              key.String(),
				Key:             key,
				OccurrenceCount: 0,
				Status:          model.RequestStatusPending,
				CreatedAt:       up.ObservedAt,
			}
			m.rows[key] = row
		}
		row.OccurrenceCount++
		row.LastSeenAt = up.ObservedAt
		if up.ResultCountHint > 0 {
			row.ResultCountHint = up.ResultCountHint
		}
		out = append(out, *row)
	}
	return out, nil
}

func (m *memLedgerStore) GetRequestByKey(_ context.Context, key model.RequestKey) (*model.EnrichmentRequest, error) {
	row, ok := m.rows[key.Normalize()]
	if !ok {
		return nil, nil
	}
	return row, nil
}

func (m *memLedgerStore) ListRequests(_ context.Context, _ store.RequestFilter) ([]model.EnrichmentRequest, error) {
	var out []model.EnrichmentRequest
	for _, row := range m.rows {
		out = append(out, *row)
	}
	return out, nil
}

func TestLedger_Record_SanitizesAndDrops(t *testing.T) {
	t.Parallel()

	st := newMemLedgerStore()
	l := New(st)

	accepted, err := l.Record(context.Background(), []model.RawRequest{
		{Term: "Best Taco Stands near me", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery},
		{Term: "the best near me", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery}, // sanitizes empty
		{Term: "", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery},
	}, "user-1", time.Time{})
	require.NoError(t, err)

	require.Len(t, accepted, 1)
	assert.Equal(t, "taco stands", accepted[0].Key.Term)
	assert.Equal(t, model.ScopeGlobal, accepted[0].Key.LocationScope)
}

func TestLedger_Record_InBatchDedup(t *testing.T) {
	t.Parallel()

	st := newMemLedgerStore()
	l := New(st)

	accepted, err := l.Record(context.Background(), []model.RawRequest{
		{Term: "ramen shops", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery, ResultCountHint: 1},
		{Term: "Ramen  Shops!", EntityKind: "Venue", Reason: model.ReasonUnresolvedQuery, ResultCountHint: 4},
		{Term: "ramen shops", EntityKind: "venue", Reason: model.ReasonLowResults}, // different reason, distinct key
	}, "", time.Time{})
	require.NoError(t, err)

	require.Len(t, accepted, 2, "same key within a batch counts once")
	require.Len(t, st.batches, 1, "one atomic batch")
	assert.Equal(t, 4, st.batches[0][0].ResultCountHint, "strongest hint wins within batch")
}

func TestLedger_Record_EmptyBatchSkipsStore(t *testing.T) {
	t.Parallel()

	st := newMemLedgerStore()
	l := New(st)

	accepted, err := l.Record(context.Background(), []model.RawRequest{
		{Term: "near me", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery},
	}, "", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, accepted)
	assert.Empty(t, st.batches, "no store round trip for an all-dropped batch")
}

func TestLedger_Record_StampsObservedAt(t *testing.T) {
	t.Parallel()

	st := newMemLedgerStore()
	l := New(st)
	observed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	accepted, err := l.Record(context.Background(), []model.RawRequest{
		{Term: "jazz bars", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery},
	}, "", observed)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, observed, accepted[0].LastSeenAt)
}

func TestLedger_Lookup(t *testing.T) {
	t.Parallel()

	st := newMemLedgerStore()
	l := New(st)
	ctx := context.Background()

	_, err := l.Record(ctx, []model.RawRequest{
		{Term: "Vinyl Record stores", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery},
	}, "", time.Time{})
	require.NoError(t, err)

	// Lookup with a differently-cased raw term resolves to the same row.
	row, err := l.Lookup(ctx, model.RawRequest{Term: "vinyl record STORES", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "vinyl record stores", row.Key.Term)

	row, err = l.Lookup(ctx, model.RawRequest{Term: "the near me", EntityKind: "venue", Reason: model.ReasonUnresolvedQuery})
	require.NoError(t, err)
	assert.Nil(t, row, "empty sanitized term looks up to nothing")
}
