package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/store"
)

type stubResolver struct {
	sources []model.Source
	err     error
}

func (s *stubResolver) ResolveCandidateSources(_ context.Context, _, _ string) ([]model.Source, error) {
	return s.sources, s.err
}

// scriptedSearcher answers SearchAndExtract per source ID.
type scriptedSearcher struct {
	results   map[string]SearchResult
	errs      map[string]error
	attempted []string
}

func (s *scriptedSearcher) SearchAndExtract(_ context.Context, src model.Source, _ string) (SearchResult, error) {
	s.attempted = append(s.attempted, src.ID)
	if err := s.errs[src.ID]; err != nil {
		return SearchResult{}, err
	}
	return s.results[src.ID], nil
}

type stubEntityStore struct {
	entityID string
	err      error
	calls    int
}

func (s *stubEntityStore) FindOrCreate(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.entityID, s.err
}

type capturingStore struct {
	results map[string]store.AttemptResult
	err     error
}

func newCapturingStore() *capturingStore {
	return &capturingStore{results: make(map[string]store.AttemptResult)}
}

func (s *capturingStore) ApplyAttemptResult(_ context.Context, id string, res store.AttemptResult) error {
	if s.err != nil {
		return s.err
	}
	s.results[id] = res
	return nil
}

func source(id string, priority int) model.Source {
	return model.Source{ID: id, Name: id, Kind: model.SourceKindHTTP, Priority: priority, Active: true}
}

func processingRequest(id string, reason model.RequestReason) *model.EnrichmentRequest {
	return &model.EnrichmentRequest{
		ID:     id,
		Key:    model.RequestKey{Term: "taco stands", EntityKind: "venue", Reason: reason, LocationScope: model.ScopeGlobal},
		Status: model.RequestStatusProcessing,
	}
}

// fastConfig keeps retries and breakers out of the way unless a test wants them.
func fastConfig() Config {
	return Config{
		AttemptTimeout: time.Second,
		RetryCooldown:  15 * time.Minute,
		Retry:          resilience.RetryConfig{MaxAttempts: 1},
	}
}

func newTestRunner(res *stubResolver, search *scriptedSearcher, ents *stubEntityStore, st *capturingStore, now time.Time) *Runner {
	r := New(res, search, ents, st, fastConfig())
	r.nowFunc = func() time.Time { return now }
	return r
}

func TestRunner_FirstSuccessStopsIteration(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1), source("src-b", 2), source("src-c", 3)}}
	searcher := &scriptedSearcher{results: map[string]SearchResult{
		"src-a": {},             // nothing found
		"src-b": {NewItems: 3},  // success
		"src-c": {NewItems: 99}, // must never run
	}}
	ents := &stubEntityStore{entityID: "ent-42"}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, ents, st, now)

	req := processingRequest("req-1", model.ReasonUnresolvedQuery)
	require.NoError(t, r.Execute(context.Background(), req))

	assert.Equal(t, []string{"src-a", "src-b"}, searcher.attempted, "iteration stops at first success")

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, model.RequestStatusCompleted, res.NextStatus)
	assert.Equal(t, "ent-42", res.LinkedEntityID)
	assert.Equal(t, []string{"src-a", "src-b"}, res.AttemptedSources)
	assert.Equal(t, now, res.CompletedAt)
	assert.True(t, res.CooldownUntil.IsZero(), "success carries no cooldown")
}

func TestRunner_NewRelationshipsCountAsSuccess(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1)}}
	searcher := &scriptedSearcher{results: map[string]SearchResult{
		"src-a": {NewRelationships: 1},
	}}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, &stubEntityStore{entityID: "ent-1"}, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))
	assert.Equal(t, model.OutcomeSuccess, st.results["req-1"].Outcome)
}

func TestRunner_NoSourceSucceeds(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1), source("src-b", 2)}}
	searcher := &scriptedSearcher{results: map[string]SearchResult{}} // nothing anywhere
	ents := &stubEntityStore{}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, ents, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeNoResults, res.Outcome)
	assert.Equal(t, model.RequestStatusPending, res.NextStatus, "terminal outcomes land back in pending")
	assert.Equal(t, []string{"src-a", "src-b"}, res.AttemptedSources)
	assert.Equal(t, now.Add(15*time.Minute), res.CooldownUntil)
	assert.Zero(t, ents.calls, "no entity created without a productive attempt")
}

func TestRunner_EmptySourceList(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st := newCapturingStore()
	r := newTestRunner(&stubResolver{}, &scriptedSearcher{}, &stubEntityStore{}, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeNoActiveSources, res.Outcome)
	assert.Equal(t, model.RequestStatusPending, res.NextStatus)
	assert.True(t, res.CooldownUntil.IsZero(), "no cooldown so the request retries as soon as sources exist")
	assert.Empty(t, res.AttemptedSources, "no attempt budget consumed")
}

func TestRunner_SourceErrorsContinueThenRecordError(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1), source("src-b", 2)}}
	searcher := &scriptedSearcher{errs: map[string]error{
		"src-a": errors.New("upstream 500"),
		"src-b": errors.New("parse failure"),
	}}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, &stubEntityStore{}, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))

	assert.Equal(t, []string{"src-a", "src-b"}, searcher.attempted, "a failed source never aborts the sweep")

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeError, res.Outcome)
	assert.Equal(t, model.RequestStatusPending, res.NextStatus)
	assert.Contains(t, res.ErrorDetail, "parse failure")
	assert.Equal(t, now.Add(15*time.Minute), res.CooldownUntil)
}

func TestRunner_ErrorThenSuccessStillCompletes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1), source("src-b", 2)}}
	searcher := &scriptedSearcher{
		errs:    map[string]error{"src-a": errors.New("timeout")},
		results: map[string]SearchResult{"src-b": {NewItems: 1}},
	}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, &stubEntityStore{entityID: "ent-7"}, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "ent-7", res.LinkedEntityID)
}

func TestRunner_ResolverFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st := newCapturingStore()
	r := newTestRunner(&stubResolver{err: errors.New("catalog unreadable")}, &scriptedSearcher{}, &stubEntityStore{}, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeError, res.Outcome)
	assert.Equal(t, model.RequestStatusPending, res.NextStatus)
	assert.Contains(t, res.ErrorDetail, "catalog unreadable")
	assert.Equal(t, now.Add(15*time.Minute), res.CooldownUntil)
}

func TestRunner_LowResultsReusesLinkedEntity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1)}}
	searcher := &scriptedSearcher{results: map[string]SearchResult{"src-a": {NewItems: 2}}}
	ents := &stubEntityStore{entityID: "ent-new"}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, ents, st, now)

	req := processingRequest("req-1", model.ReasonLowResults)
	req.LinkedEntityID = "ent-existing"

	require.NoError(t, r.Execute(context.Background(), req))

	res := st.results["req-1"]
	assert.Equal(t, "ent-existing", res.LinkedEntityID, "low-result enrichment keeps its entity")
	assert.Zero(t, ents.calls)
}

func TestRunner_LowResultsWithoutEntityFallsBack(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1)}}
	searcher := &scriptedSearcher{results: map[string]SearchResult{"src-a": {NewItems: 2}}}
	ents := &stubEntityStore{entityID: "ent-recreated"}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, ents, st, now)

	req := processingRequest("req-1", model.ReasonLowResults) // linked entity lost upstream
	require.NoError(t, r.Execute(context.Background(), req))

	assert.Equal(t, "ent-recreated", st.results["req-1"].LinkedEntityID)
	assert.Equal(t, 1, ents.calls)
}

func TestRunner_EntityStoreFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1)}}
	searcher := &scriptedSearcher{results: map[string]SearchResult{"src-a": {NewItems: 1}}}
	st := newCapturingStore()
	r := newTestRunner(resolver, searcher, &stubEntityStore{err: errors.New("entity store down")}, st, now)

	require.NoError(t, r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery)))

	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeError, res.Outcome)
	assert.Equal(t, model.RequestStatusPending, res.NextStatus, "never left in processing")
	assert.Contains(t, res.ErrorDetail, "entity store down")
}

func TestRunner_StoreWriteFailureSurfaces(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st := newCapturingStore()
	st.err = errors.New("disk full")
	r := newTestRunner(&stubResolver{}, &scriptedSearcher{}, &stubEntityStore{}, st, now)

	err := r.Execute(context.Background(), processingRequest("req-1", model.ReasonUnresolvedQuery))
	require.Error(t, err)
}

func TestRunner_BreakerSkipsFailingSource(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	resolver := &stubResolver{sources: []model.Source{source("src-a", 1)}}
	searcher := &scriptedSearcher{errs: map[string]error{"src-a": errors.New("down")}}
	st := newCapturingStore()

	cfg := fastConfig()
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	r := New(resolver, searcher, &stubEntityStore{}, st, cfg)
	r.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Execute(ctx, processingRequest("req-1", model.ReasonUnresolvedQuery)))
	}

	assert.Len(t, searcher.attempted, 2, "open breaker rejects the third attempt without calling the source")
	assert.Equal(t, resilience.CircuitOpen, r.BreakerStates()["src-a"])

	// The skip still lands a persisted result so the request returns to
	// pending with the rejection on record.
	res := st.results["req-1"]
	assert.Equal(t, model.OutcomeError, res.Outcome)
	assert.Equal(t, model.RequestStatusPending, res.NextStatus)
	assert.Contains(t, res.ErrorDetail, "circuit breaker is open")
}
