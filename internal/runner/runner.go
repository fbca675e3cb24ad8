// Package runner executes admitted enrichment requests against external
// source, extraction, and entity-store collaborators.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/store"
)

// SearchResult is what one source attempt produced. An attempt counts as
// successful when it yielded new raw content or at least one new downstream
// relationship.
type SearchResult struct {
	NewItems         int `json:"new_items"`
	NewRelationships int `json:"new_relationships"`
}

// Productive reports whether the attempt found anything worth keeping.
func (r SearchResult) Productive() bool {
	return r.NewItems > 0 || r.NewRelationships > 0
}

// SourceResolver maps a request's location scope and entity kind to the
// prioritized list of candidate sources.
type SourceResolver interface {
	ResolveCandidateSources(ctx context.Context, scope, entityKind string) ([]model.Source, error)
}

// Searcher performs the fetch-and-extract call against one source.
type Searcher interface {
	SearchAndExtract(ctx context.Context, src model.Source, term string) (SearchResult, error)
}

// EntityStore resolves or creates the downstream entity a completed request
// links to.
type EntityStore interface {
	FindOrCreate(ctx context.Context, term, kind string) (string, error)
}

// Store is the slice of the ledger store the runner writes results to.
type Store interface {
	ApplyAttemptResult(ctx context.Context, id string, res store.AttemptResult) error
}

// Config bounds per-source attempt behavior and the cooldown applied after
// an unproductive cycle.
type Config struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	RetryCooldown  time.Duration `yaml:"retry_cooldown" mapstructure:"retry_cooldown"`
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
		RetryCooldown:  15 * time.Minute,
		Retry:          resilience.DefaultRetryConfig(),
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = def.RetryCooldown
	}
	return c
}

// Runner orchestrates one enrichment attempt cycle per admitted request.
// Every path through Execute lands exactly one AttemptResult in the store,
// so a request never stays in processing.
type Runner struct {
	resolver SourceResolver
	searcher Searcher
	entities EntityStore
	store    Store
	breakers *resilience.SourceBreakers
	cfg      Config
	nowFunc  func() time.Time
}

func New(resolver SourceResolver, searcher Searcher, entities EntityStore, st Store, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		resolver: resolver,
		searcher: searcher,
		entities: entities,
		store:    st,
		breakers: resilience.NewSourceBreakers(cfg.Breaker),
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// Execute runs the attempt cycle for an admitted request and records the
// outcome. It returns an error only when the result itself could not be
// persisted.
func (r *Runner) Execute(ctx context.Context, req *model.EnrichmentRequest) error {
	res := r.run(ctx, req)
	if err := r.store.ApplyAttemptResult(ctx, req.ID, res); err != nil {
		return eris.Wrapf(err, "runner: record outcome for request %s", req.ID)
	}
	zap.L().Info("runner: request cycle complete",
		zap.String("request_id", req.ID),
		zap.String("term", req.Key.Term),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempted_sources", len(res.AttemptedSources)),
	)
	return nil
}

// run produces the attempt result for one cycle. Collaborator failures are
// folded into the result rather than returned, so the caller always has
// something to persist.
func (r *Runner) run(ctx context.Context, req *model.EnrichmentRequest) store.AttemptResult {
	now := r.nowFunc().UTC()

	sources, err := r.resolver.ResolveCandidateSources(ctx, req.Key.LocationScope, req.Key.EntityKind)
	if err != nil {
		return store.AttemptResult{
			Outcome:       model.OutcomeError,
			NextStatus:    model.RequestStatusPending,
			ErrorDetail:   eris.Wrap(err, "resolve candidate sources").Error(),
			CooldownUntil: now.Add(r.cfg.RetryCooldown),
		}
	}

	// An empty candidate list is not a failed attempt: the request goes
	// straight back to pending with no cooldown so it retries as soon as a
	// source becomes available.
	if len(sources) == 0 {
		zap.L().Warn("runner: no active sources for request",
			zap.String("request_id", req.ID),
			zap.String("scope", req.Key.LocationScope),
		)
		return store.AttemptResult{
			Outcome:    model.OutcomeNoActiveSources,
			NextStatus: model.RequestStatusPending,
		}
	}

	attempted := make([]string, 0, len(sources))
	var lastAttemptErr error

	for _, src := range sources {
		attempted = append(attempted, src.ID)

		result, err := r.attempt(ctx, src, req.Key.Term)
		if err != nil {
			lastAttemptErr = err
			if errors.Is(err, resilience.ErrCircuitOpen) {
				// Not a fresh failure: the source is sitting out its
				// reset window and the breaker rejected without calling it.
				zap.L().Debug("runner: source skipped, breaker open",
					zap.String("request_id", req.ID),
					zap.String("source_id", src.ID),
				)
				continue
			}
			zap.L().Warn("runner: source attempt failed",
				zap.String("request_id", req.ID),
				zap.String("source_id", src.ID),
				zap.String("error_class", resilience.ClassifyError(err)),
				zap.Error(err),
			)
			continue
		}
		if !result.Productive() {
			continue
		}

		entityID, err := r.linkEntity(ctx, req)
		if err != nil {
			return store.AttemptResult{
				Outcome:          model.OutcomeError,
				NextStatus:       model.RequestStatusPending,
				ErrorDetail:      eris.Wrapf(err, "link entity for term %q", req.Key.Term).Error(),
				AttemptedSources: attempted,
				CooldownUntil:    now.Add(r.cfg.RetryCooldown),
			}
		}
		// First success wins; remaining sources are not tried.
		return store.AttemptResult{
			Outcome:          model.OutcomeSuccess,
			NextStatus:       model.RequestStatusCompleted,
			LinkedEntityID:   entityID,
			AttemptedSources: attempted,
			CompletedAt:      now,
		}
	}

	if lastAttemptErr != nil {
		return store.AttemptResult{
			Outcome:          model.OutcomeError,
			NextStatus:       model.RequestStatusPending,
			ErrorDetail:      lastAttemptErr.Error(),
			AttemptedSources: attempted,
			CooldownUntil:    now.Add(r.cfg.RetryCooldown),
		}
	}
	return store.AttemptResult{
		Outcome:          model.OutcomeNoResults,
		NextStatus:       model.RequestStatusPending,
		AttemptedSources: attempted,
		CooldownUntil:    now.Add(r.cfg.RetryCooldown),
	}
}

// attempt runs one bounded fetch-and-extract call through the source's
// circuit breaker with transient-error retries.
func (r *Runner) attempt(ctx context.Context, src model.Source, term string) (SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	cb := r.breakers.Get(src.ID)
	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (SearchResult, error) {
		retry := r.cfg.Retry
		if retry.OnRetry == nil {
			retry.OnRetry = resilience.RetryLogger(src.ID, "search_and_extract")
		}
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (SearchResult, error) {
			return r.searcher.SearchAndExtract(ctx, src, term)
		})
	})
}

// linkEntity resolves the downstream entity for a successful cycle. A
// low-result enrichment keeps its already-linked entity; everything else
// (including a linked entity that has since disappeared upstream) goes
// through find-or-create by name.
func (r *Runner) linkEntity(ctx context.Context, req *model.EnrichmentRequest) (string, error) {
	if req.Key.Reason == model.ReasonLowResults && req.LinkedEntityID != "" {
		return req.LinkedEntityID, nil
	}
	return r.entities.FindOrCreate(ctx, req.Key.Term, req.Key.EntityKind)
}

// BreakerStates exposes per-source circuit state for monitoring.
func (r *Runner) BreakerStates() map[string]resilience.CircuitState {
	return r.breakers.States()
}
