package catalog

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/geo"
	"github.com/sells-group/ingest-cli/internal/model"
)

// Resolver resolves candidate sources for a request's location scope and
// entity kind from the catalog, in priority order.
type Resolver struct {
	catalog  *Catalog
	coverage *geo.CoverageIndex
	// kindTopics maps an entity kind to the source topics that serve it.
	// A kind with no mapping matches any source.
	kindTopics map[string][]string
}

// NewResolver builds a resolver over the catalog. The coverage index may be
// nil, in which case city-scoped requests only match global sources.
func NewResolver(c *Catalog, coverage *geo.CoverageIndex, kindTopics map[string][]string) *Resolver {
	return &Resolver{catalog: c, coverage: coverage, kindTopics: kindTopics}
}

// ResolveCandidateSources returns active sources whose coverage serves the
// scope and whose topics serve the entity kind, highest priority first. An
// unparseable scope resolves to no sources rather than an error: the request
// cycle records no_active_sources and the bad scope surfaces in logs.
func (r *Resolver) ResolveCandidateSources(ctx context.Context, scope, entityKind string) ([]model.Source, error) {
	parsed, err := geo.ParseScope(scope)
	if err != nil {
		zap.L().Warn("catalog: unparseable location scope",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return nil, nil
	}
	parsed = parsed.Resolve(r.coverage)

	topics := r.kindTopics[entityKind]
	var out []model.Source
	for _, src := range r.catalog.Active() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !parsed.Matches(src.Coverage) {
			continue
		}
		if !topicsMatch(topics, src.Topics) {
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

// topicsMatch reports whether a source serves any of the wanted topics. An
// empty want list (unmapped kind) or an untagged source matches everything.
func topicsMatch(want, have []string) bool {
	if len(want) == 0 || len(have) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
