package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/geo"
	"github.com/sells-group/ingest-cli/internal/model"
)

const testCatalogYAML = `
sources:
  - id: forum-austin
    name: Austin Community Forum
    kind: http
    endpoint: https://forum-austin.example.com/api
    topics: [venues, events]
    priority: 5
    default_items_per_day: 25
    coverage: [-98.0, 30.0, -97.5, 30.6]
  - id: mirror-national
    name: National Listings Mirror
    kind: ftp
    endpoint: ftp://mirror.example.com/drops
    topics: [venues]
    priority: 10
  - id: feed-retired
    name: Retired Feed
    kind: http
    endpoint: https://old.example.com
    priority: 99
    active: false
`

func writeCatalog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	c, err := Load(writeCatalog(t, testCatalogYAML))
	require.NoError(t, err)
	require.Len(t, c.Sources, 3)

	// Priority order: 99, 10, 5.
	assert.Equal(t, "feed-retired", c.Sources[0].ID)
	assert.Equal(t, "mirror-national", c.Sources[1].ID)
	assert.Equal(t, "forum-austin", c.Sources[2].ID)

	austin, ok := c.Get("forum-austin")
	require.True(t, ok)
	assert.Equal(t, model.SourceKindHTTP, austin.Kind)
	assert.Equal(t, 25.0, austin.DefaultItemsPerDay)
	assert.Len(t, austin.Coverage, 4)
	assert.True(t, austin.Active, "active defaults to true")

	retired, ok := c.Get("feed-retired")
	require.True(t, ok)
	assert.False(t, retired.Active)

	active := c.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "mirror-national", active[0].ID)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "sources:\n  - name: No ID\n"},
		{"duplicate id", "sources:\n  - id: a\n  - id: a\n"},
		{"unknown kind", "sources:\n  - id: a\n    kind: gopher\n"},
		{"short coverage", "sources:\n  - id: a\n    coverage: [1, 2]\n"},
		{"not yaml", "sources: [}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestResolver_ScopeAndTopicFiltering(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(testCatalogYAML))
	require.NoError(t, err)

	idx := geo.NewCoverageIndex()
	idx.Add("austin", -98.0, 30.0, -97.5, 30.6)

	r := NewResolver(c, idx, map[string][]string{
		"venue": {"venues"},
		"event": {"events"},
	})
	ctx := context.Background()

	// Global scope: both active sources, mirror first by priority.
	srcs, err := r.ResolveCandidateSources(ctx, "global", "venue")
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, "mirror-national", srcs[0].ID)
	assert.Equal(t, "forum-austin", srcs[1].ID)

	// City scope: the Austin forum plus the global mirror.
	srcs, err = r.ResolveCandidateSources(ctx, "city:austin", "venue")
	require.NoError(t, err)
	require.Len(t, srcs, 2)

	// Event kind: only the forum carries the events topic.
	srcs, err = r.ResolveCandidateSources(ctx, "global", "event")
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "forum-austin", srcs[0].ID)

	// Unmapped kind matches any source.
	srcs, err = r.ResolveCandidateSources(ctx, "global", "organization")
	require.NoError(t, err)
	assert.Len(t, srcs, 2)

	// Disjoint bbox: only the global mirror.
	srcs, err = r.ResolveCandidateSources(ctx, "bbox:-105.3,39.5,-104.6,40.0", "venue")
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "mirror-national", srcs[0].ID)
}

func TestResolver_BadScopeResolvesEmpty(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(testCatalogYAML))
	require.NoError(t, err)
	r := NewResolver(c, nil, nil)

	srcs, err := r.ResolveCandidateSources(context.Background(), "zip:78701", "venue")
	require.NoError(t, err)
	assert.Empty(t, srcs)
}

func TestResolver_UnresolvedCityOnlyGlobalSources(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(testCatalogYAML))
	require.NoError(t, err)
	r := NewResolver(c, nil, nil) // no coverage index

	srcs, err := r.ResolveCandidateSources(context.Background(), "city:austin", "venue")
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "mirror-national", srcs[0].ID)
}
