package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
)

func TestNewFTPAdapter_Defaults(t *testing.T) {
	t.Parallel()

	a := NewFTPAdapter(&countingExtractor{})
	assert.Equal(t, "anonymous", a.user)
	assert.Equal(t, "anonymous", a.password)
	assert.Equal(t, 7*24*time.Hour, a.maxFileAge)
	assert.Equal(t, 10, a.maxFiles)
}

func TestNewFTPAdapter_Options(t *testing.T) {
	t.Parallel()

	a := NewFTPAdapter(&countingExtractor{},
		WithCredentials("ingest", "s3cret"),
		WithMaxFileAge(48*time.Hour),
		WithMaxFiles(3),
	)
	assert.Equal(t, "ingest", a.user)
	assert.Equal(t, "s3cret", a.password)
	assert.Equal(t, 48*time.Hour, a.maxFileAge)
	assert.Equal(t, 3, a.maxFiles)
}

func TestFTPAdapter_BadEndpoint(t *testing.T) {
	t.Parallel()

	a := NewFTPAdapter(&countingExtractor{})
	src := model.Source{ID: "drop", Kind: model.SourceKindFTP, Endpoint: "://not-a-url"}
	_, err := a.SearchAndExtract(context.Background(), src, "term")
	require.Error(t, err)
}

func TestRouter_UnsupportedKind(t *testing.T) {
	t.Parallel()

	r := NewRouter(NewHTTPAdapter(&countingExtractor{}), NewFTPAdapter(&countingExtractor{}))
	_, err := r.SearchAndExtract(context.Background(), model.Source{ID: "odd", Kind: "carrier-pigeon"}, "term")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source kind")
}
