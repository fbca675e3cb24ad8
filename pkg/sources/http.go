// Package sources implements the runner's fetch-and-extract collaborator
// for the source kinds the catalog tracks.
package sources

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/internal/runner"
	"github.com/sells-group/ingest-cli/pkg/extract"
)

// Extractor is the content-to-entities stage shared by the adapters.
type Extractor interface {
	Extract(ctx context.Context, term, content string) (*extract.Extraction, error)
}

// searchResponse is the wire shape of a source's search endpoint.
type searchResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// HTTPOption configures the HTTP adapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		a.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit for source search calls.
func WithRateLimit(rps float64) HTTPOption {
	return func(a *HTTPAdapter) {
		a.limiter = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
}

// HTTPAdapter queries a source's HTTP search API and extracts entities from
// the returned content.
type HTTPAdapter struct {
	http      *http.Client
	extractor Extractor
	limiter   *rate.Limiter
}

func NewHTTPAdapter(extractor Extractor, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		extractor: extractor,
		limiter:   rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SearchAndExtract queries the source for the term and extracts entities
// from each returned document.
func (a *HTTPAdapter) SearchAndExtract(ctx context.Context, src model.Source, term string) (runner.SearchResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return runner.SearchResult{}, eris.Wrap(err, "sources: rate limit wait")
	}

	endpoint, err := url.Parse(src.Endpoint)
	if err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: parse endpoint for %s", src.ID)
	}
	endpoint = endpoint.JoinPath("search")
	q := endpoint.Query()
	q.Set("q", term)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return runner.SearchResult{}, eris.Wrap(err, "sources: create request")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: search %s", src.ID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return runner.SearchResult{}, eris.Wrap(err, "sources: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		searchErr := eris.Errorf("sources: %s returned HTTP %d", src.ID, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return runner.SearchResult{}, resilience.NewTransientError(searchErr, resp.StatusCode)
		}
		return runner.SearchResult{}, searchErr
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return runner.SearchResult{}, eris.Wrapf(err, "sources: decode search response from %s", src.ID)
	}

	var out runner.SearchResult
	for _, doc := range parsed.Results {
		extraction, err := a.extractor.Extract(ctx, term, doc.Content)
		if err != nil {
			zap.L().Warn("sources: extraction failed for document",
				zap.String("source_id", src.ID),
				zap.String("url", doc.URL),
				zap.Error(err),
			)
			continue
		}
		out.NewItems += len(extraction.Items)
		out.NewRelationships += len(extraction.Relationships)
	}
	return out, nil
}
