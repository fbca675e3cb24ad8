// Package entity is the HTTP client for the downstream entity store.
package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/resilience"
)

// Client resolves or creates downstream entities.
type Client interface {
	// FindOrCreate returns the entity ID for a term/kind pair, creating a
	// placeholder entity when none exists yet.
	FindOrCreate(ctx context.Context, term, kind string) (string, error)
}

// APIError is returned when the entity store responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("entity: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates an entity store client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type findOrCreateRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type findOrCreateResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

func (c *httpClient) FindOrCreate(ctx context.Context, term, kind string) (string, error) {
	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (findOrCreateResponse, error) {
		return c.findOrCreate(ctx, term, kind)
	})
	if err != nil {
		return "", eris.Wrapf(err, "entity: find or create %q (%s)", term, kind)
	}
	if resp.ID == "" {
		return "", eris.Errorf("entity: store returned no id for %q (%s)", term, kind)
	}
	return resp.ID, nil
}

func (c *httpClient) findOrCreate(ctx context.Context, term, kind string) (findOrCreateResponse, error) {
	var out findOrCreateResponse

	buf, err := json.Marshal(findOrCreateRequest{Name: term, Kind: kind})
	if err != nil {
		return out, eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/entities/find-or-create", bytes.NewReader(buf))
	if err != nil {
		return out, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return out, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return out, apiErr
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, eris.Wrap(err, "decode response")
	}
	return out, nil
}
