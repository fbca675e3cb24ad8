// Package queue is the HTTP client for the externally-owned job-queue
// subsystem. The scheduler only reads queue depth and enqueues collection
// jobs; it never manages the queues themselves.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
)

// Client talks to the queue subsystem.
type Client interface {
	// QueueDepth returns a point-in-time snapshot of the execution and
	// processing stage depths.
	QueueDepth(ctx context.Context) (model.QueueDepthSnapshot, error)

	// Enqueue submits a collection job to the execution stage.
	Enqueue(ctx context.Context, job model.CollectionJob) error
}

// APIError is returned when the queue subsystem responds with a non-2xx
// status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("queue: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit for queue API calls.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithAuthToken sets a bearer token for queue API calls.
func WithAuthToken(token string) Option {
	return func(c *httpClient) {
		c.token = token
	}
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a queue subsystem client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(20, 20),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) QueueDepth(ctx context.Context) (model.QueueDepthSnapshot, error) {
	snap, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (model.QueueDepthSnapshot, error) {
		var out model.QueueDepthSnapshot
		if err := c.get(ctx, "/queues/depth", &out); err != nil {
			return model.QueueDepthSnapshot{}, err
		}
		return out, nil
	})
	if err != nil {
		return model.QueueDepthSnapshot{}, eris.Wrap(err, "queue: get depth")
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now().UTC()
	}
	return snap, nil
}

func (c *httpClient) Enqueue(ctx context.Context, job model.CollectionJob) error {
	err := resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, "/queues/execution/jobs", job, nil)
	})
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue collection job for source %s", job.SourceID)
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return eris.Wrap(err, "rate limit wait")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
