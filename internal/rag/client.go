// Package rag forwards knowledge-base queries to an external RAG API, scoped
// by the installation's session key. Retrieval itself happens remotely.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/internal/resilience"
)

// ErrEmptyQuery is returned by [Client.Query] for a blank query.
var ErrEmptyQuery = errors.New("rag: empty query")

const (
	defaultTimeout    = 15 * time.Second
	maxResponseBytes  = 1 << 20
	maxErrorBodyBytes = 512
)

// Request is the body posted to the query endpoint.
type Request struct {
	Query      string `json:"query"`
	SessionKey string `json:"sessionKey"`
}

// Response is the query endpoint's answer.
type Response struct {
	Response   string   `json:"response"`
	Sources    []string `json:"sources,omitempty"`
	SessionKey string   `json:"sessionKey"`
}

// StatusError reports a non-2xx answer from the RAG API.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rag: %s answered %d: %s", e.Endpoint, e.Code, e.Body)
}

// Retryable reports whether another endpoint might answer differently.
// Client errors other than 408 and 429 are the caller's fault.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// SessionKeyer supplies the session key sent with every request.
type SessionKeyer interface {
	GetOrCreateSessionKey(ctx context.Context) (string, error)
}

// Config configures a [Client].
type Config struct {
	// BaseURL is the primary API root; requests go to BaseURL/query and
	// BaseURL/session/{key}.
	BaseURL string

	// FallbackURLs are tried in order when BaseURL fails or its breaker is
	// open.
	FallbackURLs []string

	// Timeout bounds a single attempt. Default: 15s.
	Timeout time.Duration

	// Breaker is the template for each endpoint's circuit breaker.
	Breaker resilience.CircuitBreakerConfig
}

// Option is a functional option for a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request outcomes and latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client queries the RAG API. It is safe for concurrent use.
type Client struct {
	endpoints *resilience.FallbackGroup[*url.URL]
	keys      SessionKeyer
	http      *http.Client
	timeout   time.Duration
	metrics   *observe.Metrics
}

// New creates a Client. Every URL in cfg must be absolute.
func New(cfg Config, keys SessionKeyer, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("rag: session keyer is required")
	}
	primary, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	breaker := cfg.Breaker
	if breaker.IsFailure == nil {
		breaker.IsFailure = countsAgainstEndpoint
	}
	group := resilience.NewFallbackGroup(primary.Host, primary, breaker)
	for _, raw := range cfg.FallbackURLs {
		u, err := parseBase(raw)
		if err != nil {
			return nil, err
		}
		group.AddFallback(u.Host, u)
	}

	c := &Client{
		endpoints: group,
		keys:      keys,
		timeout:   cfg.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("rag: parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("rag: url %q must be absolute http(s)", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

func countsAgainstEndpoint(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Endpoints reports each endpoint's breaker state keyed by host.
func (c *Client) Endpoints() map[string]resilience.State {
	return c.endpoints.States()
}

// Query posts q with the session key and returns the API's answer.
func (c *Client) Query(ctx context.Context, q string) (*Response, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	key, err := c.keys.GetOrCreateSessionKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("rag: session key: %w", err)
	}
	body, err := json.Marshal(Request{Query: q, SessionKey: key})
	if err != nil {
		return nil, fmt.Errorf("rag: encode request: %w", err)
	}

	ctx, span := observe.StartSpan(ctx, "rag.query")
	defer span.End()

	var out Response
	err = c.do(ctx, "query", func(ctx context.Context, base *url.URL) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("query").String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &out, nil
}

// Session fetches the API's view of the current session. The payload is
// returned undecoded since its shape belongs to the remote service.
func (c *Client) Session(ctx context.Context) (json.RawMessage, error) {
	key, err := c.keys.GetOrCreateSessionKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("rag: session key: %w", err)
	}
	var out json.RawMessage
	err = c.do(ctx, "session", func(ctx context.Context, base *url.URL) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("session", key).String(), nil)
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// do sends the request built by build to each endpoint in turn and decodes
// a 2xx JSON answer into out.
func (c *Client) do(ctx context.Context, op string, build func(context.Context, *url.URL) (*http.Request, error), out any) error {
	start := time.Now()
	err := c.endpoints.Execute(ctx, func(ctx context.Context, base *url.URL) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := build(ctx, base)
		if err != nil {
			return fmt.Errorf("rag: build %s request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("rag: %s %s: %w", op, base.Host, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return &StatusError{Endpoint: base.Host, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return fmt.Errorf("rag: decode %s response from %s: %w", op, base.Host, err)
		}
		return nil
	})

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	default:
		status = "error"
	}
	c.metrics.RecordRAGRequest(ctx, status, time.Since(start).Seconds())

	if err != nil {
		observe.Logger(ctx).Warn("rag request failed", "op", op, "err", err)
		return err
	}
	slog.Debug("rag request served", "op", op, "duration", time.Since(start))
	return nil
}
