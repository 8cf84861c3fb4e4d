// Package client provides the HTTP adapter for the CVE details API. It
// applies the fixed credential and identity headers, bounds every attempt
// with a timeout and reuses connections across calls.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/cve-fetcher/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for CVE API requests.
var (
	cveRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cve_requests_total",
		Help: "Total CVE API requests by HTTP status",
	}, []string{"status"})

	cveRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cve_request_duration_seconds",
		Help:    "CVE API request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

const (
	// DefaultProject is the project tag sent with every lookup.
	DefaultProject = "Central Console"

	// DefaultUserAgent identifies the fetcher to the API.
	DefaultUserAgent = "cve-fetcher/0.1.0"

	// DefaultAttemptTimeout bounds a single request including body read.
	DefaultAttemptTimeout = 30 * time.Second

	// maxBodySize caps how much of a response body is read.
	maxBodySize = 10 << 20
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API origin, e.g. "https://console.example.com".
	BaseURL string

	// Endpoint is the path appended to BaseURL, e.g. "/api/v1/cve".
	Endpoint string

	// AuthKey is sent verbatim as the Authorization header (REQUIRED).
	AuthKey string

	// JWTToken is embedded in the Referer header when set.
	JWTToken string

	// Project is sent as the "project" query parameter.
	Project string

	// UserAgent header.
	UserAgent string

	// AttemptTimeout bounds each Send call.
	AttemptTimeout time.Duration

	// MaxIdleConns sizes the per-host idle connection pool.
	// Should match the worker pool size.
	MaxIdleConns int

	// HTTPClient overrides the underlying client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration with safe defaults for everything
// except the API location and credentials.
func DefaultConfig(baseURL, endpoint, authKey string) Config {
	return Config{
		BaseURL:        baseURL,
		Endpoint:       endpoint,
		AuthKey:        authKey,
		Project:        DefaultProject,
		UserAgent:      DefaultUserAgent,
		AttemptTimeout: DefaultAttemptTimeout,
		MaxIdleConns:   10,
	}
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client issues CVE lookups against the API.
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	headers    http.Header
	config     Config
	logger     zerolog.Logger
}

// New creates a new CVE API client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	if cfg.AuthKey == "" {
		return nil, fmt.Errorf("auth key is required")
	}

	endpoint, err := url.Parse(cfg.BaseURL + cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("api url must be absolute (got %q)", endpoint.String())
	}

	if cfg.Project == "" {
		cfg.Project = DefaultProject
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		headers:    buildHeaders(cfg),
		config:     cfg,
		logger:     logging.Component(logger, "cve-client"),
	}, nil
}

// buildHeaders assembles the fixed header set sent with every request.
func buildHeaders(cfg Config) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en,de;q=0.9")
	h.Set("Authorization", cfg.AuthKey)
	h.Set("User-Agent", cfg.UserAgent)
	if cfg.JWTToken != "" {
		h.Set("Referer", cfg.BaseURL+"?jwttoken="+url.QueryEscape(cfg.JWTToken))
	}
	return h
}

// URL returns the request URL for a CVE identifier.
func (c *Client) URL(id string) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("id", id)
	q.Set("project", c.config.Project)
	u.RawQuery = q.Encode()
	return u.String()
}

// Send performs exactly one lookup for id. Any HTTP status is returned as
// a Response; only transport failures produce an error, always a
// *TransportError.
func (c *Client) Send(ctx context.Context, id string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(id), nil)
	if err != nil {
		return nil, &TransportError{ID: id, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header = c.headers.Clone()

	startTime := time.Now()
	defer func() {
		cveRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	c.logger.Debug().
		Str("cve_id", id).
		Msg("Executing CVE lookup")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cveRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &TransportError{ID: id, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		cveRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &TransportError{ID: id, Err: fmt.Errorf("read body: %w", err)}
	}

	cveRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	c.logger.Debug().
		Str("cve_id", id).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("CVE lookup completed")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
