// Package client provides the Airtable HTTP client with offset pagination,
// inter-page pacing and error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/airtable-client/pkg/credential"
	"github.com/Sternrassler/airtable-client/pkg/pagination"
	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/Sternrassler/airtable-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Airtable client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airtable_requests_total",
		Help: "Total Airtable requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airtable_request_duration_seconds",
		Help:    "Airtable request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airtable_errors_total",
		Help: "Total Airtable errors by class",
	}, []string{"class"})

	queryPages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "airtable_query_pages",
		Help:    "Number of pages fetched per query",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	queryRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airtable_query_records_total",
		Help: "Total records returned by completed queries",
	})
)

// DefaultBaseURL is the Airtable REST API host.
const DefaultBaseURL = "https://api.airtable.com"

// Record and Page are re-exported so callers need not import pagination.
type (
	Record = pagination.Record
	Page   = pagination.Page
)

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the Airtable client.
type Client struct {
	httpClient HTTPDoer
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API host, without version (default https://api.airtable.com)
	BaseURL string

	// APIVersion is the path prefix (default "v0")
	APIVersion string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout per HTTP request
	Timeout time.Duration

	// PageDelay is the pause between paginated requests (default 210ms)
	PageDelay time.Duration

	// CredentialEnvVar supplies the token when a call passes a zero Credential
	CredentialEnvVar string

	// Redis enables the shared 429 penalty tracker (optional)
	Redis redis.Cmdable

	// Pacer replaces the fixed PageDelay, e.g. with a shared token bucket (optional)
	Pacer pagination.Pacer
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		APIVersion:       "v0",
		UserAgent:        "airtable-client/0.1.0",
		Timeout:          30 * time.Second,
		PageDelay:        ratelimit.DefaultPageDelay,
		CredentialEnvVar: credential.DefaultEnvVar,
	}
}

// New creates a new Airtable client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrConfiguration)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q must be absolute", ErrConfiguration, cfg.BaseURL)
	}

	if cfg.APIVersion == "" {
		return nil, fmt.Errorf("%w: api version is required", ErrConfiguration)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("%w: user-agent is required", ErrConfiguration)
	}

	if cfg.PageDelay < 0 {
		return nil, fmt.Errorf("%w: page delay must be >= 0 (got %v)", ErrConfiguration, cfg.PageDelay)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.CredentialEnvVar == "" {
		cfg.CredentialEnvVar = credential.DefaultEnvVar
	}

	logger := log.With().Str("component", "airtable-client").Logger()

	var tracker *ratelimit.Tracker
	if cfg.Redis != nil {
		tracker = ratelimit.NewTracker(cfg.Redis, logger)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tracker: tracker,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Request performs a single, non-paginating request. The verb is free:
// GET and DELETE carry params in the URL query; POST, PATCH and PUT send
// them as a JSON object body.
func (c *Client) Request(ctx context.Context, method string, cred credential.Credential, baseID, table string, params *query.Params) (*Page, error) {
	cred, err := c.resolveCredential(cred)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, cred, baseID, table, params)
	if err != nil {
		return nil, err
	}

	return c.do(req, cred)
}

// Get is shorthand for Request with GET.
func (c *Client) Get(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params) (*Page, error) {
	return c.Request(ctx, http.MethodGet, cred, baseID, table, params)
}

// Post is shorthand for Request with POST (create records).
func (c *Client) Post(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params) (*Page, error) {
	return c.Request(ctx, http.MethodPost, cred, baseID, table, params)
}

// Patch is shorthand for Request with PATCH (update records).
func (c *Client) Patch(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params) (*Page, error) {
	return c.Request(ctx, http.MethodPatch, cred, baseID, table, params)
}

// Put is shorthand for Request with PUT (replace records).
func (c *Client) Put(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params) (*Page, error) {
	return c.Request(ctx, http.MethodPut, cred, baseID, table, params)
}

// Delete is shorthand for Request with DELETE; pass record ids as "records[]".
func (c *Client) Delete(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params) (*Page, error) {
	return c.Request(ctx, http.MethodDelete, cred, baseID, table, params)
}

// Query retrieves every record matching params, following offsets and
// pausing between pages. Any failing page aborts the query with no partial result.
func (c *Client) Query(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params) ([]Record, error) {
	records := []Record{}
	err := c.Walk(ctx, cred, baseID, table, params, func(page *Page) error {
		records = append(records, page.Records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Walk streams pages of a query to fn in server order.
func (c *Client) Walk(ctx context.Context, cred credential.Credential, baseID, table string, params *query.Params, fn func(*Page) error) error {
	cred, err := c.resolveCredential(cred)
	if err != nil {
		return err
	}
	if err := validateTarget(baseID, table); err != nil {
		return err
	}

	logger := c.logger.With().
		Str("base", baseID).
		Str("table", table).
		Logger()

	fetcher := pagination.NewFetcher(
		pagination.PageFetcherFunc(func(ctx context.Context, p *query.Params) (*Page, error) {
			return c.Request(ctx, http.MethodGet, cred, baseID, table, p)
		}),
		c.pacer(),
		logger,
	)

	stats, err := fetcher.Walk(ctx, params, fn)
	if err != nil {
		logger.Error().
			Err(err).
			Int("pages_fetched", stats.Pages).
			Msg("Query failed")
		return err
	}

	queryPages.Observe(float64(stats.Pages))
	queryRecordsTotal.Add(float64(stats.Records))

	logger.Info().
		Int("pages", stats.Pages).
		Int("records", stats.Records).
		Dur("duration", stats.Duration).
		Msg("Query complete")

	return nil
}

// ResolveCredential applies explicit > environment > failure using the configured variable.
func (c *Client) ResolveCredential(explicit string) (credential.Credential, error) {
	cred, err := credential.Resolve(explicit, c.config.CredentialEnvVar)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return cred, nil
}

func (c *Client) resolveCredential(cred credential.Credential) (credential.Credential, error) {
	if !cred.IsZero() {
		return cred, nil
	}
	return c.ResolveCredential("")
}

// pacer returns a fresh pacer per query unless a shared one is configured.
func (c *Client) pacer() pagination.Pacer {
	if c.config.Pacer != nil {
		return c.config.Pacer
	}
	return ratelimit.NewFixedDelay(c.config.PageDelay)
}

func validateTarget(baseID, table string) error {
	if strings.TrimSpace(baseID) == "" {
		return fmt.Errorf("%w: base id is required", ErrConfiguration)
	}
	if strings.TrimSpace(table) == "" {
		return fmt.Errorf("%w: table name is required", ErrConfiguration)
	}
	return nil
}

// Endpoint returns the URL for a base and table.
func (c *Client) Endpoint(baseID, table string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + "/" +
		strings.Trim(c.config.APIVersion, "/") + "/" +
		url.PathEscape(baseID) + "/" +
		url.PathEscape(table)
}

func (c *Client) newRequest(ctx context.Context, method string, cred credential.Credential, baseID, table string, params *query.Params) (*http.Request, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return nil, fmt.Errorf("%w: method is required", ErrConfiguration)
	}
	if err := validateTarget(baseID, table); err != nil {
		return nil, err
	}

	var body io.Reader
	var rawQuery string
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		q, err := params.Encode()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		rawQuery = q
	default:
		if params == nil {
			params = query.New()
		}
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %w", ErrConfiguration, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint(baseID, table), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = rawQuery

	cred.Authorize(req.Header)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// do executes one request: penalty gate, transport, status classification, decode.
func (c *Client) do(req *http.Request, cred credential.Credential) (*Page, error) {
	ctx := req.Context()
	method := req.Method
	path := req.URL.Path
	fingerprint := cred.Fingerprint()

	if c.tracker != nil {
		allowed, remaining, err := c.tracker.ShouldAllowRequest(ctx, fingerprint)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Penalty check failed, sending request anyway")
		} else if !allowed {
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			requestsTotal.WithLabelValues(method, "penalty_blocked").Inc()
			return nil, &RequestError{
				Method:     method,
				Path:       path,
				Class:      ErrorClassRateLimit,
				RetryAfter: remaining,
				Err:        ErrPenaltyActive,
			}
		}
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Str("query", req.URL.RawQuery).
		Msg("Executing Airtable request")

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, &RequestError{
			Method: method,
			Path:   path,
			Class:  ErrorClassNetwork,
			Err:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Err:        fmt.Errorf("read response body: %w", err),
		}
	}

	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if c.tracker != nil {
		if err := c.tracker.RecordResponse(ctx, fingerprint, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit penalty")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()

		reqErr := &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Class:      class,
			Body:       body,
		}
		if class == ErrorClassRateLimit {
			reqErr.RetryAfter = ratelimit.PenaltyWindow(resp.Header)
		}

		c.logger.Warn().
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Airtable request error")

		return nil, reqErr
	}

	page, err := decodePage(body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return nil, &DecodeError{
			StatusCode: resp.StatusCode,
			Body:       body,
			Err:        err,
		}
	}

	return page, nil
}

var errNotObject = errors.New("response is not a JSON object")

func decodePage(body []byte) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}

	var page Page
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SetHTTPClient sets a custom HTTP executor (for testing or custom transports).
func (c *Client) SetHTTPClient(client HTTPDoer) {
	c.httpClient = client
}

// Tracker returns the penalty tracker, or nil when Redis is not configured.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}
