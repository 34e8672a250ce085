// Package client provides the HTTP transport to the HR-S&I catalogue with
// error classification, linear-backoff retry and optional search-page
// caching.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/cache"
	"github.com/Sternrassler/hrsi-client/pkg/catalogue"
	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/Sternrassler/hrsi-client/pkg/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for catalogue client operations.
var (
	hrsiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrsi_requests_total",
		Help: "Total catalogue requests by endpoint and status",
	}, []string{"endpoint", "status"})

	hrsiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hrsi_request_duration_seconds",
		Help:    "Catalogue request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	hrsiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrsi_errors_total",
		Help: "Total catalogue errors by class",
	}, []string{"class"})
)

// Endpoint labels used for metrics and logs.
const (
	EndpointSearch   = "search"
	EndpointToken    = "token"
	EndpointHead     = "head"
	EndpointTransfer = "transfer"
)

// DefaultUserAgent identifies this client to the catalogue.
const DefaultUserAgent = "hrsi-client/1.0"

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// Client is the catalogue HTTP client.
type Client struct {
	httpClient     *http.Client
	transferClient *http.Client
	cache          *cache.PageCache
	config         Config
	logger         zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// UserAgent header sent on every request.
	UserAgent string

	// Timeout bounds every short request (search page, token, head).
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the first response byte of
	// an artifact transfer. The transfer itself is bounded by its context.
	ResponseHeaderTimeout time.Duration

	// SearchRetry applies to search page requests.
	SearchRetry RetryPolicy

	// Cache stores search pages. Nil disables caching.
	Cache *cache.PageCache

	// Logger receives the client's logs. The zero value discards them.
	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:             DefaultUserAgent,
		Timeout:               60 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		SearchRetry: RetryPolicy{
			MaxRetries:  2,
			BackoffUnit: 2 * time.Second,
			Retryable:   IsTransient,
		},
		Logger: zerolog.Nop(),
	}
}

// New creates a new catalogue client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}
	if cfg.SearchRetry.MaxRetries < 0 {
		return nil, fmt.Errorf("search max retries must be >= 0 (got %d)", cfg.SearchRetry.MaxRetries)
	}

	if cfg.SearchRetry.Retryable == nil {
		cfg.SearchRetry.Retryable = IsTransient
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		transferClient: &http.Client{
			Transport: transport,
		},
		cache:  cfg.Cache,
		config: cfg,
		logger: logging.Component(cfg.Logger, "catalogue-client"),
	}, nil
}

// Do performs one short request. Network failures are returned as a
// *CatalogueError of class network; any response, whatever its status, is
// returned to the caller.
func (c *Client) Do(req *http.Request, endpoint string) (*http.Response, error) {
	return c.do(c.httpClient, req, endpoint)
}

// Stream performs one artifact transfer request. It has no client timeout;
// the caller bounds it through the request context.
func (c *Client) Stream(req *http.Request) (*http.Response, error) {
	return c.do(c.transferClient, req, EndpointTransfer)
}

func (c *Client) do(hc *http.Client, req *http.Request, endpoint string) (*http.Response, error) {
	startTime := time.Now()
	defer func() {
		hrsiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, req.Context().Err())
		}
		hrsiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		hrsiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &CatalogueError{
			URL:        RedactURL(req.URL.String()),
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}

	hrsiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 400 {
		class := Classify(resp.StatusCode)
		hrsiErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Catalogue request error")
	}
	return resp, nil
}

// FetchPage requests one search page of q. Transient failures are retried
// per the search retry policy. A body without features is returned as a
// *catalogue.SchemaError carrying the page URL.
func (c *Client) FetchPage(ctx context.Context, q query.Descriptor, page int) (*catalogue.Page, error) {
	pageURL := q.PageURL(page)

	if c.cache != nil {
		body, err := c.cache.GetPage(ctx, pageURL)
		switch {
		case err == nil:
			c.logger.Debug().Int("page", page).Msg("Search page served from cache")
			return decodePage(pageURL, body)
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Int("page", page).Msg("Cache get error")
		}
	}

	var body []byte
	var header http.Header
	err := Retry(ctx, c.config.SearchRetry, EndpointSearch, c.logger, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.Do(req, EndpointSearch)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			cerr := StatusError(pageURL, resp)
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			if len(snippet) > 0 {
				cerr.Err = errors.New(string(snippet))
			}
			return cerr
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return &CatalogueError{
				URL:        pageURL,
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read response body",
				Err:        err,
			}
		}
		header = resp.Header
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}

	result, err := decodePage(pageURL, body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetPage(ctx, pageURL, body, header); err != nil {
			c.logger.Warn().Err(err).Int("page", page).Msg("Failed to cache search page")
		}
	}
	return result, nil
}

// UserAgent returns the configured User-Agent.
func (c *Client) UserAgent() string {
	return c.config.UserAgent
}

// SetHTTPClient sets a custom HTTP client for short requests (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func decodePage(pageURL string, body []byte) (*catalogue.Page, error) {
	page, err := catalogue.DecodePage(body)
	if err != nil {
		var serr *catalogue.SchemaError
		if errors.As(err, &serr) {
			serr.URL = pageURL
		}
		return nil, err
	}
	return page, nil
}

// RedactURL drops the query string, which may carry an access token.
func RedactURL(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	return base
}
