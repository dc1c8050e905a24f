// Package client provides the governed HTTP client used for every external
// API call: rate budget checks, abuse backoff, transient retries and an
// optional lookup cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pcbsearch/partcrawl/pkg/cache"
	"github.com/pcbsearch/partcrawl/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partcrawl_http_requests_total",
		Help: "Total API requests by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partcrawl_http_request_duration_seconds",
		Help:    "API request duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partcrawl_http_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// rateLimitMarker identifies an explicit rate limit error body.
const rateLimitMarker = "api rate limit exceeded"

// Response is a fully read API response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is true when the response was served by the lookup cache.
	FromCache bool
}

// Client performs governed GET requests. It is not safe for concurrent use;
// the governor it wraps assumes serialized calls.
type Client struct {
	httpClient *http.Client
	governor   *ratelimit.Governor
	abuse      *ratelimit.AbuseBackoff
	cache      *cache.Manager
	clock      ratelimit.Clock
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Governor gates every request on the rate budget (REQUIRED).
	Governor *ratelimit.Governor

	// Abuse handles abuse detection cooldowns (REQUIRED).
	Abuse *ratelimit.AbuseBackoff

	// Cache enables GetCached lookups. Optional.
	Cache *cache.Manager

	// CacheTTL is how long cached lookups stay valid.
	CacheTTL time.Duration

	// Clock is used for retry backoff sleeps (default: wall clock).
	Clock ratelimit.Clock

	// UserAgent header (REQUIRED).
	UserAgent string

	// Header is added to every request (auth tokens, client ids).
	Header http.Header

	// MaxAbuseRetries bounds retries of one request after abuse signals.
	MaxAbuseRetries int

	// MaxRateLimitRetries bounds retries of one request after explicit
	// rate limit responses.
	MaxRateLimitRetries int

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(governor *ratelimit.Governor, abuse *ratelimit.AbuseBackoff, userAgent string) Config {
	return Config{
		Governor:            governor,
		Abuse:               abuse,
		UserAgent:           userAgent,
		Header:              http.Header{},
		CacheTTL:            24 * time.Hour,
		MaxAbuseRetries:     3,
		MaxRateLimitRetries: 3,
		Timeout:             30 * time.Second,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if cfg.Abuse == nil {
		return nil, fmt.Errorf("abuse backoff is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxAbuseRetries < 0 || cfg.MaxRateLimitRetries < 0 {
		return nil, fmt.Errorf("retry limits must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.SystemClock()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		governor:   cfg.Governor,
		abuse:      cfg.Abuse,
		cache:      cfg.Cache,
		clock:      cfg.Clock,
		config:     cfg,
		logger:     log.With().Str("component", "http-client").Logger(),
	}, nil
}

// Get fetches rawURL. Before every attempt the governor is consulted and may
// block. Abuse signals trigger the cooldown and a retry of the same request,
// explicit rate limit responses force the budget to zero and retry after the
// reset, and transient failures are retried with exponential backoff.
// Any other non-2xx response is returned as a *FetchError.
// Context cancellation is returned as ctx.Err().
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	var abuseRetries, rateLimitRetries, transientAttempts int

	for {
		if err := c.governor.CheckAndWait(ctx); err != nil {
			return nil, err
		}
		c.governor.Consume()

		resp, err := c.do(ctx, rawURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			fe := &FetchError{URL: rawURL, Class: ErrorClassNetwork, Err: err}
			if retryErr := c.backoffTransient(ctx, fe, &transientAttempts); retryErr != nil {
				return nil, retryErr
			}
			continue
		}

		if err := c.governor.UpdateFromHeaders(resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate budget from headers")
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		class := c.classify(resp)
		errorsTotal.WithLabelValues(string(class)).Inc()
		fe := &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Class:      class,
			Body:       resp.Body,
		}

		c.logger.Warn().
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("API request error")

		switch class {
		case ErrorClassAbuse:
			if abuseRetries >= c.config.MaxAbuseRetries {
				return nil, c.exhausted(fe, abuseRetries+1)
			}
			abuseRetries++
			retriesTotal.WithLabelValues(string(class)).Inc()
			if err := c.abuse.OnAbuseSignal(ctx); err != nil {
				return nil, err
			}

		case ErrorClassRateLimit:
			if rateLimitRetries >= c.config.MaxRateLimitRetries {
				return nil, c.exhausted(fe, rateLimitRetries+1)
			}
			rateLimitRetries++
			retriesTotal.WithLabelValues(string(class)).Inc()
			c.governor.ForceExhausted()

		default:
			if !shouldRetry(class) {
				return nil, fe
			}
			if err := c.backoffTransient(ctx, fe, &transientAttempts); err != nil {
				return nil, err
			}
		}
	}
}

// GetCached is Get with a lookup cache in front. Only 200 responses are
// cached. Cache failures are logged and never fail the lookup.
func (c *Client) GetCached(ctx context.Context, rawURL string) (*Response, error) {
	if c.cache == nil {
		return c.Get(ctx, rawURL)
	}

	key, err := cache.KeyFromURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}

	entry, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		c.logger.Debug().Str("key", key.String()).Msg("Lookup cache hit")
		return &Response{
			URL:        rawURL,
			StatusCode: http.StatusOK,
			Header:     entry.HTTPHeader(),
			Body:       entry.Body,
			FromCache:  true,
		}, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Lookup cache get error")
	}

	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK && c.config.CacheTTL > 0 {
		if err := c.cache.Put(ctx, key, rawURL, resp.Body, resp.Header, c.config.CacheTTL); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache lookup")
		}
	}

	return resp, nil
}

// do executes a single HTTP GET and reads the full body.
func (c *Client) do(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.config.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	host := hostOf(rawURL)
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	}()

	c.logger.Debug().Str("url", rawURL).Msg("Executing API request")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		return nil, fmt.Errorf("read body: %w", err)
	}
	requestsTotal.WithLabelValues(host, strconv.Itoa(httpResp.StatusCode)).Inc()

	return &Response{
		URL:        rawURL,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// classify categorizes a non-2xx response.
func (c *Client) classify(resp *Response) ErrorClass {
	if c.abuse.Matches(resp.Body) {
		return ErrorClassAbuse
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusForbidden &&
		(resp.Header.Get(ratelimit.HeaderRemaining) == "0" ||
			strings.Contains(strings.ToLower(string(resp.Body)), rateLimitMarker)):
		return ErrorClassRateLimit
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// backoffTransient sleeps before the next attempt of a transient failure, or
// returns an exhaustion error when no attempts are left.
func (c *Client) backoffTransient(ctx context.Context, fe *FetchError, attempts *int) error {
	*attempts++
	cfg := RetryConfigForErrorClass(fe.Class)
	if *attempts >= cfg.MaxAttempts {
		return c.exhausted(fe, *attempts)
	}

	wait := cfg.backoff(*attempts)
	retriesTotal.WithLabelValues(string(fe.Class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(fe.Class)).Observe(wait.Seconds())

	c.logger.Debug().
		Str("error_class", string(fe.Class)).
		Int("attempt", *attempts).
		Dur("backoff", wait).
		Msg("Retrying request after backoff")

	return c.clock.Sleep(ctx, wait)
}

func (c *Client) exhausted(fe *FetchError, attempts int) error {
	retryExhaustedTotal.WithLabelValues(string(fe.Class)).Inc()
	c.logger.Warn().
		Str("url", fe.URL).
		Str("error_class", string(fe.Class)).
		Int("attempts", attempts).
		Msg("Retry attempts exhausted")

	if fe.Err != nil {
		fe.Err = fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, attempts, fe.Err)
	} else {
		fe.Err = fmt.Errorf("%w after %d attempts", ErrRetryExhausted, attempts)
	}
	return fe
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
