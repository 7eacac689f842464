// Package retriever implements C1: a rate-limited, retrying HTTP client
// for the upstream EDR API. One call to Fetch retrieves one station-year
// chunk as a raw coverage-document payload.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/nlweather/edr-ingest/internal/domain"
	"github.com/nlweather/edr-ingest/internal/observability"
)

// Config controls retry budget, pacing, and upstream addressing. Zero
// values are not valid; callers should start from DefaultConfig.
type Config struct {
	BaseURL      string
	CollectionID string
	APIKey       string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration

	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig mirrors the upstream's historical defaults: five attempts,
// a 2s initial backoff doubling to a 30s cap, and a 60s per-attempt
// timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		RequestTimeout:    60 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// Client fetches station-year chunks from the upstream EDR API, retrying
// transient failures and honoring Retry-After on rate limiting.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds a Client. metrics and logger may be nil for a bare client.
// clock paces retry backoff between attempts and times fetch duration; a
// test injects clockwork.NewFakeClock() to assert on retry timing without
// sleeping in real time, the same way internal/ledger's trackers do.
func New(cfg Config, metrics *observability.Metrics, logger *slog.Logger, clock clockwork.Clock) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Fetch retrieves the raw coverage-document payload for one station-year
// chunk, making at most cfg.MaxRetries attempts in total. A 4xx
// response other than 429 is returned as a *domain.ClientError and is
// never retried. Exhausting the retry budget returns a
// *domain.ExhaustedError wrapping the last underlying error.
func (c *Client) Fetch(ctx context.Context, station domain.Station, year int) ([]byte, error) {
	datetimeRange := fmt.Sprintf("%04d-01-01T00:00:00Z/%04d-12-31T23:59:59Z", year, year)
	return c.fetchRange(ctx, station, datetimeRange)
}

// Probe issues a narrow single-day request against station, used by the
// orchestrator's preflight check to validate credentials and connectivity
// before launching any station pipeline. It shares Fetch's retry budget
// and classification rules.
func (c *Client) Probe(ctx context.Context, station domain.Station) error {
	day := c.clock.Now().UTC().AddDate(0, 0, -2)
	datetimeRange := fmt.Sprintf("%04d-%02d-%02dT00:00:00Z/%04d-%02d-%02dT23:59:59Z",
		day.Year(), day.Month(), day.Day(), day.Year(), day.Month(), day.Day())
	_, err := c.fetchRange(ctx, station, datetimeRange)
	return err
}

// fetchRange drives retries itself, sleeping on c.clock rather than handing
// the loop to backoff.Retry: that keeps retry pacing injectable through the
// same clockwork.Clock every other component in this run engine takes, so
// a test can assert on a Retry-After gap without a real sleep. backoff is
// still used for what it's good at — computing the base-2 exponential
// sequence and tagging non-retryable errors via backoff.Permanent.
func (c *Client) fetchRange(ctx context.Context, station domain.Station, datetimeRange string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &domain.ExhaustedError{Attempts: attempt, Cause: err}
		}

		start := c.clock.Now()
		body, retryAfter, err := c.doRequest(ctx, station, datetimeRange)
		if c.metrics != nil {
			c.metrics.ChunkFetchDuration.Observe(c.clock.Now().Sub(start).Seconds())
		}
		if err == nil {
			if c.metrics != nil {
				c.metrics.ChunkPayloadBytes.Observe(float64(len(body)))
			}
			return body, nil
		}

		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			var clientErr *domain.ClientError
			if errors.As(err, &clientErr) {
				return nil, clientErr
			}
			return nil, permErr.Err
		}

		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}
		if c.metrics != nil {
			c.metrics.RetryAttempts.Inc()
		}

		wait := b.NextBackOff()
		if retryAfter > 0 {
			wait = retryAfter
		}

		select {
		case <-ctx.Done():
			return nil, &domain.ExhaustedError{Attempts: attempt, Cause: ctx.Err()}
		case <-c.clock.After(wait):
		}
	}

	return nil, &domain.ExhaustedError{Attempts: c.cfg.MaxRetries, Cause: lastErr}
}

// doRequest issues one HTTP request and classifies the outcome. A
// non-zero retryAfter return signals a 429 with a parseable Retry-After header,
// overriding exponential backoff for this attempt.
func (c *Client) doRequest(ctx context.Context, station domain.Station, datetimeRange string) ([]byte, time.Duration, error) {
	url := fmt.Sprintf("%s/collections/%s/locations/%s", c.cfg.BaseURL, c.cfg.CollectionID, station.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("retriever: build request: %w", err))
	}

	q := req.URL.Query()
	q.Set("datetime", datetimeRange)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("retriever: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, 0, fmt.Errorf("retriever: read response body: %w", readErr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		if c.metrics != nil {
			c.metrics.RateLimited.Inc()
		}
		return nil, retryAfterDuration(resp.Header.Get("Retry-After")), fmt.Errorf("retriever: rate limited")

	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("retriever: upstream server error: status %d", resp.StatusCode)

	case resp.StatusCode >= 400:
		return nil, 0, backoff.Permanent(&domain.ClientError{StatusCode: resp.StatusCode})

	default:
		return nil, 0, fmt.Errorf("retriever: unexpected status %d", resp.StatusCode)
	}
}

// retryAfterDuration parses a Retry-After header value given in seconds.
// Malformed or absent headers fall back to exponential backoff by
// returning zero.
func retryAfterDuration(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
