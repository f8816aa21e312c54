package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/net/ratelimit"
)

const userAgent = "derivpulse/1.0 (+https://github.com/derivpulse/derivpulse)"

// RESTConfig tunes the shared REST client. Zero values fall back to the
// defaults the spec mandates.
type RESTConfig struct {
	BaseURL        string
	RequestTimeout time.Duration // per-attempt budget, default 5s
	MaxRetries     int           // default 2
	BackoffBase    time.Duration // default 250ms
}

// RESTClient is the venue-shared HTTP layer: per-venue rate limiting, a
// circuit breaker, bounded retries with exponential backoff, and error
// classification into the domain taxonomy.
type RESTClient struct {
	venue   string
	cfg     RESTConfig
	client  *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient builds the REST layer for one venue. The limiter is shared
// across venues; the breaker is per venue so one broken exchange cannot trip
// the others.
func NewRESTClient(venue string, cfg RESTConfig, limiter *ratelimit.Limiter) *RESTClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    venue,
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("venue", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("provider circuit state changed")
		},
	})
	return &RESTClient{
		venue:   venue,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		breaker: breaker,
	}
}

// GetJSON fetches BaseURL+path and decodes the body into out, retrying
// transient failures at most MaxRetries times within ctx's deadline.
func (c *RESTClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

// PostJSON sends a JSON body to BaseURL+path with the same retry and
// classification behavior as GetJSON. Used by venues with RPC-style APIs.
func (c *RESTClient) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, path, payload, out)
}

func (c *RESTClient) call(ctx context.Context, method, path string, payload []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
			log.Debug().Str("venue", c.venue).Str("path", path).
				Int("attempt", attempt).Dur("backoff", backoff).
				Msg("retrying venue request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.callOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !domain.Classify(lastErr).Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (c *RESTClient) callOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx, c.venue); err != nil {
		return err
	}

	body, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, method, path, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("%w: circuit open for %s", domain.ErrRateLimited, c.venue)
		}
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrMalformedResponse, c.venue, path, err)
	}
	return nil
}

func (c *RESTClient) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		c.applyRetryAfter(resp)
		return nil, fmt.Errorf("%w: HTTP 429 from %s", domain.ErrRateLimited, c.venue)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: HTTP 404 from %s%s", domain.ErrUnknownSymbol, c.venue, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, c.venue)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: HTTP %d from %s: %s",
			domain.ErrMalformedResponse, resp.StatusCode, c.venue, snippet)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// applyRetryAfter derives a slower request budget from a 429 response
// header when the venue supplies one.
func (c *RESTClient) applyRetryAfter(resp *http.Response) {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		c.limiter.SetRPS(c.venue, 1/float64(secs))
		log.Warn().Str("venue", c.venue).Int("retry_after_s", secs).
			Msg("venue requested backoff, lowering request budget")
	}
}

// Venue returns the venue this client serves.
func (c *RESTClient) Venue() string { return c.venue }
