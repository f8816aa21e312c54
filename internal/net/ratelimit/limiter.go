// Package ratelimit provides per-venue token-bucket rate limiting shared by
// every exchange provider. One bucket per venue; buckets are created lazily
// on first use.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Default request budgets per venue, conservative fractions of the public
// documented limits.
var defaultVenueRPS = map[string]float64{
	"binance":     10,
	"bybit":       8,
	"okx":         8,
	"gate":        6,
	"bitget":      6,
	"hyperliquid": 5,
}

const defaultRPS = 4

// Limiter rate-limits requests per venue.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	burst   int
}

// NewLimiter creates a limiter with the given burst capacity for every venue
// bucket.
func NewLimiter(burst int) *Limiter {
	if burst <= 0 {
		burst = 4
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		burst:   burst,
	}
}

func (l *Limiter) bucket(venue string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[venue]; ok {
		return b
	}
	rps, ok := defaultVenueRPS[venue]
	if !ok {
		rps = defaultRPS
	}
	b := rate.NewLimiter(rate.Limit(rps), l.burst)
	l.buckets[venue] = b
	return b
}

// Wait blocks until the venue's bucket grants a token or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, venue string) error {
	return l.bucket(venue).Wait(ctx)
}

// Allow reports whether a request would be admitted right now without
// consuming wait time. Used by health checks.
func (l *Limiter) Allow(venue string) bool {
	return l.bucket(venue).Allow()
}

// SetRPS overrides a venue's request budget, e.g. after a 429 with a
// Retry-After hint.
func (l *Limiter) SetRPS(venue string, rps float64) {
	l.bucket(venue).SetLimit(rate.Limit(rps))
}

// Tokens exposes the current token count for diagnostics.
func (l *Limiter) Tokens(venue string) float64 {
	return l.bucket(venue).Tokens()
}
