// Package providers defines the exchange provider contract and the shared
// REST/WebSocket plumbing every venue adapter builds on. The contract is the
// only coupling between the core and a venue: adding an exchange means
// adding a sub-package that implements Provider, nothing else.
package providers

import (
	"context"
	"sort"
	"strings"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// LiquidationEvent is one decoded forced-liquidation event as a venue
// reports it. The ingestor interns the symbol and compacts the record;
// providers only normalize fields and the side convention.
type LiquidationEvent struct {
	Venue      string
	Symbol     string // normalized base symbol
	Side       domain.Side
	Price      float64
	Qty        float64
	TsMs       uint64
	TsExchange bool // true when TsMs came from the venue, not ingest time
}

// Provider is the per-venue contract.
type Provider interface {
	// Name returns the venue identifier (domain.Exchange* constants).
	Name() string

	// Snapshot fetches all market-typed OI rows for one symbol. It is
	// concurrent-safe, honors ctx deadlines, and retries transient
	// failures at most twice internally.
	Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error)

	// StreamLiquidations pushes events to out until ctx is cancelled,
	// reconnecting internally with capped exponential backoff. Venues
	// without a public liquidation feed return ErrStreamingUnsupported.
	StreamLiquidations(ctx context.Context, symbols []string, out chan<- LiquidationEvent) error

	// FetchCandles returns up to limit OHLCV bars, oldest first.
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)

	// ListMarkets returns the market types the venue quotes for a symbol.
	ListMarkets(symbol string) []domain.MarketType
}

// Registry holds the configured provider set. Venues may be disabled per
// deployment; lookup order is stable.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry builds a registry from the given providers, preserving the
// canonical venue order for deterministic iteration.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		name := strings.ToLower(p.Name())
		if _, dup := r.providers[name]; dup {
			continue
		}
		r.providers[name] = p
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r
}

// Get returns the provider for a venue.
func (r *Registry) Get(venue string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(venue)]
	return p, ok
}

// All returns every registered provider in venue-name order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Select returns the providers for the requested venues, skipping unknown
// names. An empty request selects every registered provider.
func (r *Registry) Select(venues []string) []Provider {
	if len(venues) == 0 {
		return r.All()
	}
	seen := make(map[string]bool, len(venues))
	var out []Provider
	for _, v := range venues {
		v = strings.ToLower(v)
		if seen[v] {
			continue
		}
		seen[v] = true
		if p, ok := r.providers[v]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names lists registered venue names in stable order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
