// Package oi aggregates open-interest snapshots across every configured
// venue into one validated, deterministically ranked view per symbol.
package oi

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/metrics"
	"github.com/derivpulse/derivpulse/internal/providers"
)

// Config tunes the aggregator. Zero values fall back to defaults.
type Config struct {
	Deadline          time.Duration // shared per-request budget, default 5s
	TopMarkets        int           // rows kept in the ranked view, default 10
	DominanceSharePct float64       // EXCHANGE_DOMINANCE threshold, default 0.40
	SkewPct           float64       // CROSS_EXCHANGE_SKEW threshold, default 0.25

	Metrics *metrics.Registry // optional per-venue request instrumentation
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Deadline <= 0 {
		out.Deadline = 5 * time.Second
	}
	if out.TopMarkets <= 0 {
		out.TopMarkets = 10
	}
	if out.DominanceSharePct <= 0 {
		out.DominanceSharePct = 0.40
	}
	if out.SkewPct <= 0 {
		out.SkewPct = 0.25
	}
	return out
}

// Aggregator fans a symbol out to every selected provider and folds the
// results into a ValidatedOISnapshot.
type Aggregator struct {
	registry *providers.Registry
	cfg      Config
	log      zerolog.Logger
}

// New builds an aggregator over the provider registry.
func New(registry *providers.Registry, cfg Config, log zerolog.Logger) *Aggregator {
	return &Aggregator{registry: registry, cfg: cfg.withDefaults(), log: log}
}

type venueOutcome struct {
	venue  string
	result *domain.ExchangeOIResult
}

// Snapshot queries the requested venues (all registered when venues is
// empty) under one shared deadline. A venue that errors, panics, or misses
// the deadline contributes a FAILED entry; it never aborts the aggregate.
func (a *Aggregator) Snapshot(ctx context.Context, symbol string, venues []string) (*domain.ValidatedOISnapshot, error) {
	base := domain.NormalizeSymbol(symbol)
	if base == "" {
		return nil, fmt.Errorf("%w: empty symbol", domain.ErrUnknownSymbol)
	}

	selected := a.registry.Select(venues)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no providers selected for %q", symbol)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()

	outcomes := make(chan venueOutcome, len(selected))
	for _, p := range selected {
		go func(p providers.Provider) {
			start := time.Now()
			res := a.callVenue(ctx, p, base)
			a.observe(p.Name(), res, time.Since(start))
			outcomes <- venueOutcome{venue: p.Name(), result: res}
		}(p)
	}

	results := make([]domain.ExchangeOIResult, 0, len(selected))
	for range selected {
		o := <-outcomes
		results = append(results, *o.result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Exchange < results[j].Exchange })

	snap := fold(base, results, a.cfg)
	a.log.Debug().Str("symbol", base).
		Int("exchanges", snap.ExchangeCount).
		Float64("grand_total_usd", snap.GrandTotalUSD).
		Msg("aggregated open interest")
	return snap, nil
}

// callVenue isolates one provider call; a panic inside an adapter becomes a
// FAILED entry instead of taking down the request.
func (a *Aggregator) callVenue(ctx context.Context, p providers.Provider, symbol string) (res *domain.ExchangeOIResult) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Str("venue", p.Name()).Interface("panic", r).
				Msg("provider panicked during snapshot")
			res = providers.FailedResult(p.Name(), fmt.Errorf("provider panic: %v", r))
		}
	}()

	result, err := p.Snapshot(ctx, symbol)
	if err != nil {
		return providers.FailedResult(p.Name(), err)
	}
	return result
}

// observe feeds the per-venue request counters when instrumentation is wired.
func (a *Aggregator) observe(venue string, res *domain.ExchangeOIResult, elapsed time.Duration) {
	if a.cfg.Metrics == nil {
		return
	}
	if res.Status == domain.ValidationFailed {
		a.cfg.Metrics.RecordVenueError(venue, string(res.ErrorKind))
		return
	}
	a.cfg.Metrics.RecordVenueSuccess(venue, elapsed.Seconds())
}

func fold(symbol string, results []domain.ExchangeOIResult, cfg Config) *domain.ValidatedOISnapshot {
	snap := &domain.ValidatedOISnapshot{
		Symbol:     symbol,
		Exchanges:  results,
		CapturedAt: time.Now().UTC(),
	}

	var all []domain.MarketOI
	degraded := 0
	for _, res := range results {
		if res.Status != domain.ValidationOK {
			degraded++
		}
		if res.Status == domain.ValidationFailed {
			snap.ErrorSummary = append(snap.ErrorSummary,
				fmt.Sprintf("%s: %s", res.Exchange, res.ErrorKind))
			continue
		}
		if res.Status == domain.ValidationPartial && res.ErrorKind != "" {
			snap.ErrorSummary = append(snap.ErrorSummary,
				fmt.Sprintf("%s: %s", res.Exchange, res.ErrorKind))
		}
		snap.ExchangeCount++
		snap.MarketCount += len(res.Markets)
		for _, m := range res.Markets {
			switch m.Market {
			case domain.MarketUSDTLinear:
				snap.TotalUSDTLinearUSD += m.OIUSD
			case domain.MarketUSDCLinear:
				snap.TotalUSDCLinearUSD += m.OIUSD
			case domain.MarketUSDInverse:
				snap.TotalUSDInverseUSD += m.OIUSD
			case domain.MarketNative:
				snap.TotalNativeUSD += m.OIUSD
			}
			snap.GrandTotalUSD += m.OIUSD
			all = append(all, m)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].OIUSD != all[j].OIUSD {
			return all[i].OIUSD > all[j].OIUSD
		}
		if all[i].Exchange != all[j].Exchange {
			return all[i].Exchange < all[j].Exchange
		}
		return all[i].Market.Rank() < all[j].Market.Rank()
	})
	if len(all) > cfg.TopMarkets {
		all = all[:cfg.TopMarkets]
	}
	snap.TopMarkets = all

	switch {
	case snap.ExchangeCount == 0:
		snap.Status = domain.ValidationFailed
	case degraded > 0:
		snap.Status = domain.ValidationPartial
	default:
		snap.Status = domain.ValidationOK
	}

	snap.Discrepancies = discrepancies(results, snap.GrandTotalUSD, cfg)
	return snap
}

// discrepancies flags structural oddities: a single venue holding more than
// the dominance share of the grand total, and venue pairs whose totals
// disagree by more than the skew threshold. Informational only.
func discrepancies(results []domain.ExchangeOIResult, grandTotal float64, cfg Config) []domain.DiscrepancyFlag {
	if grandTotal <= 0 {
		return nil
	}

	var flags []domain.DiscrepancyFlag
	type contribution struct {
		venue string
		total float64
	}
	var contribs []contribution
	for _, res := range results {
		if res.Status == domain.ValidationFailed || res.TotalUSD <= 0 {
			continue
		}
		contribs = append(contribs, contribution{res.Exchange, res.TotalUSD})

		share := res.TotalUSD / grandTotal
		if share > cfg.DominanceSharePct {
			flags = append(flags, domain.DiscrepancyFlag{
				Kind:      domain.FlagExchangeDominance,
				Exchanges: []string{res.Exchange},
				SharePct:  share,
				Detail: fmt.Sprintf("%s holds %.1f%% of aggregate open interest",
					res.Exchange, share*100),
			})
		}
	}

	for i := 0; i < len(contribs); i++ {
		for j := i + 1; j < len(contribs); j++ {
			hi, lo := contribs[i].total, contribs[j].total
			if lo > hi {
				hi, lo = lo, hi
			}
			if diff := (hi - lo) / hi; diff > cfg.SkewPct {
				flags = append(flags, domain.DiscrepancyFlag{
					Kind:      domain.FlagCrossExchangeSkew,
					Exchanges: []string{contribs[i].venue, contribs[j].venue},
					SharePct:  diff,
					Detail: fmt.Sprintf("%s and %s report open interest differing by %.1f%%",
						contribs[i].venue, contribs[j].venue, diff*100),
				})
			}
		}
	}
	return flags
}
