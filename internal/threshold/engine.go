// Package threshold derives market-cap-scaled, session-aware alert
// thresholds from the hot-reloadable configuration. Lookups are cached per
// symbol for an hour or until the config generation changes, whichever
// comes first.
package threshold

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/config"
	"github.com/derivpulse/derivpulse/internal/domain"
)

// Tier buckets assets by market cap.
type Tier string

const (
	TierLarge Tier = "T1"
	TierMid   Tier = "T2"
	TierSmall Tier = "T3"
	TierMicro Tier = "T4"
)

// Base liquidation ratios per tier, applied to daily USD volume.
var tierRatios = map[Tier]float64{
	TierLarge: 0.0005,
	TierMid:   0.001,
	TierSmall: 0.002,
	TierMicro: 0.005,
}

const (
	floorUSD        = 5_000
	cascadeFactor   = 5
	defaultCascadeN = 5
	cacheTTL        = time.Hour
)

// tierFor maps a market cap in USD to its tier.
func tierFor(marketCapUSD float64) Tier {
	switch {
	case marketCapUSD > 100e9:
		return TierLarge
	case marketCapUSD > 10e9:
		return TierMid
	case marketCapUSD > 1e9:
		return TierSmall
	}
	return TierMicro
}

// Session multipliers by trading session.
const (
	SessionAsian    = "asian"
	SessionEuropean = "european"
	SessionUS       = "us"
	SessionWeekend  = "weekend"
)

var sessionMultipliers = map[string]float64{
	SessionAsian:    0.7,
	SessionEuropean: 0.9,
	SessionUS:       1.0,
	SessionWeekend:  0.5,
}

// sessionFor buckets a UTC instant: weekends flat, otherwise the Asian
// session covers 22:00-08:00, European 08:00-14:00, US 14:00-22:00.
func sessionFor(t time.Time) string {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionWeekend
	}
	switch h := t.Hour(); {
	case h >= 22 || h < 8:
		return SessionAsian
	case h < 14:
		return SessionEuropean
	default:
		return SessionUS
	}
}

// volatilityMultiplier widens thresholds in volatile regimes:
// clamp(0.5, 2.0, 1 + (vol7d - 0.05) * 2).
func volatilityMultiplier(vol7d float64) float64 {
	return math.Max(0.5, math.Min(2.0, 1+(vol7d-0.05)*2))
}

// MarketStats are the per-symbol inputs thresholds scale from.
type MarketStats struct {
	MarketCapUSD   float64 `json:"market_cap_usd"`
	DailyVolumeUSD float64 `json:"daily_volume_usd"`
	Vol7d          float64 `json:"vol_7d"`
}

// StatsFunc resolves market stats for a symbol; ok=false falls back to the
// config-file stats or micro-tier defaults.
type StatsFunc func(symbol string) (MarketStats, bool)

// Thresholds is one resolved set for a symbol.
type Thresholds struct {
	Symbol               string  `json:"symbol"`
	Tier                 Tier    `json:"tier"`
	Session              string  `json:"session"`
	LiqSingleUSD         float64 `json:"liq_single_usd"`
	CascadeUSD           float64 `json:"cascade_usd"`
	CascadeCount         int     `json:"cascade_count"`
	CascadeEventsPerSec  float64 `json:"cascade_events_per_sec"`
	CascadeAccel         float64 `json:"cascade_accel"`
	CascadeUSDPerSec     float64 `json:"cascade_usd_per_sec"`
	FundingExtreme       float64 `json:"funding_extreme"`
	OIChangePct          float64 `json:"oi_change_pct"`
	SessionMultiplier    float64 `json:"session_multiplier"`
	VolatilityMultiplier float64 `json:"volatility_multiplier"`
	Generation           uint64  `json:"config_generation"`
}

// liquidationSection is the config file schema for the liquidation section.
type liquidationSection struct {
	CascadeCount int                        `json:"cascade_count"`
	Symbols      map[string]symbolOverrides `json:"symbols"`
}

type symbolOverrides struct {
	MarketStats
	LiqSingleUSD float64 `json:"liq_single_usd"` // hard override, skips scaling
}

// cascadeSection carries the detector normalization references.
type cascadeSection struct {
	EventsPerSec float64 `json:"events_per_sec"`
	Accel        float64 `json:"accel"`
	USDPerSec    float64 `json:"usd_per_sec"`
	Funding      float64 `json:"funding_extreme"`
	OIChangePct  float64 `json:"oi_change_pct"`
}

var defaultCascadeRefs = cascadeSection{
	EventsPerSec: 10,
	Accel:        10,
	USDPerSec:    1_000_000,
	Funding:      0.01,
	OIChangePct:  5,
}

type cacheEntry struct {
	thresholds Thresholds
	expires    time.Time
}

// Engine resolves thresholds against the live config store.
type Engine struct {
	store *config.Store
	stats StatsFunc
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds an engine. stats may be nil when every symbol is configured in
// the files.
func New(store *config.Store, stats StatsFunc, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		stats: stats,
		log:   log,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// For resolves the thresholds for a symbol, serving from cache while the
// TTL holds and the config generation is unchanged.
func (e *Engine) For(symbol string) Thresholds {
	symbol = domain.NormalizeSymbol(symbol)
	now := e.now().UTC()
	gen := e.store.Generation()

	e.mu.Lock()
	if entry, ok := e.cache[symbol]; ok && now.Before(entry.expires) && entry.thresholds.Generation == gen {
		e.mu.Unlock()
		return entry.thresholds
	}
	e.mu.Unlock()

	th := e.compute(symbol, now, gen)
	e.mu.Lock()
	e.cache[symbol] = cacheEntry{thresholds: th, expires: now.Add(cacheTTL)}
	e.mu.Unlock()
	return th
}

func (e *Engine) compute(symbol string, now time.Time, gen uint64) Thresholds {
	snap := e.store.Current()

	var liq liquidationSection
	if _, err := snap.Section("liquidation", &liq); err != nil {
		e.log.Warn().Err(err).Msg("liquidation config section unreadable, using defaults")
	}
	var refs cascadeSection
	if _, err := snap.Section("cascade", &refs); err != nil {
		e.log.Warn().Err(err).Msg("cascade config section unreadable, using defaults")
	}
	refs = fillCascadeDefaults(refs)

	stats, override := e.resolveStats(symbol, liq)
	session := sessionFor(now)
	sessionMul := sessionMultipliers[session]
	volMul := volatilityMultiplier(stats.Vol7d)
	tier := tierFor(stats.MarketCapUSD)

	single := override
	if single <= 0 {
		single = tierRatios[tier] * stats.DailyVolumeUSD * sessionMul * volMul
	}
	if single < floorUSD {
		single = floorUSD
	}

	count := liq.CascadeCount
	if count <= 0 {
		count = defaultCascadeN
	}

	return Thresholds{
		Symbol:               symbol,
		Tier:                 tier,
		Session:              session,
		LiqSingleUSD:         single,
		CascadeUSD:           cascadeFactor * single,
		CascadeCount:         count,
		CascadeEventsPerSec:  refs.EventsPerSec,
		CascadeAccel:         refs.Accel,
		CascadeUSDPerSec:     refs.USDPerSec,
		FundingExtreme:       refs.Funding,
		OIChangePct:          refs.OIChangePct,
		SessionMultiplier:    sessionMul,
		VolatilityMultiplier: volMul,
		Generation:           gen,
	}
}

// resolveStats prefers the live stats source, then config-file stats. The
// returned override is the configured hard liq_single_usd, zero when unset.
func (e *Engine) resolveStats(symbol string, liq liquidationSection) (MarketStats, float64) {
	var override float64
	var fromFile MarketStats
	if o, ok := liq.Symbols[symbol]; ok {
		override = o.LiqSingleUSD
		fromFile = o.MarketStats
	} else if o, ok := liq.Symbols[strings.ToLower(symbol)]; ok {
		override = o.LiqSingleUSD
		fromFile = o.MarketStats
	}

	if e.stats != nil {
		if s, ok := e.stats(symbol); ok {
			return s, override
		}
	}
	return fromFile, override
}

func fillCascadeDefaults(c cascadeSection) cascadeSection {
	if c.EventsPerSec <= 0 {
		c.EventsPerSec = defaultCascadeRefs.EventsPerSec
	}
	if c.Accel <= 0 {
		c.Accel = defaultCascadeRefs.Accel
	}
	if c.USDPerSec <= 0 {
		c.USDPerSec = defaultCascadeRefs.USDPerSec
	}
	if c.Funding <= 0 {
		c.Funding = defaultCascadeRefs.Funding
	}
	if c.OIChangePct <= 0 {
		c.OIChangePct = defaultCascadeRefs.OIChangePct
	}
	return c
}
