package oi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/metrics"
	"github.com/derivpulse/derivpulse/internal/providers"
)

// stubProvider serves canned snapshots, optionally after a delay.
type stubProvider struct {
	name   string
	rows   []domain.MarketOI
	err    error
	delay  time.Duration
	panics bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeOIResult, error) {
	if s.panics {
		panic("adapter bug")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return providers.BuildResult(s.name, s.rows, nil), nil
}

func (s *stubProvider) StreamLiquidations(context.Context, []string, chan<- providers.LiquidationEvent) error {
	return domain.ErrStreamingUnsupported
}

func (s *stubProvider) FetchCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (s *stubProvider) ListMarkets(string) []domain.MarketType {
	return []domain.MarketType{domain.MarketUSDTLinear}
}

func row(venue string, market domain.MarketType, tokens, price float64) domain.MarketOI {
	return domain.MarketOI{
		Exchange:   venue,
		Symbol:     "BTC",
		Market:     market,
		OITokens:   tokens,
		OIUSD:      tokens * price,
		Price:      price,
		CapturedAt: time.Now().UTC(),
	}
}

func newAggregator(t *testing.T, cfg Config, stubs ...providers.Provider) *Aggregator {
	t.Helper()
	return New(providers.NewRegistry(stubs...), cfg, zerolog.Nop())
}

func TestSnapshotPartialFailure(t *testing.T) {
	agg := newAggregator(t, Config{Deadline: 200 * time.Millisecond},
		&stubProvider{name: "binance", rows: []domain.MarketOI{row("binance", domain.MarketUSDTLinear, 1000, 50_000)}},
		&stubProvider{name: "bybit", rows: []domain.MarketOI{row("bybit", domain.MarketUSDTLinear, 800, 50_000)}},
		&stubProvider{name: "okx", rows: []domain.MarketOI{row("okx", domain.MarketUSDTLinear, 600, 50_000)}},
		&stubProvider{name: "gate", delay: time.Second}, // misses the deadline
		&stubProvider{name: "bitget", err: domain.ErrMalformedResponse},
		&stubProvider{name: "hyperliquid", rows: []domain.MarketOI{row("hyperliquid", domain.MarketNative, 400, 50_000)}},
	)

	snap, err := agg.Snapshot(context.Background(), "BTC", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ValidationPartial, snap.Status)
	assert.Equal(t, 4, snap.ExchangeCount)
	assert.Len(t, snap.Exchanges, 6)
	summary := strings.Join(snap.ErrorSummary, "\n")
	assert.Contains(t, summary, "gate: TIMEOUT")
	assert.Contains(t, summary, "bitget: MALFORMED_RESPONSE")

	require.Len(t, snap.TopMarkets, 4)
	assert.Equal(t, "binance", snap.TopMarkets[0].Exchange)
	assert.Equal(t, "bybit", snap.TopMarkets[1].Exchange)
	assert.InDelta(t, 2800*50_000.0, snap.GrandTotalUSD, 1e-6)
	assert.InDelta(t, 400*50_000.0, snap.TotalNativeUSD, 1e-6)
}

func TestSnapshotAllProvidersFail(t *testing.T) {
	agg := newAggregator(t, Config{},
		&stubProvider{name: "binance", err: domain.ErrRateLimited},
		&stubProvider{name: "okx", err: domain.ErrRateLimited},
	)

	snap, err := agg.Snapshot(context.Background(), "BTC", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationFailed, snap.Status)
	assert.Equal(t, 0, snap.ExchangeCount)
	assert.Zero(t, snap.GrandTotalUSD)
	assert.Empty(t, snap.TopMarkets)
	assert.Len(t, snap.ErrorSummary, 2)
}

func TestSnapshotDeterministicTieBreak(t *testing.T) {
	// Identical USD values: exchange name breaks the tie, then market rank.
	agg := newAggregator(t, Config{},
		&stubProvider{name: "okx", rows: []domain.MarketOI{row("okx", domain.MarketUSDTLinear, 100, 1000)}},
		&stubProvider{name: "binance", rows: []domain.MarketOI{
			row("binance", domain.MarketUSDInverse, 100, 1000),
			row("binance", domain.MarketUSDTLinear, 100, 1000),
		}},
	)

	snap, err := agg.Snapshot(context.Background(), "BTC", nil)
	require.NoError(t, err)
	require.Len(t, snap.TopMarkets, 3)
	assert.Equal(t, "binance", snap.TopMarkets[0].Exchange)
	assert.Equal(t, domain.MarketUSDTLinear, snap.TopMarkets[0].Market)
	assert.Equal(t, "binance", snap.TopMarkets[1].Exchange)
	assert.Equal(t, domain.MarketUSDInverse, snap.TopMarkets[1].Market)
	assert.Equal(t, "okx", snap.TopMarkets[2].Exchange)
}

func TestSnapshotSurvivesProviderPanic(t *testing.T) {
	agg := newAggregator(t, Config{},
		&stubProvider{name: "binance", rows: []domain.MarketOI{row("binance", domain.MarketUSDTLinear, 10, 1000)}},
		&stubProvider{name: "bybit", panics: true},
	)

	snap, err := agg.Snapshot(context.Background(), "BTC", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationPartial, snap.Status)
	assert.Equal(t, 1, snap.ExchangeCount)
	require.Len(t, snap.ErrorSummary, 1)
	assert.Contains(t, snap.ErrorSummary[0], "bybit")
}

func TestSnapshotRecordsVenueMetrics(t *testing.T) {
	reg := metrics.New()
	agg := newAggregator(t, Config{Metrics: reg},
		&stubProvider{name: "binance", rows: []domain.MarketOI{row("binance", domain.MarketUSDTLinear, 10, 1000)}},
		&stubProvider{name: "gate", err: domain.ErrRateLimited},
	)

	_, err := agg.Snapshot(context.Background(), "BTC", nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "derivpulse_provider_requests_total",
		map[string]string{"venue": "binance", "status": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "derivpulse_provider_requests_total",
		map[string]string{"venue": "gate", "status": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "derivpulse_provider_errors_total",
		map[string]string{"venue": "gate", "kind": "RATE_LIMITED"}))
}

// counterValue reads one labeled counter from the registry, 0 when unset.
func counterValue(t *testing.T, reg *metrics.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			matched := true
			for k, v := range labels {
				if got[k] != v {
					matched = false
					break
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestDiscrepancyFlags(t *testing.T) {
	agg := newAggregator(t, Config{},
		&stubProvider{name: "binance", rows: []domain.MarketOI{row("binance", domain.MarketUSDTLinear, 900, 1000)}},
		&stubProvider{name: "okx", rows: []domain.MarketOI{row("okx", domain.MarketUSDTLinear, 100, 1000)}},
	)

	snap, err := agg.Snapshot(context.Background(), "BTC", nil)
	require.NoError(t, err)

	var kinds []string
	for _, f := range snap.Discrepancies {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, domain.FlagExchangeDominance)
	assert.Contains(t, kinds, domain.FlagCrossExchangeSkew)
}

func TestSnapshotVenueSubset(t *testing.T) {
	agg := newAggregator(t, Config{},
		&stubProvider{name: "binance", rows: []domain.MarketOI{row("binance", domain.MarketUSDTLinear, 10, 1000)}},
		&stubProvider{name: "okx", rows: []domain.MarketOI{row("okx", domain.MarketUSDTLinear, 20, 1000)}},
	)

	snap, err := agg.Snapshot(context.Background(), "BTC", []string{"okx"})
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationOK, snap.Status)
	assert.Equal(t, 1, snap.ExchangeCount)
	require.Len(t, snap.Exchanges, 1)
	assert.Equal(t, "okx", snap.Exchanges[0].Exchange)
}
