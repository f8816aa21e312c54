package alerts

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/cascade"
	"github.com/derivpulse/derivpulse/internal/config"
	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/threshold"
)

var monitorMeta = domain.LiquidationMeta{PriceScale: 1e2, QtyScale: 1e6}

func liquidation(priceUSD, qty float64) domain.CompactLiquidation {
	return domain.CompactLiquidation{
		TsMs:       uint64(time.Now().UnixMilli()),
		ExchangeID: domain.ExchangeID(domain.ExchangeBinance),
		Side:       domain.SideLong,
		PriceQ:     domain.QuantizePrice(priceUSD, monitorMeta),
		QtyQ:       domain.QuantizeQty(qty, monitorMeta),
	}
}

func newMonitor(t *testing.T, thresholdDoc string) (*LiquidationMonitor, *Dispatcher) {
	t.Helper()
	store := config.NewStore(zerolog.Nop())
	require.NoError(t, store.Apply([]byte(thresholdDoc)))
	engine := threshold.New(store, nil, zerolog.Nop())
	dispatcher, _ := newTestDispatcher(Config{})
	return NewLiquidationMonitor(engine, dispatcher, zerolog.Nop()), dispatcher
}

func TestMonitorAlertsOnThresholdBreach(t *testing.T) {
	m, d := newMonitor(t, `{"liquidation":{"symbols":{"BTC":{"liq_single_usd":100000}}}}`)

	// $150k liquidation against a $100k threshold.
	m.OnLiquidation(liquidation(50_000, 3), monitorMeta, "BTC")

	env := d.pop()
	require.NotNil(t, env)
	assert.Equal(t, domain.AlertKindLiquidation, env.Kind)
	assert.Equal(t, "BTC", env.Symbol)
	assert.Equal(t, domain.SeverityMed, env.Severity)
	assert.InDelta(t, 150_000, env.ValueUSD, 1)
	assert.InDelta(t, 3, env.ValueTokens, 1e-6)
	assert.Equal(t, "binance", env.Payload["exchange"])
	assert.Equal(t, "LONG", env.Payload["side"])
}

func TestMonitorIgnoresBelowThreshold(t *testing.T) {
	m, d := newMonitor(t, `{"liquidation":{"symbols":{"BTC":{"liq_single_usd":100000}}}}`)

	m.OnLiquidation(liquidation(50_000, 1), monitorMeta, "BTC") // $50k

	assert.Nil(t, d.pop())
	assert.Equal(t, uint64(0), d.Stats().Enqueued)
}

func TestMonitorSeverityScalesWithRatio(t *testing.T) {
	m, d := newMonitor(t, `{"liquidation":{"symbols":{"BTC":{"liq_single_usd":100000}}}}`)

	m.OnLiquidation(liquidation(50_000, 8), monitorMeta, "BTC") // 4x -> HIGH
	env := d.pop()
	require.NotNil(t, env)
	assert.Equal(t, domain.SeverityHigh, env.Severity)

	m.OnLiquidation(liquidation(50_000, 25), monitorMeta, "BTC") // 12.5x -> CRITICAL
	env = d.pop()
	require.NotNil(t, env)
	assert.Equal(t, domain.SeverityCritical, env.Severity)
}

func TestMonitorSeesHotReloadedThreshold(t *testing.T) {
	store := config.NewStore(zerolog.Nop())
	require.NoError(t, store.Apply([]byte(`{"liquidation":{"symbols":{"BTC":{"liq_single_usd":1000000}}}}`)))
	engine := threshold.New(store, nil, zerolog.Nop())
	dispatcher, _ := newTestDispatcher(Config{})
	m := NewLiquidationMonitor(engine, dispatcher, zerolog.Nop())

	m.OnLiquidation(liquidation(50_000, 3), monitorMeta, "BTC") // $150k < $1M
	require.Nil(t, dispatcher.pop())

	// Operator drops the threshold; the same event now alerts.
	require.NoError(t, store.Apply([]byte(`{"liquidation":{"symbols":{"BTC":{"liq_single_usd":100000}}}}`)))
	m.OnLiquidation(liquidation(50_000, 3), monitorMeta, "BTC")
	env := dispatcher.pop()
	require.NotNil(t, env)
	assert.InDelta(t, 100_000.0, env.Payload["threshold_usd"], 1)
}

func TestFromCascadeSignalMapping(t *testing.T) {
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	env := FromCascadeSignal(cascade.Signal{
		Symbol: "BTC", Kind: cascade.KindEscalation, Level: cascade.LevelCritical,
		Probability: 0.74, LeadingExchange: "binance", USDPerSec2s: 2e6, At: at,
	})
	assert.Equal(t, domain.AlertKindCascade, env.Kind)
	assert.Equal(t, domain.SeverityHigh, env.Severity)
	assert.Equal(t, at, env.Ts)
	assert.Equal(t, "CRITICAL", env.Payload["level"])
	assert.Equal(t, "binance", env.Payload["leading_exchange"])

	env = FromCascadeSignal(cascade.Signal{Symbol: "BTC", Kind: cascade.KindEasing, Level: cascade.LevelNone, At: at})
	assert.Equal(t, domain.AlertKindCascadeEasing, env.Kind)
	assert.Equal(t, domain.SeverityLow, env.Severity)

	env = FromCascadeSignal(cascade.Signal{Symbol: "BTC", Kind: cascade.KindBackpressure, At: at})
	assert.Equal(t, domain.AlertKindStreamHealth, env.Kind)
}

func TestFromDiscrepancy(t *testing.T) {
	env := FromDiscrepancy("BTC", domain.DiscrepancyFlag{
		Kind:      domain.FlagExchangeDominance,
		Exchanges: []string{"binance"},
		SharePct:  0.62,
		Detail:    "binance holds 62% of aggregate open interest",
	})
	assert.Equal(t, domain.AlertKindOIDiscrepancy, env.Kind)
	assert.Equal(t, domain.SeverityLow, env.Severity)
	assert.Equal(t, domain.FlagExchangeDominance, env.Payload["flag"])
	assert.Equal(t, 0.62, env.Payload["share_pct"])
}
