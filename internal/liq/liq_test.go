package liq

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/providers"
)

func TestInternTableStableIDs(t *testing.T) {
	table := NewInternTable()

	id1, meta1, err := table.Intern("BTC", 50_000, 0.5)
	require.NoError(t, err)
	id2, meta2, err := table.Intern("ETH", 3000, 2)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.NotZero(t, id1)

	// Re-interning returns the same id and the frozen scales.
	again, metaAgain, err := table.Intern("BTC", 99_999, 100)
	require.NoError(t, err)
	assert.Equal(t, id1, again)
	assert.Equal(t, meta1, metaAgain)

	sym, meta, ok := table.Lookup(id2)
	require.True(t, ok)
	assert.Equal(t, "ETH", sym)
	assert.Equal(t, meta2, meta)
	assert.Equal(t, 2, table.Len())
}

func TestInternScalesRoundTrip(t *testing.T) {
	table := NewInternTable()
	_, meta, err := table.Intern("BTC", 64_231.5, 0.042)
	require.NoError(t, err)

	rec := domain.CompactLiquidation{
		PriceQ: domain.QuantizePrice(64_231.5, meta),
		QtyQ:   domain.QuantizeQty(0.042, meta),
	}
	assert.InDelta(t, 64_231.5, rec.Price(meta), 0.5)
	assert.InDelta(t, 0.042, rec.Qty(meta), 1e-6)
	assert.InDelta(t, 64_231.5*0.042, rec.ValueUSD(meta), 50)
}

func TestRingWraparound(t *testing.T) {
	r := NewRing(4)
	for i := 1; i <= 6; i++ {
		r.Append(domain.CompactLiquidation{TsMs: uint64(i)})
	}

	assert.Equal(t, 4, r.Len())
	assert.Equal(t, uint64(6), r.Total())

	recent := r.Recent(0)
	require.Len(t, recent, 4)
	// Oldest two were overwritten.
	assert.Equal(t, uint64(3), recent[0].TsMs)
	assert.Equal(t, uint64(6), recent[3].TsMs)

	last2 := r.Recent(2)
	require.Len(t, last2, 2)
	assert.Equal(t, uint64(5), last2[0].TsMs)

	since := r.Since(5)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(5), since[0].TsMs)
}

func newTestIngestor(cfg Config, handlers ...Handler) *Ingestor {
	return NewIngestor(providers.NewRegistry(), cfg, zerolog.Nop(), handlers...)
}

func TestIngestFloorFilter(t *testing.T) {
	var seen []domain.CompactLiquidation
	in := newTestIngestor(Config{FloorUSD: 1000}, func(rec domain.CompactLiquidation, _ domain.LiquidationMeta, _ string) {
		seen = append(seen, rec)
	})

	now := uint64(time.Now().UnixMilli())
	// $500 event: below floor, dropped.
	in.ingest(providers.LiquidationEvent{
		Venue: domain.ExchangeBinance, Symbol: "BTC", Side: domain.SideLong,
		Price: 50_000, Qty: 0.01, TsMs: now, TsExchange: true,
	})
	// $5000 event: kept.
	in.ingest(providers.LiquidationEvent{
		Venue: domain.ExchangeBinance, Symbol: "BTC", Side: domain.SideShort,
		Price: 50_000, Qty: 0.1, TsMs: now, TsExchange: true,
	})

	require.Len(t, seen, 1)
	assert.Equal(t, domain.SideShort, seen[0].Side)
	assert.Equal(t, uint64(1), in.Dropped())

	ring := in.Ring("BTC")
	require.NotNil(t, ring)
	assert.Equal(t, 1, ring.Len())

	// Every stored event decodes to at least the floor value.
	_, meta, ok := in.Intern().Lookup(seen[0].SymbolID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, seen[0].ValueUSD(meta), 1000.0)
}

func TestIngestClockSkewSynthetic(t *testing.T) {
	var seen []domain.CompactLiquidation
	in := newTestIngestor(Config{}, func(rec domain.CompactLiquidation, _ domain.LiquidationMeta, _ string) {
		seen = append(seen, rec)
	})

	now := uint64(time.Now().UnixMilli())
	// Venue clock 30s in the past: local time substituted, synthetic bit set.
	in.ingest(providers.LiquidationEvent{
		Venue: domain.ExchangeBybit, Symbol: "ETH", Side: domain.SideLong,
		Price: 3000, Qty: 1, TsMs: now - 30_000, TsExchange: true,
	})
	// Missing venue timestamp was already stamped locally by the adapter.
	in.ingest(providers.LiquidationEvent{
		Venue: domain.ExchangeBybit, Symbol: "ETH", Side: domain.SideLong,
		Price: 3000, Qty: 1, TsMs: now, TsExchange: false,
	})
	// Fresh venue timestamp stays authoritative.
	in.ingest(providers.LiquidationEvent{
		Venue: domain.ExchangeBybit, Symbol: "ETH", Side: domain.SideLong,
		Price: 3000, Qty: 1, TsMs: now, TsExchange: true,
	})

	require.Len(t, seen, 3)
	assert.True(t, seen[0].Synthetic)
	assert.GreaterOrEqual(t, seen[0].TsMs, now)
	assert.True(t, seen[1].Synthetic)
	assert.False(t, seen[2].Synthetic)
	assert.Equal(t, now, seen[2].TsMs)
}

func TestIngestRejectsNonPositive(t *testing.T) {
	in := newTestIngestor(Config{})
	in.ingest(providers.LiquidationEvent{
		Venue: domain.ExchangeBinance, Symbol: "BTC", Price: 0, Qty: 1,
		TsMs: uint64(time.Now().UnixMilli()), TsExchange: true,
	})
	assert.Nil(t, in.Ring("BTC"))
}
