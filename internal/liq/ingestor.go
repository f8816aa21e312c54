package liq

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/providers"
)

// Config tunes the ingestor. Zero values fall back to defaults.
type Config struct {
	FloorUSD     float64       // drop events below this value, default 1000
	MaxClockSkew time.Duration // beyond this the venue ts is replaced, default 5s
	RingCapacity int
	BufferSize   int // shared event channel depth, default 4096
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FloorUSD <= 0 {
		out.FloorUSD = 1000
	}
	if out.MaxClockSkew <= 0 {
		out.MaxClockSkew = 5 * time.Second
	}
	if out.RingCapacity <= 0 {
		out.RingCapacity = DefaultRingCapacity
	}
	if out.BufferSize <= 0 {
		out.BufferSize = 4096
	}
	return out
}

// Handler receives every record the ingestor accepts, after the ring
// append. Called from the single ingest goroutine; must not block.
type Handler func(rec domain.CompactLiquidation, meta domain.LiquidationMeta, symbol string)

// Ingestor owns the venue streams and the single writer feeding the rings.
type Ingestor struct {
	registry *providers.Registry
	intern   *InternTable
	rings    *RingSet
	cfg      Config
	log      zerolog.Logger
	handlers []Handler

	mu      sync.Mutex
	dropped uint64 // events lost to floor filtering or backpressure
}

// NewIngestor wires the ingestor over the provider registry.
func NewIngestor(registry *providers.Registry, cfg Config, log zerolog.Logger, handlers ...Handler) *Ingestor {
	c := cfg.withDefaults()
	return &Ingestor{
		registry: registry,
		intern:   NewInternTable(),
		rings:    NewRingSet(c.RingCapacity),
		cfg:      c,
		log:      log,
		handlers: handlers,
	}
}

// Intern exposes the symbol table for consumers decoding records.
func (in *Ingestor) Intern() *InternTable { return in.intern }

// Ring returns the buffer for a symbol, nil when the symbol has never been
// seen.
func (in *Ingestor) Ring(symbol string) *Ring {
	id, ok := in.intern.ID(domain.NormalizeSymbol(symbol))
	if !ok {
		return nil
	}
	return in.rings.Get(id)
}

// Dropped reports events lost to floor filtering or channel backpressure.
func (in *Ingestor) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

// Run starts one stream per venue supporting liquidations plus the single
// consumer, and blocks until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context, venues, symbols []string) error {
	events := make(chan providers.LiquidationEvent, in.cfg.BufferSize)

	var wg sync.WaitGroup
	for _, p := range in.registry.Select(venues) {
		wg.Add(1)
		go func(p providers.Provider) {
			defer wg.Done()
			err := p.StreamLiquidations(ctx, symbols, events)
			switch {
			case err == nil, ctx.Err() != nil:
			case err == domain.ErrStreamingUnsupported:
				in.log.Debug().Str("venue", p.Name()).Msg("venue has no liquidation stream")
			default:
				in.log.Error().Err(err).Str("venue", p.Name()).Msg("liquidation stream terminated")
			}
		}(p)
	}

	in.consume(ctx, events)
	wg.Wait()
	return ctx.Err()
}

// consume is the single writer: every intern, quantize, and ring append
// happens here, so storage order is arrival order.
func (in *Ingestor) consume(ctx context.Context, events <-chan providers.LiquidationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			in.ingest(ev)
		}
	}
}

func (in *Ingestor) ingest(ev providers.LiquidationEvent) {
	if ev.Price <= 0 || ev.Qty <= 0 {
		return
	}
	valueUSD := ev.Price * ev.Qty
	if valueUSD < in.cfg.FloorUSD {
		in.mu.Lock()
		in.dropped++
		in.mu.Unlock()
		return
	}

	nowMs := uint64(time.Now().UnixMilli())
	tsMs := ev.TsMs
	synthetic := !ev.TsExchange
	if skew := absDiff(tsMs, nowMs); ev.TsExchange && skew > uint64(in.cfg.MaxClockSkew.Milliseconds()) {
		tsMs = nowMs
		synthetic = true
	}

	id, meta, err := in.intern.Intern(ev.Symbol, ev.Price, ev.Qty)
	if err != nil {
		in.log.Error().Err(err).Str("symbol", ev.Symbol).Msg("cannot intern symbol")
		return
	}
	exID := domain.ExchangeID(ev.Venue)
	if exID == 0 {
		in.log.Warn().Str("venue", ev.Venue).Msg("event from unregistered venue")
		return
	}

	rec := domain.CompactLiquidation{
		TsMs:       tsMs,
		SymbolID:   id,
		ExchangeID: exID,
		Side:       ev.Side,
		PriceQ:     domain.QuantizePrice(ev.Price, meta),
		QtyQ:       domain.QuantizeQty(ev.Qty, meta),
		Synthetic:  synthetic,
	}
	in.rings.Get(id).Append(rec)

	for _, h := range in.handlers {
		h(rec, meta, ev.Symbol)
	}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
