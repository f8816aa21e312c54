// Package liq ingests venue liquidation streams into compact per-symbol
// ring buffers: symbols are interned to small ids, prices and quantities
// quantized to fixed point, and every append happens on one goroutine so
// arrival order is the storage order.
package liq

import (
	"fmt"
	"sync"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// InternTable assigns stable uint16 ids to symbols and owns the per-symbol
// fixed-point scales. Ids are append-only for the process lifetime; an id
// never changes meaning once handed out.
type InternTable struct {
	mu      sync.RWMutex
	ids     map[string]uint16
	symbols []string
	metas   []domain.LiquidationMeta
}

// NewInternTable creates an empty table. Id 0 is reserved so a zero-valued
// record is recognizably unset.
func NewInternTable() *InternTable {
	return &InternTable{
		ids:     make(map[string]uint16),
		symbols: []string{""},
		metas:   []domain.LiquidationMeta{{}},
	}
}

// Intern returns the id for symbol, allocating one on first sight. The
// fixed-point scales are derived from the first observed price and quantity
// and frozen afterwards, so every record for the symbol decodes uniformly.
func (t *InternTable) Intern(symbol string, price, qty float64) (uint16, domain.LiquidationMeta, error) {
	t.mu.RLock()
	if id, ok := t.ids[symbol]; ok {
		meta := t.metas[id]
		t.mu.RUnlock()
		return id, meta, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[symbol]; ok {
		return id, t.metas[id], nil
	}
	if len(t.symbols) > int(^uint16(0)) {
		return 0, domain.LiquidationMeta{}, fmt.Errorf("intern table full at %d symbols", len(t.symbols)-1)
	}

	id := uint16(len(t.symbols))
	meta := domain.LiquidationMeta{
		PriceScale: scaleFor(price),
		QtyScale:   scaleFor(qty),
	}
	t.ids[symbol] = id
	t.symbols = append(t.symbols, symbol)
	t.metas = append(t.metas, meta)
	return id, meta, nil
}

// Lookup resolves an id back to its symbol and scales.
func (t *InternTable) Lookup(id uint16) (string, domain.LiquidationMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.symbols) || id == 0 {
		return "", domain.LiquidationMeta{}, false
	}
	return t.symbols[id], t.metas[id], true
}

// ID returns the id for an already-interned symbol.
func (t *InternTable) ID(symbol string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[symbol]
	return id, ok
}

// Len reports the number of interned symbols.
func (t *InternTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.symbols) - 1
}

// scaleFor picks a power-of-ten scale that keeps the quantized value well
// inside uint32 range while preserving useful precision for the magnitude
// seen on first observation.
func scaleFor(v float64) float64 {
	switch {
	case v <= 0:
		return 1e4
	case v < 1:
		return 1e8
	case v < 100:
		return 1e6
	case v < 10_000:
		return 1e4
	default:
		return 1e2
	}
}
