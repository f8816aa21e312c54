package liq

import (
	"sync"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// DefaultRingCapacity bounds per-symbol liquidation history.
const DefaultRingCapacity = 1000

// Ring is a fixed-capacity liquidation buffer for one symbol. Appends come
// from the single ingest goroutine; reads may come from anywhere.
type Ring struct {
	mu    sync.RWMutex
	buf   []domain.CompactLiquidation
	head  int // next write position
	count int
	total uint64 // lifetime appends, survives wraparound
}

// NewRing allocates a ring with the given capacity (DefaultRingCapacity
// when cap <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{buf: make([]domain.CompactLiquidation, capacity)}
}

// Append stores one record, overwriting the oldest when full.
func (r *Ring) Append(rec domain.CompactLiquidation) {
	r.mu.Lock()
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
	r.mu.Unlock()
}

// Len reports the number of records currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Total reports lifetime appends, including overwritten records.
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Recent copies out the newest n records, oldest first. n <= 0 or n larger
// than the held count returns everything.
func (r *Ring) Recent(n int) []domain.CompactLiquidation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]domain.CompactLiquidation, n)
	start := r.head - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Since copies out records with TsMs >= tsMs, oldest first. Arrival order is
// storage order, so a single backwards scan suffices.
func (r *Ring) Since(tsMs uint64) []domain.CompactLiquidation {
	recent := r.Recent(0)
	// Find the first qualifying record; arrival order means everything
	// after it qualifies too (modulo clock skew already normalized away).
	idx := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].TsMs < tsMs {
			break
		}
		idx = i
	}
	return recent[idx:]
}

// RingSet holds one ring per interned symbol.
type RingSet struct {
	mu       sync.RWMutex
	rings    map[uint16]*Ring
	capacity int
}

// NewRingSet creates the per-symbol ring collection.
func NewRingSet(capacity int) *RingSet {
	return &RingSet{rings: make(map[uint16]*Ring), capacity: capacity}
}

// Get returns the ring for a symbol id, creating it on first use.
func (s *RingSet) Get(id uint16) *Ring {
	s.mu.RLock()
	r, ok := s.rings[id]
	s.mu.RUnlock()
	if ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[id]; ok {
		return r
	}
	r = NewRing(s.capacity)
	s.rings[id] = r
	return r
}
