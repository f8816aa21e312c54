package httpapi

import (
	"sort"
	"sync"
	"time"
)

// StreamStatus is one venue's liquidation stream state for the health report.
type StreamStatus struct {
	Venue    string `json:"venue"`
	Status   string `json:"status"` // OK or DEGRADED
	Failures int    `json:"consecutive_failures,omitempty"`
}

// HealthTracker aggregates stream degradation transitions and recent
// aggregator failures. It implements the provider HealthFunc contract
// through OnStreamHealth.
type HealthTracker struct {
	mu      sync.Mutex
	streams map[string]StreamStatus
	aggErrs []time.Time
	now     func() time.Time
}

func NewHealthTracker(venues []string) *HealthTracker {
	t := &HealthTracker{
		streams: make(map[string]StreamStatus, len(venues)),
		now:     time.Now,
	}
	for _, v := range venues {
		t.streams[v] = StreamStatus{Venue: v, Status: "OK"}
	}
	return t
}

// OnStreamHealth records a degradation transition. Wire it to the providers
// via their WithHealthFunc options.
func (t *HealthTracker) OnStreamHealth(venue string, degraded bool, consecutiveFailures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := "OK"
	if degraded {
		status = "DEGRADED"
	}
	t.streams[venue] = StreamStatus{Venue: venue, Status: status, Failures: consecutiveFailures}
}

// Streams lists the tracked venues in name order.
func (t *HealthTracker) Streams() []StreamStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StreamStatus, 0, len(t.streams))
	for _, st := range t.streams {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// RecordAggregatorError notes one aggregation failure.
func (t *HealthTracker) RecordAggregatorError() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aggErrs = append(t.aggErrs, now)
	t.trim(now)
}

// AggregatorErrorsLastMinute counts failures within the trailing minute.
func (t *HealthTracker) AggregatorErrorsLastMinute() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trim(now)
	return len(t.aggErrs)
}

func (t *HealthTracker) trim(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(t.aggErrs) && t.aggErrs[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.aggErrs = append(t.aggErrs[:0], t.aggErrs[i:]...)
	}
}
