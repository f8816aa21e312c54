package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/metrics"
)

type captureSink struct {
	mu        sync.Mutex
	delivered []*domain.AlertEnvelope
	failures  int // fail this many deliveries before succeeding
	err       error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, env *domain.AlertEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		if s.err != nil {
			return s.err
		}
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, env)
	return nil
}

func (s *captureSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, env := range s.delivered {
		out = append(out, env.Kind+"|"+env.Severity.String())
	}
	return out
}

func newTestDispatcher(cfg Config, sinks ...Sink) (*Dispatcher, *time.Time) {
	d := NewDispatcher(cfg, sinks, zerolog.Nop())
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d, &now
}

func envelope(kind, symbol string, sev domain.AlertSeverity) *domain.AlertEnvelope {
	env := domain.NewAlertEnvelope(kind, symbol, sev)
	env.ValueUSD = 1_000_000
	return env
}

func TestDedupSuppressesRepeatsWithinWindow(t *testing.T) {
	d, now := newTestDispatcher(Config{})

	require.True(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityMed)))
	assert.False(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityMed)), "same severity repeat suppressed")
	assert.False(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityLow)), "downgrade suppressed")

	// A severity upgrade always passes.
	assert.True(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityHigh)))

	// Outside the window the same severity is fresh news again.
	*now = now.Add(6 * time.Minute)
	assert.True(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityHigh)))

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.DroppedDedup)
	assert.Equal(t, uint64(3), stats.Enqueued)
}

func TestDedupKeysAreIndependent(t *testing.T) {
	d, _ := newTestDispatcher(Config{})

	require.True(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityMed)))
	assert.True(t, d.Enqueue(envelope("CASCADE", "ETH", domain.SeverityMed)), "other symbol unaffected")
	assert.True(t, d.Enqueue(envelope("LIQUIDATION", "BTC", domain.SeverityMed)), "other kind unaffected")
}

func TestRateLimitPerSymbolKind(t *testing.T) {
	d, now := newTestDispatcher(Config{DedupWindow: time.Nanosecond, RatePerHour: 10})

	accepted := 0
	for i := 0; i < 12; i++ {
		*now = now.Add(time.Millisecond)
		if d.Enqueue(envelope("LIQUIDATION", "BTC", domain.SeverityMed)) {
			accepted++
		}
	}
	assert.Equal(t, 10, accepted)
	assert.Equal(t, uint64(2), d.Stats().DroppedRate)

	// A different symbol has its own budget.
	*now = now.Add(time.Millisecond)
	assert.True(t, d.Enqueue(envelope("LIQUIDATION", "ETH", domain.SeverityMed)))
}

func TestQueueDrainsBySeverityThenFIFO(t *testing.T) {
	d, _ := newTestDispatcher(Config{})

	require.True(t, d.Enqueue(envelope("OI_DISCREPANCY", "BTC", domain.SeverityLow)))
	require.True(t, d.Enqueue(envelope("LIQUIDATION", "ETH", domain.SeverityCritical)))
	require.True(t, d.Enqueue(envelope("CASCADE", "SOL", domain.SeverityCritical)))
	require.True(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityMed)))

	var order []string
	for {
		env := d.pop()
		if env == nil {
			break
		}
		order = append(order, env.Kind+"|"+env.Symbol)
	}
	assert.Equal(t, []string{
		"LIQUIDATION|ETH", // critical, first in
		"CASCADE|SOL",     // critical, second in
		"CASCADE|BTC",
		"OI_DISCREPANCY|BTC",
	}, order)
}

func TestDeliveryRetriesWithBackoff(t *testing.T) {
	sink := &captureSink{failures: 2}
	d, _ := newTestDispatcher(Config{}, sink)

	var delays []time.Duration
	d.sleep = func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}

	d.deliver(context.Background(), envelope("CASCADE", "BTC", domain.SeverityHigh))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Len(t, sink.delivered, 1)
	assert.Equal(t, uint64(1), d.Stats().Delivered)
	assert.Equal(t, uint64(0), d.Stats().DeliveryFailed)
}

func TestDeliveryAbandonedAfterRetries(t *testing.T) {
	sink := &captureSink{failures: 10}
	d, _ := newTestDispatcher(Config{}, sink)

	d.deliver(context.Background(), envelope("CASCADE", "BTC", domain.SeverityHigh))

	assert.Empty(t, sink.delivered)
	assert.Equal(t, uint64(1), d.Stats().DeliveryFailed)
}

func TestRunDeliversEnqueued(t *testing.T) {
	sink := &captureSink{}
	d, _ := newTestDispatcher(Config{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.True(t, d.Enqueue(envelope("LIQUIDATION", "BTC", domain.SeverityHigh)))
	assert.Eventually(t, func() bool {
		return d.Stats().Delivered == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []string{"LIQUIDATION|HIGH"}, sink.kinds())
}

func TestDispatcherFeedsCollectors(t *testing.T) {
	reg := metrics.New()
	sink := &captureSink{}
	d, _ := newTestDispatcher(Config{Metrics: reg}, sink)

	require.True(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityMed)))
	assert.False(t, d.Enqueue(envelope("CASCADE", "BTC", domain.SeverityMed)))
	d.deliver(context.Background(), d.pop())

	assert.Equal(t, 1.0, counterValue(t, reg, "derivpulse_alerts_dropped_total", "reason", "dedup"))
	assert.Equal(t, 1.0, counterValue(t, reg, "derivpulse_alerts_delivered_total", "sink", "capture"))
}

// counterValue reads one single-label counter from the registry, 0 when unset.
func counterValue(t *testing.T, reg *metrics.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestQueueFullDrops(t *testing.T) {
	d, _ := newTestDispatcher(Config{QueueSize: 2, DedupWindow: time.Nanosecond})

	symbols := []string{"BTC", "ETH", "SOL"}
	for _, sym := range symbols {
		d.Enqueue(envelope("CASCADE", sym, domain.SeverityMed))
	}
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, uint64(1), d.Stats().DroppedQueue)
}
