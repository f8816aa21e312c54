// Package alerts turns detector signals and threshold breaches into
// deduplicated, rate-limited envelopes and delivers them to the configured
// sinks in severity order.
package alerts

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/metrics"
)

// Config tunes the dispatcher. Zero values take the documented defaults.
type Config struct {
	DedupWindow time.Duration // suppression window per (kind, symbol), default 5m
	RatePerHour int           // envelopes per (symbol, kind) per hour, default 10
	QueueSize   int           // pending envelope cap, default 1024
	RetryBase   time.Duration // first retry delay, doubled per attempt, default 1s
	MaxRetries  int           // retries after the initial attempt, default 3

	Metrics *metrics.Registry // optional delivery and drop instrumentation
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.RatePerHour <= 0 {
		c.RatePerHour = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Stats are the dispatcher's observable drop counters.
type Stats struct {
	Enqueued       uint64
	Delivered      uint64
	DroppedDedup   uint64
	DroppedRate    uint64
	DroppedQueue   uint64
	DeliveryFailed uint64
}

type dedupState struct {
	severity domain.AlertSeverity
	at       time.Time
}

// queued wraps an envelope with its arrival order for stable FIFO within a
// severity band.
type queued struct {
	env *domain.AlertEnvelope
	seq uint64
}

type alertHeap []queued

func (h alertHeap) Len() int { return len(h) }
func (h alertHeap) Less(i, j int) bool {
	if h[i].env.Severity != h[j].env.Severity {
		return h[i].env.Severity > h[j].env.Severity
	}
	return h[i].seq < h[j].seq
}
func (h alertHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *alertHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *alertHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Dispatcher owns the alert pipeline between producers and sinks.
type Dispatcher struct {
	cfg   Config
	sinks []Sink
	log   zerolog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	queue    alertHeap
	seq      uint64
	dedup    map[string]dedupState // keyed by kind|symbol
	limiters map[string]*rate.Limiter
	wake     chan struct{}

	enqueued       atomic.Uint64
	delivered      atomic.Uint64
	droppedDedup   atomic.Uint64
	droppedRate    atomic.Uint64
	droppedQueue   atomic.Uint64
	deliveryFailed atomic.Uint64
}

func NewDispatcher(cfg Config, sinks []Sink, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		sinks:    sinks,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
		dedup:    make(map[string]dedupState),
		limiters: make(map[string]*rate.Limiter),
		wake:     make(chan struct{}, 1),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue admits an envelope through dedup and rate limiting. It reports
// whether the envelope was accepted; rejected envelopes only bump counters.
func (d *Dispatcher) Enqueue(env *domain.AlertEnvelope) bool {
	now := d.now()

	d.mu.Lock()
	key := env.DedupKey()
	if st, ok := d.dedup[key]; ok &&
		now.Sub(st.at) < d.cfg.DedupWindow && env.Severity <= st.severity {
		d.mu.Unlock()
		d.droppedDedup.Add(1)
		d.countDrop("dedup")
		return false
	}
	lim, ok := d.limiters[env.RateKey()]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(d.cfg.RatePerHour)), d.cfg.RatePerHour)
		d.limiters[env.RateKey()] = lim
	}
	if !lim.AllowN(now, 1) {
		d.mu.Unlock()
		d.droppedRate.Add(1)
		d.countDrop("rate_limit")
		return false
	}
	if len(d.queue) >= d.cfg.QueueSize {
		d.mu.Unlock()
		d.droppedQueue.Add(1)
		d.countDrop("queue_full")
		d.log.Warn().Str("kind", env.Kind).Str("symbol", env.Symbol).
			Msg("alert queue full, envelope dropped")
		return false
	}
	d.dedup[key] = dedupState{severity: env.Severity, at: now}
	d.seq++
	heap.Push(&d.queue, queued{env: env, seq: d.seq})
	d.mu.Unlock()

	d.enqueued.Add(1)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until the context ends, delivering the most severe
// pending envelope first.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		env := d.pop()
		if env == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		d.deliver(ctx, env)
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) pop() *domain.AlertEnvelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	return heap.Pop(&d.queue).(queued).env
}

// deliver pushes one envelope to every sink, retrying each failing sink with
// doubling backoff before declaring the delivery failed.
func (d *Dispatcher) deliver(ctx context.Context, env *domain.AlertEnvelope) {
	for _, sink := range d.sinks {
		var err error
		delay := d.cfg.RetryBase
		for attempt := 0; ; attempt++ {
			if err = sink.Deliver(ctx, env); err == nil {
				break
			}
			if attempt >= d.cfg.MaxRetries || ctx.Err() != nil {
				break
			}
			if d.sleep(ctx, delay) != nil {
				break
			}
			delay *= 2
		}
		if err != nil {
			d.deliveryFailed.Add(1)
			d.log.Error().Err(err).
				Str("sink", sink.Name()).
				Str("alert_id", env.ID).
				Str("error_kind", "DELIVERY_FAILED").
				Msg("alert delivery abandoned")
			continue
		}
		d.delivered.Add(1)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.AlertsDelivered.WithLabelValues(sink.Name()).Inc()
		}
	}
}

func (d *Dispatcher) countDrop(reason string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.AlertsDropped.WithLabelValues(reason).Inc()
	}
}

// Pending reports the queue depth.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stats snapshots the drop counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:       d.enqueued.Load(),
		Delivered:      d.delivered.Load(),
		DroppedDedup:   d.droppedDedup.Load(),
		DroppedRate:    d.droppedRate.Load(),
		DroppedQueue:   d.droppedQueue.Load(),
		DeliveryFailed: d.deliveryFailed.Load(),
	}
}
