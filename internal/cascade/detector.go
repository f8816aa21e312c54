package cascade

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// Level is the per-symbol cascade severity.
type Level uint8

const (
	LevelNone Level = iota
	LevelWatch
	LevelAlert
	LevelCritical
	LevelExtreme
)

func (l Level) String() string {
	switch l {
	case LevelWatch:
		return "WATCH"
	case LevelAlert:
		return "ALERT"
	case LevelCritical:
		return "CRITICAL"
	case LevelExtreme:
		return "EXTREME"
	}
	return "NONE"
}

// levelFor maps a probability to its severity band.
func levelFor(p float64) Level {
	switch {
	case p >= 0.90:
		return LevelExtreme
	case p >= 0.70:
		return LevelCritical
	case p >= 0.50:
		return LevelAlert
	case p >= 0.30:
		return LevelWatch
	}
	return LevelNone
}

// Signal kinds.
const (
	KindEscalation   = "ESCALATION"
	KindEasing       = "EASING"
	KindBackpressure = "BACKPRESSURE"
)

// Signal is a cascade state transition. Raw probabilities are carried for
// diagnostics but severity transitions are the contract.
type Signal struct {
	Symbol          string
	Kind            string
	Level           Level
	Probability     float64
	LeadingExchange string
	EventsPerSec2s  float64
	USDPerSec2s     float64
	At              time.Time
}

// Refs are the normalization references scoring divides by; the threshold
// engine supplies them per symbol.
type Refs struct {
	CascadeEventsPerSec float64
	CascadeAccel        float64
	CascadeUSDPerSec    float64
	FundingExtreme      float64
	OIChangePct         float64
}

// RefsFunc resolves scoring references for a symbol at event time.
type RefsFunc func(symbol string) Refs

// Weights are the scoring term weights. Terms with missing inputs drop out
// and the remainder renormalizes.
type Weights struct {
	Velocity    float64
	Accel       float64
	Volume      float64
	Correlation float64
	Funding     float64
	OIChange    float64
}

// DefaultWeights per the scoring model.
var DefaultWeights = Weights{
	Velocity:    0.25,
	Accel:       0.20,
	Volume:      0.20,
	Correlation: 0.15,
	Funding:     0.10,
	OIChange:    0.10,
}

// Config tunes the detector.
type Config struct {
	Weights         Weights
	QuietPeriod     time.Duration // easing timeout, default 60s
	BackpressureLag time.Duration // drop-and-diagnose lag bound, default 10s
	StreamingVenues int           // N in the correlation term
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Weights == (Weights{}) {
		out.Weights = DefaultWeights
	}
	if out.QuietPeriod <= 0 {
		out.QuietPeriod = 60 * time.Second
	}
	if out.BackpressureLag <= 0 {
		out.BackpressureLag = 10 * time.Second
	}
	if out.StreamingVenues <= 0 {
		out.StreamingVenues = len(domain.SupportedExchanges())
	}
	return out
}

type symbolState struct {
	windows       [6]*timeframeWindow
	level         Level
	lastEventMs   uint64
	probability   float64
	backpressured bool

	funding    float64
	hasFunding bool
	oiChange   float64
	hasOI      bool
}

func newSymbolState() *symbolState {
	st := &symbolState{}
	for i, d := range WindowDurations {
		st.windows[i] = newWindow(d)
	}
	return st
}

// Detector runs the cascade state machine for every symbol it sees.
// OnEvent is called from the single ingest goroutine; the auxiliary inputs
// (funding, OI deltas) may arrive from other goroutines.
type Detector struct {
	cfg  Config
	refs RefsFunc
	emit func(Signal)
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// New builds a detector. emit receives every transition; it must not block.
func New(cfg Config, refs RefsFunc, emit func(Signal), log zerolog.Logger) *Detector {
	return &Detector{
		cfg:     cfg.withDefaults(),
		refs:    refs,
		emit:    emit,
		log:     log,
		now:     time.Now,
		symbols: make(map[string]*symbolState),
	}
}

// SetFunding feeds the latest funding rate for a symbol into scoring.
func (d *Detector) SetFunding(symbol string, rate float64) {
	d.mu.Lock()
	st := d.state(symbol)
	st.funding = rate
	st.hasFunding = true
	d.mu.Unlock()
}

// SetOIChange feeds the 5-minute open-interest change percentage.
func (d *Detector) SetOIChange(symbol string, pct float64) {
	d.mu.Lock()
	st := d.state(symbol)
	st.oiChange = pct
	st.hasOI = true
	d.mu.Unlock()
}

func (d *Detector) state(symbol string) *symbolState {
	st, ok := d.symbols[symbol]
	if !ok {
		st = newSymbolState()
		d.symbols[symbol] = st
	}
	return st
}

// OnEvent ingests one liquidation record. Events lagging more than the
// backpressure bound are dropped with a single diagnostic per episode.
func (d *Detector) OnEvent(rec domain.CompactLiquidation, meta domain.LiquidationMeta, symbol string) {
	now := d.now().UTC()
	nowMs := uint64(now.UnixMilli())

	d.mu.Lock()
	st := d.state(symbol)

	if nowMs > rec.TsMs && nowMs-rec.TsMs > uint64(d.cfg.BackpressureLag.Milliseconds()) {
		first := !st.backpressured
		st.backpressured = true
		level := st.level
		d.mu.Unlock()
		if first {
			d.log.Warn().Str("symbol", symbol).Msg("cascade detector behind real time, dropping events")
			d.emit(Signal{Symbol: symbol, Kind: KindBackpressure, Level: level, At: now})
		}
		return
	}
	st.backpressured = false

	ev := windowEvent{tsMs: rec.TsMs, usd: rec.ValueUSD(meta), exchangeID: rec.ExchangeID}
	for _, w := range st.windows {
		w.add(ev)
	}
	st.lastEventMs = rec.TsMs

	p := d.score(st, symbol)
	st.probability = p
	signals := transition(st, symbol, p, now)
	d.mu.Unlock()

	for _, sig := range signals {
		d.emit(sig)
	}
}

// Tick applies the quiet-period easing rule; call it about once a second.
func (d *Detector) Tick() {
	now := d.now().UTC()
	nowMs := uint64(now.UnixMilli())
	quietMs := uint64(d.cfg.QuietPeriod.Milliseconds())

	var signals []Signal
	d.mu.Lock()
	for symbol, st := range d.symbols {
		if st.level == LevelNone || nowMs-st.lastEventMs < quietMs {
			continue
		}
		st.level = LevelNone
		st.probability = 0
		signals = append(signals, Signal{
			Symbol: symbol, Kind: KindEasing, Level: LevelNone, At: now,
		})
	}
	d.mu.Unlock()

	for _, sig := range signals {
		d.emit(sig)
	}
}

// Probability exposes the latest score for the diagnostics endpoint.
func (d *Detector) Probability(symbol string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.symbols[symbol]; ok {
		return st.probability
	}
	return 0
}

// Level returns the current severity for a symbol.
func (d *Detector) Level(symbol string) Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.symbols[symbol]; ok {
		return st.level
	}
	return LevelNone
}

// score computes the weighted cascade probability. Missing funding or OI
// inputs drop their terms and renormalize the weight sum so p stays in
// [0,1].
func (d *Detector) score(st *symbolState, symbol string) float64 {
	refs := d.refs(symbol)
	w2s := st.windows[win2s]
	w500 := st.windows[win500ms]

	wts := d.cfg.Weights
	accel := math.Max(w500.eventsAccel, w2s.eventsAccel)

	sum := wts.Velocity*normalize(w2s.eventsPerSec(), refs.CascadeEventsPerSec) +
		wts.Accel*normalize(accel, refs.CascadeAccel) +
		wts.Volume*normalize(w2s.usdPerSec(), refs.CascadeUSDPerSec) +
		wts.Correlation*w2s.correlation(d.cfg.StreamingVenues)
	weightTotal := wts.Velocity + wts.Accel + wts.Volume + wts.Correlation

	if st.hasFunding {
		sum += wts.Funding * normalize(math.Abs(st.funding), refs.FundingExtreme)
		weightTotal += wts.Funding
	}
	if st.hasOI {
		sum += wts.OIChange * normalize(math.Abs(st.oiChange), refs.OIChangePct)
		weightTotal += wts.OIChange
	}
	if weightTotal <= 0 {
		return 0
	}
	return sum / weightTotal
}

func normalize(x, ref float64) float64 {
	if ref <= 0 || x <= 0 {
		return 0
	}
	return math.Min(1, x/ref)
}

// transition applies the emission policy: one escalation signal per level
// crossed upward, one EASING on a drop of two or more levels, and never the
// same level twice in a row.
func transition(st *symbolState, symbol string, p float64, now time.Time) []Signal {
	next := levelFor(p)
	cur := st.level
	if next == cur {
		return nil
	}

	w2s := st.windows[win2s]
	base := Signal{
		Symbol:          symbol,
		Probability:     p,
		LeadingExchange: domain.ExchangeName(w2s.leadingExchange()),
		EventsPerSec2s:  w2s.eventsPerSec(),
		USDPerSec2s:     w2s.usdPerSec(),
		At:              now,
	}

	if next > cur {
		signals := make([]Signal, 0, int(next-cur))
		for lvl := cur + 1; lvl <= next; lvl++ {
			sig := base
			sig.Kind = KindEscalation
			sig.Level = lvl
			signals = append(signals, sig)
		}
		st.level = next
		return signals
	}

	// Downward: only a two-level drop emits; smaller dips stay silent and
	// the state holds until quiet or a deeper drop.
	if cur-next >= 2 {
		st.level = next
		sig := base
		sig.Kind = KindEasing
		sig.Level = next
		return []Signal{sig}
	}
	return nil
}
