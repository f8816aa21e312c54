// Package cascade detects liquidation cascades: every ingested event
// updates six rolling timeframe windows per symbol, feeds a weighted
// probability score, and drives a severity state machine whose transitions
// are the only observable output.
package cascade

import (
	"math"
	"time"
)

// WindowDurations are the six rolling horizons every symbol tracks.
var WindowDurations = [6]time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
	10 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// Indexes into a symbol's window array for the horizons scoring reads.
const (
	win500ms = 1
	win2s    = 2
)

type windowEvent struct {
	tsMs       uint64
	usd        float64
	exchangeID uint8
}

// exchangeSlots bounds the per-exchange accumulators; exchange ids are
// assigned at compile time and start at 1.
const exchangeSlots = 8

// timeframeWindow is one rolling horizon. Events arrive in storage order,
// so expiry is a monotonic cursor over a queue slice: O(1) amortized.
type timeframeWindow struct {
	duration time.Duration
	events   []windowEvent
	start    int

	usdSum         float64
	perExchCount   [exchangeSlots]int
	perExchUSD     [exchangeSlots]float64
	prevEventsRate float64
	prevUSDRate    float64
	eventsAccel    float64
	usdAccel       float64
}

func newWindow(d time.Duration) *timeframeWindow {
	return &timeframeWindow{duration: d}
}

func (w *timeframeWindow) seconds() float64 { return w.duration.Seconds() }

// add ingests one event and refreshes the derived rates. Acceleration is
// the discrete rate delta over the window duration, a second-derivative
// approximation.
func (w *timeframeWindow) add(ev windowEvent) {
	w.expire(ev.tsMs)
	w.events = append(w.events, ev)
	w.usdSum += ev.usd
	if ev.exchangeID < exchangeSlots {
		w.perExchCount[ev.exchangeID]++
		w.perExchUSD[ev.exchangeID] += ev.usd
	}

	secs := w.seconds()
	eventsRate := float64(w.count()) / secs
	usdRate := w.usdSum / secs
	w.eventsAccel = (eventsRate - w.prevEventsRate) / secs
	w.usdAccel = (usdRate - w.prevUSDRate) / secs
	w.prevEventsRate = eventsRate
	w.prevUSDRate = usdRate
}

// expire advances the cursor past events older than the horizon and
// compacts the backing slice once the dead prefix dominates.
func (w *timeframeWindow) expire(nowMs uint64) {
	horizonMs := uint64(w.duration.Milliseconds())
	cutoff := uint64(0)
	if nowMs > horizonMs {
		cutoff = nowMs - horizonMs
	}
	for w.start < len(w.events) && w.events[w.start].tsMs < cutoff {
		ev := w.events[w.start]
		w.usdSum -= ev.usd
		if ev.exchangeID < exchangeSlots {
			w.perExchCount[ev.exchangeID]--
			w.perExchUSD[ev.exchangeID] -= ev.usd
		}
		w.start++
	}
	if w.start > len(w.events)/2 && w.start > 32 {
		w.events = append(w.events[:0], w.events[w.start:]...)
		w.start = 0
	}
}

func (w *timeframeWindow) count() int { return len(w.events) - w.start }

func (w *timeframeWindow) eventsPerSec() float64 { return float64(w.count()) / w.seconds() }

func (w *timeframeWindow) usdPerSec() float64 { return w.usdSum / w.seconds() }

// correlation is 1 − H(p)/log(N) over the per-exchange event distribution:
// 1 when one venue dominates, 0 when events spread evenly across all N
// streaming venues. Undefined for fewer than two venues; reported as 0.
func (w *timeframeWindow) correlation(streamingVenues int) float64 {
	if streamingVenues < 2 || w.count() == 0 {
		return 0
	}
	total := float64(w.count())
	entropy := 0.0
	for _, c := range w.perExchCount {
		if c <= 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log(p)
	}
	score := 1 - entropy/math.Log(float64(streamingVenues))
	return math.Max(0, math.Min(1, score))
}

// leadingExchange is the venue with the highest event rate in the window,
// ties broken by USD volume. Returns 0 when the window is empty.
func (w *timeframeWindow) leadingExchange() uint8 {
	best := uint8(0)
	for id := uint8(1); id < exchangeSlots; id++ {
		if w.perExchCount[id] == 0 {
			continue
		}
		switch {
		case best == 0,
			w.perExchCount[id] > w.perExchCount[best],
			w.perExchCount[id] == w.perExchCount[best] && w.perExchUSD[id] > w.perExchUSD[best]:
			best = id
		}
	}
	return best
}
