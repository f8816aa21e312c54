// Package profile computes volume profiles, TPO profiles, and session VWAP
// from candle arrays. Everything is pure computation over the candles the
// provider layer supplies; the service wrapper only handles fetching.
package profile

import (
	"fmt"
	"math"
	"time"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// tpoLevels is the fixed partition count for the time profile.
const tpoLevels = 100

// valueAreaTarget is the accumulated-volume fraction the expansion stops at.
const valueAreaTarget = 0.70

// TimeframeSpec is the per-timeframe candle and bin budget.
type TimeframeSpec struct {
	Interval string
	Candles  int
	Bins     int
}

var timeframes = map[string]TimeframeSpec{
	"1m":  {Interval: "1m", Candles: 60, Bins: 20},
	"15m": {Interval: "15m", Candles: 96, Bins: 24},
	"1h":  {Interval: "1h", Candles: 168, Bins: 24},
	"4h":  {Interval: "4h", Candles: 84, Bins: 30},
	"1d":  {Interval: "1d", Candles: 30, Bins: 50},
}

// Timeframe resolves a timeframe name to its spec.
func Timeframe(name string) (TimeframeSpec, bool) {
	spec, ok := timeframes[name]
	return spec, ok
}

// Timeframes lists the recognized timeframe names.
func Timeframes() []string {
	return []string{"1m", "15m", "1h", "4h", "1d"}
}

// Compute builds a ProfileSnapshot from candles for one symbol and
// timeframe. Candles must be oldest first.
func Compute(symbol, timeframe string, candles []domain.Candle) (*domain.ProfileSnapshot, error) {
	spec, ok := Timeframe(timeframe)
	if !ok {
		return nil, fmt.Errorf("unrecognized timeframe %q", timeframe)
	}
	if len(candles) > spec.Candles {
		candles = candles[len(candles)-spec.Candles:]
	}

	snap := &domain.ProfileSnapshot{
		Symbol:      domain.NormalizeSymbol(symbol),
		Timeframe:   timeframe,
		CandleCount: len(candles),
	}
	if len(candles) < 2 {
		snap.Status = domain.ProfileInsufficientData
		return snap, nil
	}

	lo, hi := priceRange(candles)
	last := candles[len(candles)-1]
	snap.SessionStartUTC = sessionStart(last.TsOpen)
	snap.SessionVWAP = sessionVWAP(candles, snap.SessionStartUTC)

	if hi == lo {
		// Flat market: every level collapses onto the single traded price.
		snap.Status = domain.ProfileOK
		snap.POC, snap.VAH, snap.VAL = hi, hi, hi
		snap.TPOPOC, snap.TPOVAH, snap.TPOVAL = hi, hi, hi
		snap.ValueAreaPct = 1
		snap.TPOValueAreaPct = 1
		return snap, nil
	}

	volBins := volumeBins(candles, lo, hi, spec.Bins)
	poc, vah, val, pct := valueArea(volBins, lo, hi)
	snap.POC, snap.VAH, snap.VAL, snap.ValueAreaPct = poc, vah, val, pct

	tpoBins := tpoCounts(candles, lo, hi)
	tpoPOC, tpoVAH, tpoVAL, tpoPct := valueArea(tpoBins, lo, hi)
	snap.TPOPOC, snap.TPOVAH, snap.TPOVAL, snap.TPOValueAreaPct = tpoPOC, tpoVAH, tpoVAL, tpoPct

	if totalVolume(candles) == 0 {
		// No volume traded: the profile carries placeholder prices only.
		snap.Status = domain.ProfileInsufficientData
		return snap, nil
	}
	snap.Status = domain.ProfileOK
	return snap, nil
}

func priceRange(candles []domain.Candle) (lo, hi float64) {
	lo, hi = candles[0].Low, candles[0].High
	for _, c := range candles[1:] {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	return lo, hi
}

func totalVolume(candles []domain.Candle) float64 {
	var sum float64
	for _, c := range candles {
		sum += c.Volume
	}
	return sum
}

// volumeBins spreads each candle's volume across the bins its [low, high]
// range overlaps, proportional to the overlap width. A flat candle deposits
// everything in the bin containing its close.
func volumeBins(candles []domain.Candle, lo, hi float64, bins int) []float64 {
	out := make([]float64, bins)
	width := (hi - lo) / float64(bins)

	for _, c := range candles {
		if c.Volume == 0 {
			continue
		}
		if c.High == c.Low {
			out[binIndex(c.Close, lo, width, bins)] += c.Volume
			continue
		}
		span := c.High - c.Low
		first := binIndex(c.Low, lo, width, bins)
		last := binIndex(c.High, lo, width, bins)
		for i := first; i <= last; i++ {
			binLo := lo + float64(i)*width
			binHi := binLo + width
			overlap := math.Min(c.High, binHi) - math.Max(c.Low, binLo)
			if overlap <= 0 {
				continue
			}
			out[i] += c.Volume * overlap / span
		}
	}
	return out
}

// tpoCounts marks one count per candle per price level its range touches,
// over a fixed 100-level partition.
func tpoCounts(candles []domain.Candle, lo, hi float64) []float64 {
	out := make([]float64, tpoLevels)
	width := (hi - lo) / tpoLevels

	for _, c := range candles {
		first := binIndex(c.Low, lo, width, tpoLevels)
		last := binIndex(c.High, lo, width, tpoLevels)
		for i := first; i <= last; i++ {
			out[i]++
		}
	}
	return out
}

func binIndex(price, lo, width float64, bins int) int {
	if width <= 0 {
		return 0
	}
	idx := int((price - lo) / width)
	if idx < 0 {
		return 0
	}
	if idx >= bins {
		return bins - 1
	}
	return idx
}

// valueArea finds the POC and expands around it until the accumulated
// weight reaches the target fraction. Direction is chosen by comparing the
// summed weight of the two bins above against the two below; the interval
// grows one bin per step toward the heavier side.
func valueArea(weights []float64, lo, hi float64) (poc, vah, val, pct float64) {
	bins := len(weights)
	width := (hi - lo) / float64(bins)

	total := 0.0
	pocIdx := 0
	for i, w := range weights {
		total += w
		if w > weights[pocIdx] {
			pocIdx = i
		}
	}
	if total == 0 {
		mid := lo + (hi-lo)/2
		return mid, mid, mid, 0
	}

	poc = lo + (float64(pocIdx)+0.5)*width
	lower, upper := pocIdx, pocIdx
	acc := weights[pocIdx]

	for acc < valueAreaTarget*total && (lower > 0 || upper < bins-1) {
		above := pairSum(weights, upper+1, +1)
		below := pairSum(weights, lower-1, -1)
		switch {
		case upper >= bins-1:
			lower--
			acc += weights[lower]
		case lower <= 0 || above >= below:
			upper++
			acc += weights[upper]
		default:
			lower--
			acc += weights[lower]
		}
	}

	val = lo + float64(lower)*width
	vah = lo + float64(upper+1)*width
	return poc, vah, val, acc / total
}

// pairSum adds the weights of the two bins starting at idx and moving in
// direction dir, ignoring out-of-range bins.
func pairSum(weights []float64, idx, dir int) float64 {
	sum := 0.0
	for k := 0; k < 2; k++ {
		i := idx + k*dir
		if i < 0 || i >= len(weights) {
			break
		}
		sum += weights[i]
	}
	return sum
}

// sessionStart is the fixed midnight-UTC boundary for the day of ts,
// deliberately uniform across timeframes.
func sessionStart(ts time.Time) time.Time {
	t := ts.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// sessionVWAP is Σ(typical×volume)/Σ(volume) over candles at or after the
// session boundary. Zero session volume degrades to the last typical price.
func sessionVWAP(candles []domain.Candle, start time.Time) float64 {
	var pv, vol float64
	for i := range candles {
		if candles[i].TsOpen.Before(start) {
			continue
		}
		pv += candles[i].TypicalPrice() * candles[i].Volume
		vol += candles[i].Volume
	}
	if vol == 0 {
		return candles[len(candles)-1].TypicalPrice()
	}
	return pv / vol
}
