// Package markout tracks post-fill mid-price movement to measure adverse
// selection: whether our fills are being picked off by flow that knows the
// market is about to move against us. Grounded on
// risk/mark_out_tracker.py, generalized to this bot's single-pair
// decimal-money idiom and wired as a live calibration input to
// internal/feemodel's AdverseSelectionBps rather than a diagnostics-only
// stat.
package markout

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Horizons are the post-fill delays at which mark-out is measured.
var Horizons = []time.Duration{1 * time.Second, 10 * time.Second, 60 * time.Second}

// calibrationHorizon is the horizon Stats draws SuggestedAdverseSelectionBps
// from: long enough to see a real move, short enough to still be actionable
// before the next grid level would trigger.
const calibrationHorizon = 10 * time.Second

type pendingFill struct {
	filledAt  time.Time
	price     decimal.Decimal
	side      string
	remaining []time.Duration
}

// Stats is the aggregated adverse-selection read.
type Stats struct {
	AvgAdverseBps                map[time.Duration]float64
	Observations                 map[time.Duration]int
	SuggestedAdverseSelectionBps decimal.Decimal
}

// Tracker records fills and measures the mid-price move at each horizon.
type Tracker struct {
	mu sync.Mutex

	maxPending   int
	maxCompleted int

	pending   []pendingFill
	completed map[time.Duration][]float64

	FillsTracked      int
	MarkOutsCompleted int
}

// New constructs a Tracker with the Python reference's default bounds
// (200 pending fills, 1000 completed observations per horizon).
func New() *Tracker {
	completed := make(map[time.Duration][]float64, len(Horizons))
	for _, h := range Horizons {
		completed[h] = nil
	}
	return &Tracker{maxPending: 200, maxCompleted: 1000, completed: completed}
}

// RecordFill starts mark-out tracking for a new fill.
func (t *Tracker) RecordFill(fillPrice decimal.Decimal, side string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := make([]time.Duration, len(Horizons))
	copy(remaining, Horizons)
	t.pending = append(t.pending, pendingFill{filledAt: now, price: fillPrice, side: side, remaining: remaining})
	if len(t.pending) > t.maxPending {
		t.pending = t.pending[len(t.pending)-t.maxPending:]
	}
	t.FillsTracked++
}

// CheckMarkOuts measures every pending fill whose horizon has elapsed
// against currentMid. Call once per tick.
func (t *Tracker) CheckMarkOuts(currentMid decimal.Decimal, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.pending[:0]
	for _, p := range t.pending {
		elapsed := now.Sub(p.filledAt)
		var remaining []time.Duration
		for _, h := range p.remaining {
			if elapsed < h {
				remaining = append(remaining, h)
				continue
			}
			adverse := adverseBps(p.price, currentMid, p.side)
			vals := append(t.completed[h], adverse)
			if len(vals) > t.maxCompleted {
				vals = vals[len(vals)-t.maxCompleted:]
			}
			t.completed[h] = vals
			t.MarkOutsCompleted++
		}
		if len(remaining) > 0 {
			p.remaining = remaining
			kept = append(kept, p)
		}
	}
	t.pending = kept
}

// adverseBps computes one mark-out observation. Positive means the market
// moved against the fill (we overpaid on a buy, undersold on a sell).
func adverseBps(fillPrice, markOutMid decimal.Decimal, side string) float64 {
	if !fillPrice.IsPositive() {
		return 0
	}
	var adverse decimal.Decimal
	if side == "buy" {
		adverse = fillPrice.Sub(markOutMid).Div(fillPrice)
	} else {
		adverse = markOutMid.Sub(fillPrice).Div(fillPrice)
	}
	f, _ := adverse.Mul(decimal.NewFromInt(10000)).Float64()
	return f
}

// Stats aggregates completed mark-outs into per-horizon averages and a
// suggested adverse_selection_bps for FeeModel calibration, clamped to
// [1, 50] bps as in the Python reference.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	avg := make(map[time.Duration]float64, len(Horizons))
	obs := make(map[time.Duration]int, len(Horizons))
	for _, h := range Horizons {
		vals := t.completed[h]
		obs[h] = len(vals)
		if len(vals) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		avg[h] = sum / float64(len(vals))
	}

	suggested := avg[calibrationHorizon]
	if suggested < 1 {
		suggested = 1
	}
	if suggested > 50 {
		suggested = 50
	}

	return Stats{
		AvgAdverseBps:                avg,
		Observations:                 obs,
		SuggestedAdverseSelectionBps: decimal.NewFromFloat(suggested),
	}
}
