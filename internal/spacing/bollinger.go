// Package spacing computes volatility-adaptive grid spacing by blending
// Bollinger band width with an ATR estimate, per spec.md §4.4. Grounded on
// strategy/bollinger.py; float math permitted per spec.md §9 for this
// component, converted to a fixed-point bps Decimal at the end.
package spacing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/feemodel"
)

// Config holds the tunables for BollingerSpacing.
type Config struct {
	Window       int
	Multiplier   float64
	ATRWindow    int
	ATRWeight    float64 // 0..1, weight given to ATR vs Bollinger bandwidth
	SpacingScale float64
	MinBps       decimal.Decimal
	MaxBps       decimal.Decimal
}

// DefaultConfig matches spec.md's defaults (window 20).
func DefaultConfig() Config {
	return Config{
		Window:       20,
		Multiplier:   2.0,
		ATRWindow:    14,
		ATRWeight:    0.3,
		SpacingScale: 1.0,
		MinBps:       decimal.NewFromInt(5),
		MaxBps:       decimal.NewFromInt(500),
	}
}

type bar struct {
	high, low, close decimal.Decimal
}

// Spacing is the stateful Bollinger+ATR spacing estimator.
type Spacing struct {
	cfg  Config
	mids []float64
	bars []bar
}

// New constructs a Spacing with the given config.
func New(cfg Config) *Spacing {
	return &Spacing{cfg: cfg}
}

// Update feeds a new mid price plus the bar's high/low/close for ATR, and
// returns the blended suggested spacing in bps, floored at
// fees.MinProfitableSpacingBps(). Returns false until at least two samples
// have been seen (one, when Window is 1).
func (s *Spacing) Update(mid decimal.Decimal, high, low decimal.Decimal, fees *feemodel.Model) (decimal.Decimal, bool) {
	midF, _ := mid.Float64()
	s.mids = append(s.mids, midF)
	if len(s.mids) > s.cfg.Window {
		s.mids = s.mids[len(s.mids)-s.cfg.Window:]
	}

	s.bars = append(s.bars, bar{high: high, low: low, close: mid})
	if len(s.bars) > s.cfg.ATRWindow+1 {
		s.bars = s.bars[len(s.bars)-(s.cfg.ATRWindow+1):]
	}

	if len(s.mids) < 2 && s.cfg.Window != 1 {
		return decimal.Zero, false
	}

	sma := mean(s.mids)
	sd := populationStdDev(s.mids, sma)
	upper := sma + s.cfg.Multiplier*sd
	lower := sma - s.cfg.Multiplier*sd
	bbBandwidthBps := 0.0
	if sma > 0 {
		bbBandwidthBps = (upper - lower) / sma * 10000
	}
	bbSpacing := bbBandwidthBps * s.cfg.SpacingScale

	atrSpacing := bbSpacing
	if s.cfg.ATRWeight > 0 && len(s.bars) >= 2 {
		atr := s.computeATR()
		if sma > 0 {
			atrBandwidthBps := atr / sma * 10000
			atrSpacing = atrBandwidthBps * s.cfg.SpacingScale
		}
	}

	blended := (1-s.cfg.ATRWeight)*bbSpacing + s.cfg.ATRWeight*atrSpacing
	blendedBps := decimal.NewFromFloat(blended)

	floor := s.cfg.MinBps
	if fees != nil {
		feeFloor := fees.MinProfitableSpacingBps(true)
		if feeFloor.GreaterThan(floor) {
			floor = feeFloor
		}
	}

	clamped := blendedBps
	if clamped.LessThan(floor) {
		clamped = floor
	}
	if clamped.GreaterThan(s.cfg.MaxBps) {
		clamped = s.cfg.MaxBps
	}
	return clamped, true
}

// computeATR is the simple mean of true ranges over the last ATRWindow bars.
func (s *Spacing) computeATR() float64 {
	n := len(s.bars)
	start := n - s.cfg.ATRWindow
	if start < 1 {
		start = 1
	}
	sum := 0.0
	count := 0
	for i := start; i < n; i++ {
		high, _ := s.bars[i].high.Float64()
		low, _ := s.bars[i].low.Float64()
		prevClose, _ := s.bars[i-1].close.Float64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Reset clears accumulated state, e.g. after a regime change to CHAOS.
func (s *Spacing) Reset() {
	s.mids = nil
	s.bars = nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationStdDev(xs []float64, mu float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
