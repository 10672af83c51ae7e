// Package skew computes the allocation-deviation skew applied to grid
// spacing, per spec.md §4.5's explicit linear formula. The Python reference
// (risk/delta_skew.py) uses a convex quadratic plus an order-book-imbalance
// term instead; spec.md's literal linear formula governs here.
package skew

import (
	"github.com/shopspring/decimal"
)

// Config holds DeltaSkew's tunables.
type Config struct {
	SensitivityPerPct decimal.Decimal // default 2.0 bps of skew per 1 full pct of deviation
	MaxSkewBps        decimal.Decimal // default 30
}

// DefaultConfig matches spec.md's literal defaults.
func DefaultConfig() Config {
	return Config{
		SensitivityPerPct: decimal.NewFromFloat(2.0),
		MaxSkewBps:        decimal.NewFromInt(30),
	}
}

// Result is the computed skew and the per-side spacings it produces.
type Result struct {
	DeviationPct decimal.Decimal
	RawSkewBps   decimal.Decimal
	SkewBps      decimal.Decimal
}

// Compute returns the clamped skew for the given allocation deviation.
// deviation = btcAllocPct - targetPct, expressed as a fraction (0.05 = 5%).
func Compute(cfg Config, btcAllocPct, targetPct decimal.Decimal) Result {
	deviation := btcAllocPct.Sub(targetPct)
	// deviation * 100 converts the fraction to "full percentage points",
	// matching spec.md's "per full percentage of deviation" wording.
	rawSkew := deviation.Mul(decimal.NewFromInt(100)).Mul(cfg.SensitivityPerPct)
	skew := rawSkew
	if skew.GreaterThan(cfg.MaxSkewBps) {
		skew = cfg.MaxSkewBps
	}
	if skew.LessThan(cfg.MaxSkewBps.Neg()) {
		skew = cfg.MaxSkewBps.Neg()
	}
	return Result{DeviationPct: deviation, RawSkewBps: rawSkew, SkewBps: skew}
}

// ApplyToSpacing widens/tightens the per-side base spacing by the skew.
// Over-allocated (skew > 0): widen buys, tighten sells. Under-allocated
// (skew < 0): mirror. Both sides are floored at minBps after the offset.
func ApplyToSpacing(base decimal.Decimal, r Result, minBps decimal.Decimal) (buySpacing, sellSpacing decimal.Decimal) {
	buySpacing = base.Add(r.SkewBps)
	sellSpacing = base.Sub(r.SkewBps)
	if buySpacing.LessThan(minBps) {
		buySpacing = minBps
	}
	if sellSpacing.LessThan(minBps) {
		sellSpacing = minBps
	}
	return buySpacing, sellSpacing
}
