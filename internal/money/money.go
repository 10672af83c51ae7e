// Package money provides exact fixed-point decimal types for the three
// currencies the engine touches: USD and EUR at 2 decimal places, BTC at 8.
// Binary floats never represent money anywhere in this module; the only
// floating point permitted by design is inside regime/spacing EWMA math,
// whose output is converted to a fixed-point bps Decimal before it reaches
// a price.
package money

import (
	"github.com/shopspring/decimal"
)

// Scales, in decimal places, per spec.md §3.
const (
	USDScale = 2
	BTCScale = 8
	EURScale = 2
)

// USD rounds d to 2 decimal places using banker-agnostic half-away-from-zero,
// matching how fiat ledgers settle.
func USD(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDScale)
}

// BTC rounds d to 8 decimal places (satoshi granularity).
func BTC(d decimal.Decimal) decimal.Decimal {
	return d.Round(BTCScale)
}

// EUR rounds d to 2 decimal places.
func EUR(d decimal.Decimal) decimal.Decimal {
	return d.Round(EURScale)
}

// RoundTickDown rounds price down to the nearest multiple of tick. Used for
// buy prices so a post-only buy never overpays past the intended level.
func RoundTickDown(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick).Floor()
	return units.Mul(tick)
}

// RoundTickUp rounds price up to the nearest multiple of tick. Used for sell
// prices so a post-only sell never underpays past the intended level.
func RoundTickUp(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick).Ceil()
	return units.Mul(tick)
}

// RoundLotDown rounds qty down to the nearest multiple of lotStep.
func RoundLotDown(qty, lotStep decimal.Decimal) decimal.Decimal {
	if lotStep.IsZero() {
		return qty
	}
	units := qty.Div(lotStep).Floor()
	return units.Mul(lotStep)
}

// BpsToFraction converts a basis-points Decimal to a fractional multiplier,
// e.g. 25 bps -> 0.0025.
func BpsToFraction(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(decimal.NewFromInt(10000))
}

// Clamp returns v bounded to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
