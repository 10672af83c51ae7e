package engine

import (
	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/regime"
)

// RegimeProfile is the grid-shaping half of spec.md §3's per-regime
// RegimeState (allocation bands live in inventory.Arbiter's own Config):
// level counts, order-size scaling, and whether an optional signal
// provider may bias this regime (always false here — AI signal adapters
// are out of scope per spec.md §1).
type RegimeProfile struct {
	GridLevelsBuy  int
	GridLevelsSell int
	OrderSizeScale decimal.Decimal
	SignalEnabled  bool
}

// DefaultProfiles picks sensible level counts and size scaling per regime:
// fewer, larger levels while trending, a minimal ladder in chaos, the full
// symmetric ladder range-bound.
func DefaultProfiles() map[regime.Tag]RegimeProfile {
	return map[regime.Tag]RegimeProfile{
		regime.RangeBound: {
			GridLevelsBuy:  5,
			GridLevelsSell: 5,
			OrderSizeScale: decimal.NewFromInt(1),
		},
		regime.TrendingUp: {
			GridLevelsBuy:  4,
			GridLevelsSell: 3,
			OrderSizeScale: decimal.NewFromFloat(1.2),
		},
		regime.TrendingDown: {
			GridLevelsBuy:  3,
			GridLevelsSell: 4,
			OrderSizeScale: decimal.NewFromFloat(1.2),
		},
		regime.Chaos: {
			GridLevelsBuy:  1,
			GridLevelsSell: 1,
			OrderSizeScale: decimal.NewFromFloat(0.25),
		},
	}
}
