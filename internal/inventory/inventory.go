// Package inventory implements the InventoryArbiter: per-regime
// allocation caps, per-tick rebalance caps, and a TWAP per-minute
// rebalance cap, per spec.md §4.10. Grounded on
// inventory/inventory_arbiter.py; the per-minute TWAP cap is a
// supplemental feature carried over from that file (spec.md's Open
// Question on rebalance pacing).
package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/regime"
)

// Limits bounds a regime's target BTC allocation as a fraction of equity.
type Limits struct {
	TargetPct decimal.Decimal
	MaxPct    decimal.Decimal
	MinPct    decimal.Decimal
}

// DefaultLimits mirrors inventory/inventory_arbiter.py's DEFAULT_LIMITS.
func DefaultLimits() map[regime.Tag]Limits {
	return map[regime.Tag]Limits{
		regime.RangeBound:   {TargetPct: d("0.50"), MaxPct: d("0.60"), MinPct: d("0.40")},
		regime.TrendingUp:   {TargetPct: d("0.70"), MaxPct: d("0.80"), MinPct: d("0.55")},
		regime.TrendingDown: {TargetPct: d("0.30"), MaxPct: d("0.40"), MinPct: d("0.15")},
		regime.Chaos:        {TargetPct: d("0.00"), MaxPct: d("0.05"), MinPct: d("0.00")},
	}
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type rebalanceEvent struct {
	at  time.Time
	usd decimal.Decimal
}

// Config holds the arbiter's tunables; defaults per spec.md §4.10.
type Config struct {
	Limits                map[regime.Tag]Limits
	MaxSingleRebalancePct decimal.Decimal
	MaxRebalancePctPerMin decimal.Decimal
	RebalanceWindow       time.Duration
}

// DefaultConfig matches spec.md's literal numbers, including the
// supplemented TWAP window.
func DefaultConfig() Config {
	return Config{
		Limits:                DefaultLimits(),
		MaxSingleRebalancePct: d("0.10"),
		MaxRebalancePctPerMin: d("0.01"),
		RebalanceWindow:       60 * time.Second,
	}
}

// Snapshot is a point-in-time read of the arbiter's allocation state.
type Snapshot struct {
	BTCBalance        decimal.Decimal
	USDBalance        decimal.Decimal
	BTCPriceUSD       decimal.Decimal
	BTCValueUSD       decimal.Decimal
	PortfolioValueUSD decimal.Decimal
	BTCAllocationPct  decimal.Decimal
	Regime            regime.Tag
	Limits            Limits
	CanBuy            bool
	CanSell           bool
	MaxBuyBTC         decimal.Decimal
	MaxSellBTC        decimal.Decimal
}

// Arbiter tracks global BTC/USD balances and enforces per-regime
// allocation bands.
type Arbiter struct {
	cfg Config

	btcBalance decimal.Decimal
	usdBalance decimal.Decimal
	btcPrice   decimal.Decimal
	regime     regime.Tag

	rebalanceHistory []rebalanceEvent
}

// New constructs an Arbiter at RangeBound with zero balances.
func New(cfg Config) *Arbiter {
	return &Arbiter{cfg: cfg, regime: regime.RangeBound}
}

// UpdateBalances sets the current BTC/USD balances from exchange account data.
func (a *Arbiter) UpdateBalances(btc, usd decimal.Decimal) {
	a.btcBalance = btc
	a.usdBalance = usd
}

// UpdatePrice sets the current mid/mark price.
func (a *Arbiter) UpdatePrice(btcPriceUSD decimal.Decimal) {
	a.btcPrice = btcPriceUSD
}

// SetRegime updates the regime used to select allocation limits.
func (a *Arbiter) SetRegime(tag regime.Tag) {
	a.regime = tag
}

func (a *Arbiter) currentLimits() Limits {
	if l, ok := a.cfg.Limits[a.regime]; ok {
		return l
	}
	return a.cfg.Limits[regime.RangeBound]
}

func (a *Arbiter) portfolioValueUSD() decimal.Decimal {
	return a.btcBalance.Mul(a.btcPrice).Add(a.usdBalance)
}

func (a *Arbiter) allocationPct() decimal.Decimal {
	total := a.portfolioValueUSD()
	if !total.IsPositive() {
		return decimal.Zero
	}
	return a.btcBalance.Mul(a.btcPrice).Div(total)
}

// Snapshot computes the full allocation/capacity view for this tick.
func (a *Arbiter) Snapshot(now time.Time) Snapshot {
	btcValue := a.btcBalance.Mul(a.btcPrice)
	total := btcValue.Add(a.usdBalance)
	alloc := decimal.Zero
	if total.IsPositive() {
		alloc = btcValue.Div(total)
	}
	limits := a.currentLimits()

	maxBuy := a.maxBuyBTC(alloc, limits, total, now)
	maxSell := a.maxSellBTC(alloc, limits, total, now)

	return Snapshot{
		BTCBalance:        a.btcBalance,
		USDBalance:        a.usdBalance,
		BTCPriceUSD:       a.btcPrice,
		BTCValueUSD:       btcValue,
		PortfolioValueUSD: total,
		BTCAllocationPct:  alloc,
		Regime:            a.regime,
		Limits:            limits,
		CanBuy:            alloc.LessThan(limits.MaxPct),
		CanSell:           alloc.GreaterThan(limits.MinPct),
		MaxBuyBTC:         maxBuy,
		MaxSellBTC:        maxSell,
	}
}

// CheckBuy clamps a desired buy quantity to the arbiter's current capacity.
func (a *Arbiter) CheckBuy(qtyBTC decimal.Decimal, now time.Time) decimal.Decimal {
	if !a.btcPrice.IsPositive() {
		return decimal.Zero
	}
	limits := a.currentLimits()
	alloc := a.allocationPct()
	if alloc.GreaterThanOrEqual(limits.MaxPct) {
		return decimal.Zero
	}
	max := a.maxBuyBTC(alloc, limits, a.portfolioValueUSD(), now)
	return decimal.Min(qtyBTC, max)
}

// CheckSell clamps a desired sell quantity to the arbiter's current capacity.
func (a *Arbiter) CheckSell(qtyBTC decimal.Decimal, now time.Time) decimal.Decimal {
	if !a.btcPrice.IsPositive() {
		return decimal.Zero
	}
	limits := a.currentLimits()
	alloc := a.allocationPct()
	if alloc.LessThanOrEqual(limits.MinPct) {
		return decimal.Zero
	}
	max := a.maxSellBTC(alloc, limits, a.portfolioValueUSD(), now)
	return decimal.Min(decimal.Min(qtyBTC, max), a.btcBalance)
}

// twapRemainingUSD returns the USD budget remaining in the current rolling
// window, pruning expired rebalance-history entries.
func (a *Arbiter) twapRemainingUSD(totalUSD decimal.Decimal, now time.Time) decimal.Decimal {
	cutoff := now.Add(-a.cfg.RebalanceWindow)
	kept := a.rebalanceHistory[:0]
	used := decimal.Zero
	for _, e := range a.rebalanceHistory {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			used = used.Add(e.usd)
		}
	}
	a.rebalanceHistory = kept

	budget := totalUSD.Mul(a.cfg.MaxRebalancePctPerMin)
	remaining := budget.Sub(used)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// RecordRebalance logs a rebalance for TWAP tracking; call after an order
// is actually placed, not merely considered.
func (a *Arbiter) RecordRebalance(usdAmount decimal.Decimal, now time.Time) {
	a.rebalanceHistory = append(a.rebalanceHistory, rebalanceEvent{at: now, usd: usdAmount.Abs()})
}

func (a *Arbiter) maxBuyBTC(alloc decimal.Decimal, limits Limits, totalUSD decimal.Decimal, now time.Time) decimal.Decimal {
	if !a.btcPrice.IsPositive() || !totalUSD.IsPositive() {
		return decimal.Zero
	}
	headroom := limits.MaxPct.Sub(alloc)
	if !headroom.IsPositive() {
		return decimal.Zero
	}
	effective := decimal.Min(headroom, a.cfg.MaxSingleRebalancePct)
	maxUSD := totalUSD.Mul(effective)

	maxUSD = decimal.Min(maxUSD, a.twapRemainingUSD(totalUSD, now))
	maxUSD = decimal.Min(maxUSD, a.usdBalance)
	if maxUSD.IsNegative() {
		maxUSD = decimal.Zero
	}
	return maxUSD.Div(a.btcPrice)
}

func (a *Arbiter) maxSellBTC(alloc decimal.Decimal, limits Limits, totalUSD decimal.Decimal, now time.Time) decimal.Decimal {
	if !a.btcPrice.IsPositive() || !totalUSD.IsPositive() {
		return decimal.Zero
	}
	excess := alloc.Sub(limits.MinPct)
	if !excess.IsPositive() {
		return decimal.Zero
	}
	effective := decimal.Min(excess, a.cfg.MaxSingleRebalancePct)
	maxUSD := totalUSD.Mul(effective)

	maxUSD = decimal.Min(maxUSD, a.twapRemainingUSD(totalUSD, now))
	if maxUSD.IsNegative() {
		maxUSD = decimal.Zero
	}
	return decimal.Min(maxUSD.Div(a.btcPrice), a.btcBalance)
}
