// Package feemodel maps 30-day trade volume to a venue fee tier and answers
// "is this grid spacing worth trading" for every other component that needs
// a profitability gate before emitting an order.
package feemodel

import (
	"github.com/shopspring/decimal"
)

// Tier is a single fee bracket keyed by minimum 30-day USD volume.
type Tier struct {
	MinVolumeUSD int64
	MakerBps     decimal.Decimal
	TakerBps     decimal.Decimal
}

// DefaultTiers is the fee schedule from spec.md §6.
var DefaultTiers = []Tier{
	{0, decimal.NewFromInt(25), decimal.NewFromInt(40)},
	{10_000, decimal.NewFromInt(20), decimal.NewFromInt(35)},
	{50_000, decimal.NewFromInt(14), decimal.NewFromInt(24)},
	{100_000, decimal.NewFromInt(12), decimal.NewFromInt(20)},
	{250_000, decimal.NewFromInt(8), decimal.NewFromInt(18)},
	{500_000, decimal.NewFromInt(6), decimal.NewFromInt(16)},
	{1_000_000, decimal.NewFromInt(4), decimal.NewFromInt(14)},
	{5_000_000, decimal.NewFromInt(2), decimal.NewFromInt(12)},
	{10_000_000, decimal.NewFromInt(0), decimal.NewFromInt(10)},
}

// Model is the tier-aware fee calculator. Zero value is not usable; use New.
type Model struct {
	tiers        []Tier
	volume30dUSD int64
	current      Tier

	AdverseSelectionBps decimal.Decimal
	MinEdgeBps          decimal.Decimal
}

// New builds a Model seeded at the tier for volume30dUSD. Default tiers are
// used when tiers is nil.
func New(tiers []Tier, volume30dUSD int64) *Model {
	if tiers == nil {
		tiers = DefaultTiers
	}
	m := &Model{
		tiers:               tiers,
		volume30dUSD:        volume30dUSD,
		AdverseSelectionBps: decimal.NewFromInt(10),
		MinEdgeBps:          decimal.NewFromInt(5),
	}
	m.current = m.resolveTier(volume30dUSD)
	return m
}

// UpdateVolume replaces the rolling 30-day volume and re-resolves the tier.
func (m *Model) UpdateVolume(volume30dUSD int64) {
	m.volume30dUSD = volume30dUSD
	m.current = m.resolveTier(volume30dUSD)
}

// CurrentTier returns the active tier.
func (m *Model) CurrentTier() Tier {
	return m.current
}

// Volume30dUSD returns the rolling 30-day volume the current tier was
// resolved from.
func (m *Model) Volume30dUSD() int64 {
	return m.volume30dUSD
}

// MakerFeeBps returns the current maker fee, floored at zero.
func (m *Model) MakerFeeBps() decimal.Decimal {
	return decimal.Max(decimal.Zero, m.current.MakerBps)
}

// TakerFeeBps returns the current taker fee, floored at zero.
func (m *Model) TakerFeeBps() decimal.Decimal {
	return decimal.Max(decimal.Zero, m.current.TakerBps)
}

// RTCostBps is the round-trip cost in bps; defaults to maker-both-sides.
func (m *Model) RTCostBps(makerBothSides bool) decimal.Decimal {
	maker := m.MakerFeeBps()
	if makerBothSides {
		return maker.Mul(decimal.NewFromInt(2))
	}
	return maker.Add(m.TakerFeeBps())
}

// MinProfitableSpacingBps is the narrowest grid spacing that still clears
// fees plus adverse selection plus the configured minimum edge.
func (m *Model) MinProfitableSpacingBps(makerBothSides bool) decimal.Decimal {
	result := m.RTCostBps(makerBothSides).Add(m.AdverseSelectionBps).Add(m.MinEdgeBps)
	return decimal.Max(decimal.NewFromInt(1), result)
}

// ExpectedNetEdgeBps is the gate function: positive means the round trip is
// worth trading at this spacing.
func (m *Model) ExpectedNetEdgeBps(gridSpacingBps decimal.Decimal, makerBothSides bool) decimal.Decimal {
	return gridSpacingBps.Sub(m.RTCostBps(makerBothSides)).Sub(m.AdverseSelectionBps)
}

// FeeForNotional returns the absolute fee in USD for a given notional.
func (m *Model) FeeForNotional(notionalUSD decimal.Decimal, isMaker bool) decimal.Decimal {
	rate := m.TakerFeeBps()
	if isMaker {
		rate = m.MakerFeeBps()
	}
	return notionalUSD.Mul(rate).Div(decimal.NewFromInt(10000))
}

// WouldCrossSpread reports whether a limit order at price would trade
// immediately as a taker given the current top of book.
func WouldCrossSpread(price decimal.Decimal, isBuy bool, bestBid, bestAsk decimal.Decimal) bool {
	if isBuy {
		return price.GreaterThanOrEqual(bestAsk)
	}
	return price.LessThanOrEqual(bestBid)
}

// TakerPenaltyBps is the extra cost incurred if an order unexpectedly
// executes as taker instead of maker.
func (m *Model) TakerPenaltyBps() decimal.Decimal {
	return decimal.Max(decimal.Zero, m.current.TakerBps.Sub(m.current.MakerBps))
}

// VolumeToNextTier returns the USD volume still needed to reach the next
// tier, or nil at the top tier.
func (m *Model) VolumeToNextTier() *int64 {
	for _, t := range m.tiers {
		if t.MinVolumeUSD > m.volume30dUSD {
			need := t.MinVolumeUSD - m.volume30dUSD
			return &need
		}
	}
	return nil
}

func (m *Model) resolveTier(volumeUSD int64) Tier {
	resolved := m.tiers[0]
	for _, t := range m.tiers {
		if volumeUSD >= t.MinVolumeUSD {
			resolved = t
		}
	}
	return resolved
}
