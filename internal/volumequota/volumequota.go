// Package volumequota defends against a fee-tier death spiral: if widening
// spreads (e.g. from markout-driven adverse-selection recalibration) drops
// 30-day volume below the current fee tier's threshold, maker fees rise,
// forcing even wider spreads. Grounded on fee/volume_quota.py, wired as an
// override on internal/feemodel's spacing floor that can only ever
// tighten, never widen, and never cross below the round-trip-cost-plus-
// minimum-edge EV floor.
package volumequota

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/feemodel"
)

// DefenseZonePct is how close to the tier boundary (as a fraction of the
// threshold) before the quota activates.
const DefenseZonePct = 0.20

// DefenseRampDays spreads the volume deficit over this many days instead of
// panicking near the end of the 30-day rolling window.
const DefenseRampDays = 15

// DefaultDefenseSpacingMult is the floor on the spacing multiplier: in
// tier-defense mode spacing may tighten to as little as 80% of normal,
// tolerating some lost edge per trade to generate volume.
var DefaultDefenseSpacingMult = decimal.NewFromFloat(0.80)

// MinEdgeBpsFloor is the absolute minimum expected edge the quota may never
// push spacing below, regardless of how close the tier boundary is.
var MinEdgeBpsFloor = decimal.NewFromFloat(0.5)

// Status is one assessment of tier stability and its spacing override.
type Status struct {
	TierAtRisk           bool
	CurrentVolumeUSD     int64
	VolumeSurplusUSD     int64
	TierThresholdUSD     int64
	DefenseZoneUSD       int64
	SpacingOverrideMult  decimal.Decimal
	DailyVolumeTargetUSD int64
	EVFloorActive        bool
}

type fillRecord struct {
	at          time.Time
	notionalUSD decimal.Decimal
}

// Quota monitors fee-tier stability against a Model and computes a spacing
// multiplier the strategy loop may apply to its minimum spacing floor.
type Quota struct {
	mu sync.Mutex

	fee                *feemodel.Model
	defenseZonePct     float64
	defenseSpacingMult decimal.Decimal

	dailyFills []fillRecord
}

// New constructs a Quota bound to fee.
func New(fee *feemodel.Model) *Quota {
	return &Quota{
		fee:                fee,
		defenseZonePct:     DefenseZonePct,
		defenseSpacingMult: DefaultDefenseSpacingMult,
	}
}

// RecordFillVolume records a fill's notional for the daily-pacing diagnostic.
func (q *Quota) RecordFillVolume(notionalUSD decimal.Decimal, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dailyFills = append(q.dailyFills, fillRecord{at: now, notionalUSD: notionalUSD.Abs()})
	cutoff := now.Add(-24 * time.Hour)
	kept := q.dailyFills[:0]
	for _, f := range q.dailyFills {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	q.dailyFills = kept
}

// DailyVolumeUSD returns total recorded fill volume in the trailing 24h.
func (q *Quota) DailyVolumeUSD(now time.Time) decimal.Decimal {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-24 * time.Hour)
	total := decimal.Zero
	for _, f := range q.dailyFills {
		if f.at.After(cutoff) {
			total = total.Add(f.notionalUSD)
		}
	}
	return total
}

// MinAllowedSpacingBps is the hard floor the quota may never breach: the
// round-trip cost plus MinEdgeBpsFloor. Going below this produces
// negative-EV trades, defeating the point of maintaining the tier.
func (q *Quota) MinAllowedSpacingBps(makerBothSides bool) decimal.Decimal {
	return q.fee.RTCostBps(makerBothSides).Add(MinEdgeBpsFloor)
}

// Assess evaluates tier stability against the bound FeeModel's current
// rolling volume and tier, returning the spacing override the strategy
// loop should apply. When TierAtRisk is false, SpacingOverrideMult is 1
// (no override).
func (q *Quota) Assess(makerBothSides bool) Status {
	volume := q.fee.Volume30dUSD()
	tier := q.fee.CurrentTier()
	threshold := tier.MinVolumeUSD

	surplus := volume - threshold

	if threshold == 0 {
		// Bottom tier: nothing to defend.
		return Status{
			CurrentVolumeUSD:    volume,
			VolumeSurplusUSD:    surplus,
			TierThresholdUSD:    threshold,
			SpacingOverrideMult: decimal.NewFromInt(1),
		}
	}

	defenseZone := int64(float64(threshold) * q.defenseZonePct)
	tierAtRisk := surplus < defenseZone

	var dailyTarget int64
	if tierAtRisk {
		deficit := defenseZone - surplus
		if deficit < 0 {
			deficit = 0
		}
		dailyTarget = deficit / DefenseRampDays
	}

	mult := decimal.NewFromInt(1)
	evFloorActive := false
	if tierAtRisk {
		if defenseZone > 0 {
			clampedSurplus := surplus
			if clampedSurplus < 0 {
				clampedSurplus = 0
			}
			// depth: 0 at the zone boundary, 1 once surplus hits 0.
			depth := 1.0 - float64(clampedSurplus)/float64(defenseZone)
			reduction := decimal.NewFromInt(1).Sub(q.defenseSpacingMult).Mul(decimal.NewFromFloat(depth))
			mult = decimal.NewFromInt(1).Sub(reduction)
			if mult.LessThan(q.defenseSpacingMult) {
				mult = q.defenseSpacingMult
			}
		} else {
			mult = q.defenseSpacingMult
		}

		minSpacing := q.MinAllowedSpacingBps(makerBothSides)
		optimal := q.fee.MinProfitableSpacingBps(makerBothSides)
		if optimal.IsPositive() && optimal.Mul(mult).LessThan(minSpacing) {
			mult = minSpacing.Div(optimal)
			evFloorActive = true
		}
	}

	return Status{
		TierAtRisk:           tierAtRisk,
		CurrentVolumeUSD:     volume,
		VolumeSurplusUSD:     surplus,
		TierThresholdUSD:     threshold,
		DefenseZoneUSD:       defenseZone,
		SpacingOverrideMult:  mult,
		DailyVolumeTargetUSD: dailyTarget,
		EVFloorActive:        evFloorActive,
	}
}
