package volumequota

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/feemodel"
)

func TestAssessBottomTierNeverAtRisk(t *testing.T) {
	fee := feemodel.New(nil, 5_000) // bottom tier, threshold 0
	q := New(fee)
	status := q.Assess(true)
	if status.TierAtRisk {
		t.Fatal("bottom tier has nothing to defend, expected TierAtRisk=false")
	}
	if !status.SpacingOverrideMult.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected no spacing override at bottom tier, got %s", status.SpacingOverrideMult)
	}
}

func TestAssessWellAboveThresholdNotAtRisk(t *testing.T) {
	// 50k tier threshold; 90k volume is comfortably outside the 20% defense
	// zone (defense zone = 10k, so risk triggers under 60k).
	fee := feemodel.New(nil, 90_000)
	q := New(fee)
	status := q.Assess(true)
	if status.TierAtRisk {
		t.Fatalf("expected not at risk with volume well above tier threshold, got status=%+v", status)
	}
}

func TestAssessNearThresholdTightensSpacing(t *testing.T) {
	// 50k tier threshold; 52k volume is inside the 10k defense zone.
	fee := feemodel.New(nil, 52_000)
	q := New(fee)
	status := q.Assess(true)
	if !status.TierAtRisk {
		t.Fatalf("expected tier at risk near the boundary, got status=%+v", status)
	}
	if status.SpacingOverrideMult.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		t.Fatalf("expected spacing override to tighten (< 1), got %s", status.SpacingOverrideMult)
	}
	if status.SpacingOverrideMult.LessThan(DefaultDefenseSpacingMult) {
		t.Fatalf("expected spacing override to never drop below the configured floor of %s, got %s", DefaultDefenseSpacingMult, status.SpacingOverrideMult)
	}
}

func TestMinAllowedSpacingBpsNeverBreached(t *testing.T) {
	// At the boundary exactly (surplus = 0), the multiplier bottoms out at
	// DefaultDefenseSpacingMult; assert the EV floor still isn't crossed.
	fee := feemodel.New(nil, 50_000)
	q := New(fee)
	status := q.Assess(true)
	minSpacing := q.MinAllowedSpacingBps(true)
	optimal := fee.MinProfitableSpacingBps(true)
	effective := optimal.Mul(status.SpacingOverrideMult)
	if effective.LessThan(minSpacing) {
		t.Fatalf("effective spacing %s must never fall below the EV floor %s", effective, minSpacing)
	}
}

func TestDailyVolumeUSDPrunesOldFills(t *testing.T) {
	fee := feemodel.New(nil, 0)
	q := New(fee)
	now := time.Now()
	q.RecordFillVolume(decimal.NewFromInt(100), now.Add(-25*time.Hour))
	q.RecordFillVolume(decimal.NewFromInt(50), now.Add(-1*time.Hour))

	total := q.DailyVolumeUSD(now)
	if !total.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected only the within-24h fill to count, got %s", total)
	}
}
