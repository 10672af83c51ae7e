package inventory

import (
	"testing"
	"time"

	"github.com/newplayman/market-maker-phoenix/internal/regime"
)

func TestSnapshotAllocationAndCapacity(t *testing.T) {
	a := New(DefaultConfig())
	a.UpdateBalances(d("0.5"), d("25000")) // btc value 25000 at 50000, total 50000 -> alloc 0.5
	a.UpdatePrice(d("50000"))
	a.SetRegime(regime.RangeBound)

	snap := a.Snapshot(time.Now())
	if !snap.BTCAllocationPct.Equal(d("0.5")) {
		t.Fatalf("expected alloc 0.5, got %s", snap.BTCAllocationPct)
	}
	if !snap.CanBuy || !snap.CanSell {
		t.Fatal("range-bound at 0.5 alloc (within [0.40,0.60]) should allow both buy and sell")
	}
}

func TestMaxBuyCappedByAllocationHeadroom(t *testing.T) {
	a := New(DefaultConfig())
	a.UpdateBalances(d("0.58"), d("21000")) // btc value 29000 @ 50000, total 50000, alloc 0.58 near max 0.60
	a.UpdatePrice(d("50000"))
	a.SetRegime(regime.RangeBound)

	allowed := a.CheckBuy(d("10"), time.Now())
	if allowed.IsZero() {
		t.Fatal("expected some buy headroom below max_pct")
	}
	if allowed.GreaterThan(d("10")) {
		t.Fatal("allowed should never exceed requested qty")
	}
}

func TestCheckBuyZeroAtOrAboveMax(t *testing.T) {
	a := New(DefaultConfig())
	a.UpdateBalances(d("0.65"), d("17500")) // alloc = 32500/50000 = 0.65 > max 0.60
	a.UpdatePrice(d("50000"))
	a.SetRegime(regime.RangeBound)

	allowed := a.CheckBuy(d("1"), time.Now())
	if !allowed.IsZero() {
		t.Fatalf("expected zero buy capacity above max allocation, got %s", allowed)
	}
}

func TestTWAPCapLimitsRebalanceAcrossCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSingleRebalancePct = d("1.0") // disable the single-tick cap to isolate TWAP
	a := New(cfg)
	a.UpdateBalances(d("0"), d("100000"))
	a.UpdatePrice(d("50000"))
	a.SetRegime(regime.TrendingUp) // target 0.70, max 0.80 -> large headroom

	now := time.Now()
	first := a.CheckBuy(d("100"), now)
	if first.IsZero() {
		t.Fatal("expected nonzero first buy capacity")
	}
	a.RecordRebalance(first.Mul(d("50000")), now)

	second := a.CheckBuy(d("100"), now.Add(time.Second))
	if !second.IsZero() {
		t.Fatalf("expected TWAP budget exhausted immediately after consuming it, got %s", second)
	}

	later := a.CheckBuy(d("100"), now.Add(61*time.Second))
	if later.IsZero() {
		t.Fatal("expected TWAP budget to replenish after the rolling window elapses")
	}
}

func TestChaosRegimeForcesNearZeroTarget(t *testing.T) {
	a := New(DefaultConfig())
	a.UpdateBalances(d("0.5"), d("25000"))
	a.UpdatePrice(d("50000"))
	a.SetRegime(regime.Chaos)

	snap := a.Snapshot(time.Now())
	if snap.CanBuy {
		t.Fatal("expected no buy capacity in chaos regime once already at 0.5 alloc (max is 0.05)")
	}
}
