package ratelimit

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAdmitNeverExceedsHeadroom(t *testing.T) {
	l := New(decimal.NewFromInt(180), decimal.Zero, decimal.NewFromFloat(0.80), DefaultCost)
	headroom := decimal.NewFromInt(180).Mul(decimal.NewFromFloat(0.80))

	for i := 0; i < 1000; i++ {
		l.Admit(DefaultCost.AddOrder)
	}

	if l.Counter().GreaterThan(headroom) {
		t.Fatalf("counter %s exceeded headroom %s", l.Counter(), headroom)
	}
}

func TestCancelIsFree(t *testing.T) {
	l := New(decimal.NewFromInt(180), decimal.Zero, decimal.NewFromFloat(0.80), DefaultCost)
	for i := 0; i < 180; i++ {
		if !l.Admit(DefaultCost.CancelOrder) {
			t.Fatalf("cancel should always admit, failed at %d", i)
		}
	}
	if !l.Counter().IsZero() {
		t.Fatalf("counter should remain zero after only cancels, got %s", l.Counter())
	}
}

func TestReconcileTakesMaximum(t *testing.T) {
	l := New(decimal.NewFromInt(180), decimal.Zero, decimal.NewFromFloat(0.80), DefaultCost)
	l.Admit(decimal.NewFromInt(10))

	l.ReconcileFromServer(decimal.NewFromInt(5))
	if !l.Counter().Equal(decimal.NewFromInt(10)) {
		t.Fatalf("reconcile with lower server value should keep local max, got %s", l.Counter())
	}

	l.ReconcileFromServer(decimal.NewFromInt(50))
	if !l.Counter().Equal(decimal.NewFromInt(50)) {
		t.Fatalf("reconcile with higher server value should adopt it, got %s", l.Counter())
	}
}

func TestAdmitByPriorityOrdersCancelFirst(t *testing.T) {
	l := New(decimal.NewFromInt(1), decimal.Zero, decimal.NewFromFloat(1.0), Cost{
		AddOrder:   decimal.NewFromFloat(2.0),
		AmendOrder: decimal.NewFromFloat(2.0),
	})
	priorities := []Priority{PriorityNew, PriorityCancel}
	admitted := AdmitByPriority(l, priorities)
	if !admitted[1] {
		t.Fatal("cancel should be admitted despite arriving second")
	}
	if admitted[0] {
		t.Fatal("new should be starved: its cost alone exceeds headroom")
	}
}
