package spacing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/feemodel"
)

func TestSpacingFloorsAtFeeModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBps = decimal.NewFromInt(1)
	s := New(cfg)
	fees := feemodel.New(nil, 0) // 25/40 tier -> min profitable ~65bps

	var result decimal.Decimal
	var ok bool
	mid := decimal.NewFromInt(50000)
	for i := 0; i < 25; i++ {
		result, ok = s.Update(mid, mid, mid, fees)
	}
	if !ok {
		t.Fatal("expected spacing to be ready after warmup")
	}
	floor := fees.MinProfitableSpacingBps(true)
	if result.LessThan(floor) {
		t.Fatalf("spacing %s must not be below fee floor %s", result, floor)
	}
}

func TestSpacingWidensWithVolatility(t *testing.T) {
	s := New(DefaultConfig())
	mid := decimal.NewFromInt(50000)
	for i := 0; i < 25; i++ {
		s.Update(mid, mid, mid, nil)
	}
	flatSpacing, _ := s.Update(mid, mid, mid, nil)

	s2 := New(DefaultConfig())
	price := decimal.NewFromInt(50000)
	for i := 0; i < 25; i++ {
		if i%2 == 0 {
			price = price.Mul(decimal.NewFromFloat(1.01))
		} else {
			price = price.Mul(decimal.NewFromFloat(0.99))
		}
		s2.Update(price, price, price, nil)
	}
	volatileSpacing, _ := s2.Update(price, price, price, nil)

	if !volatileSpacing.GreaterThan(flatSpacing) {
		t.Fatalf("expected volatile spacing (%s) > flat spacing (%s)", volatileSpacing, flatSpacing)
	}
}
