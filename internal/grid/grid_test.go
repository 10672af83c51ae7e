package grid

import (
	"testing"

	"github.com/shopspring/decimal"
)

func baseParams() Params {
	return Params{
		CenterPrice:    decimal.NewFromInt(50000),
		LevelsBuy:      3,
		LevelsSell:     3,
		BuySpacingBps:  decimal.NewFromInt(20),
		SellSpacingBps: decimal.NewFromInt(20),
		OrderSizeUSD:   decimal.NewFromInt(100),
		OrderSizeScale: decimal.NewFromInt(1),
		Tick:           decimal.NewFromFloat(0.1),
		LotStep:        decimal.NewFromFloat(0.0001),
		VenueMinBTC:    decimal.NewFromFloat(0.0001),
	}
}

func TestMonotonicLadders(t *testing.T) {
	e := New()
	levels, ok := e.Compute(baseParams())
	if !ok {
		t.Fatal("expected valid grid")
	}
	var buys, sells []decimal.Decimal
	for _, lv := range levels {
		if lv.Side == Buy {
			buys = append(buys, lv.Price)
		} else {
			sells = append(sells, lv.Price)
		}
	}
	for i := 1; i < len(buys); i++ {
		if !buys[i].LessThan(buys[i-1]) {
			t.Fatalf("buy prices not strictly decreasing: %v", buys)
		}
	}
	for i := 1; i < len(sells); i++ {
		if !sells[i].GreaterThan(sells[i-1]) {
			t.Fatalf("sell prices not strictly increasing: %v", sells)
		}
	}
	if len(buys) > 0 && len(sells) > 0 && !sells[0].GreaterThan(buys[0]) {
		t.Fatalf("sell[0] must be > buy[0]: sell=%s buy=%s", sells[0], buys[0])
	}
}

func TestBuyRoundedDownSellRoundedUp(t *testing.T) {
	e := New()
	p := baseParams()
	p.LevelsBuy = 1
	p.LevelsSell = 1
	p.BuySpacingBps = decimal.RequireFromString("7.33") // raw 49963.35 / 50036.65, not tick-aligned
	p.SellSpacingBps = decimal.RequireFromString("7.33")
	levels, ok := e.Compute(p)
	if !ok {
		t.Fatal("expected valid grid")
	}
	for _, lv := range levels {
		rem := lv.Price.Mod(p.Tick)
		if !rem.IsZero() && rem.Abs().GreaterThan(decimal.NewFromFloat(1e-9)) {
			t.Fatalf("price %s not tick-aligned", lv.Price)
		}
		if lv.Side == Buy && !lv.Price.Equal(decimal.RequireFromString("49963.3")) {
			t.Fatalf("expected buy rounded down to 49963.3, got %s", lv.Price)
		}
		if lv.Side == Sell && !lv.Price.Equal(decimal.RequireFromString("50036.7")) {
			t.Fatalf("expected sell rounded up to 50036.7, got %s", lv.Price)
		}
	}
}

func TestCrossedLadderReturnsEmpty(t *testing.T) {
	e := New()
	p := baseParams()
	p.BuySpacingBps = decimal.NewFromInt(-500) // force buy above center, crossing sells
	levels, ok := e.Compute(p)
	if ok {
		t.Fatalf("expected crossed ladder to be rejected, got %d levels", len(levels))
	}
}

func TestQtyRejectedBelowVenueMinimum(t *testing.T) {
	e := New()
	p := baseParams()
	p.OrderSizeUSD = decimal.NewFromFloat(0.01) // too small to clear venue minimum at any price
	levels, _ := e.Compute(p)
	if len(levels) != 0 {
		t.Fatalf("expected no levels below venue minimum, got %d", len(levels))
	}
}

func TestDeactivateSellLevels(t *testing.T) {
	e := New()
	levels, _ := e.Compute(baseParams())
	out := DeactivateSellLevels(levels, 0)
	for _, lv := range out {
		if lv.Side == Sell {
			t.Fatal("expected all sell levels dropped when keep=0")
		}
	}
}
