package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRoundTickDownUp(t *testing.T) {
	tick := dec("0.1")

	cases := []struct {
		price string
		down  string
		up    string
	}{
		{"50000.37", "50000.3", "50000.4"},
		{"50000.30", "50000.3", "50000.3"},
		{"49999.99", "49999.9", "50000.0"},
	}

	for _, c := range cases {
		p := dec(c.price)
		if got := RoundTickDown(p, tick); !got.Equal(dec(c.down)) {
			t.Errorf("RoundTickDown(%s) = %s, want %s", c.price, got, c.down)
		}
		if got := RoundTickUp(p, tick); !got.Equal(dec(c.up)) {
			t.Errorf("RoundTickUp(%s) = %s, want %s", c.price, got, c.up)
		}
	}
}

func TestRoundLotDown(t *testing.T) {
	lot := dec("0.0001")
	got := RoundLotDown(dec("0.00019999"), lot)
	if !got.Equal(dec("0.0001")) {
		t.Errorf("RoundLotDown = %s, want 0.0001", got)
	}
}

func TestClamp(t *testing.T) {
	lo, hi := dec("-30"), dec("30")
	if got := Clamp(dec("45"), lo, hi); !got.Equal(hi) {
		t.Errorf("Clamp(45) = %s, want %s", got, hi)
	}
	if got := Clamp(dec("-45"), lo, hi); !got.Equal(lo) {
		t.Errorf("Clamp(-45) = %s, want %s", got, lo)
	}
	if got := Clamp(dec("10"), lo, hi); !got.Equal(dec("10")) {
		t.Errorf("Clamp(10) = %s, want 10", got)
	}
}

func TestBpsToFraction(t *testing.T) {
	if got := BpsToFraction(dec("25")); !got.Equal(dec("0.0025")) {
		t.Errorf("BpsToFraction(25) = %s, want 0.0025", got)
	}
}
