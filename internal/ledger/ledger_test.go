package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRecordBuyCreatesLot(t *testing.T) {
	L := New()
	lot := L.RecordBuy(BuyTrade{
		VenueOrderID: "o1",
		VenueTradeID: "t1",
		Source:       SourceGrid,
		FilledAt:     time.Now(),
		QtyBTC:       d("0.5"),
		PriceUSD:     d("50000"),
		FeeUSD:       d("10"),
		EurUsdRate:   d("1.1"),
	})
	if lot.Status() != LotOpen {
		t.Fatalf("expected open lot, got %s", lot.Status())
	}
	if !L.TotalBTC().Equal(d("0.5")) {
		t.Fatalf("expected total 0.5, got %s", L.TotalBTC())
	}
}

func TestRecordSellConsumesFIFO(t *testing.T) {
	L := New()
	t0 := time.Now().Add(-2 * 24 * time.Hour)
	t1 := time.Now().Add(-1 * 24 * time.Hour)
	L.RecordBuy(BuyTrade{FilledAt: t0, QtyBTC: d("0.3"), PriceUSD: d("40000"), FeeUSD: d("1"), EurUsdRate: d("1.1")})
	L.RecordBuy(BuyTrade{FilledAt: t1, QtyBTC: d("0.3"), PriceUSD: d("45000"), FeeUSD: d("1"), EurUsdRate: d("1.1")})

	disposals, err := L.RecordSell(SellTrade{
		FilledAt:   time.Now(),
		QtyBTC:     d("0.4"),
		PriceUSD:   d("50000"),
		FeeUSD:     d("2"),
		EurUsdRate: d("1.1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disposals) != 2 {
		t.Fatalf("expected 2 disposals (first lot fully consumed, second partially), got %d", len(disposals))
	}
	if !disposals[0].QtyBTC.Equal(d("0.3")) {
		t.Fatalf("expected first disposal to fully consume oldest lot (0.3), got %s", disposals[0].QtyBTC)
	}
	if !disposals[1].QtyBTC.Equal(d("0.1")) {
		t.Fatalf("expected second disposal to take 0.1 from second lot, got %s", disposals[1].QtyBTC)
	}
	if !L.TotalBTC().Equal(d("0.2")) {
		t.Fatalf("expected 0.2 BTC remaining, got %s", L.TotalBTC())
	}
}

func TestRecordSellInsufficientLots(t *testing.T) {
	L := New()
	L.RecordBuy(BuyTrade{FilledAt: time.Now(), QtyBTC: d("0.1"), PriceUSD: d("50000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	_, err := L.RecordSell(SellTrade{FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("50000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	if err != ErrInsufficientLots {
		t.Fatalf("expected ErrInsufficientLots, got %v", err)
	}
	if !L.TotalBTC().Equal(d("0.1")) {
		t.Fatal("failed sell must not mutate ledger")
	}
}

func TestTaxFreeBTCRespectsHoldingPeriod(t *testing.T) {
	L := New()
	old := time.Now().Add(-400 * 24 * time.Hour)
	recent := time.Now().Add(-10 * 24 * time.Hour)
	L.RecordBuy(BuyTrade{FilledAt: old, QtyBTC: d("0.2"), PriceUSD: d("30000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	L.RecordBuy(BuyTrade{FilledAt: recent, QtyBTC: d("0.3"), PriceUSD: d("40000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})

	if !L.TaxFreeBTC().Equal(d("0.2")) {
		t.Fatalf("expected only the 400-day-old lot tax-free, got %s", L.TaxFreeBTC())
	}
}

func TestDisposalIsTaxableWithinHoldingPeriod(t *testing.T) {
	L := New()
	L.RecordBuy(BuyTrade{FilledAt: time.Now().Add(-30 * 24 * time.Hour), QtyBTC: d("0.1"), PriceUSD: d("40000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	disposals, err := L.RecordSell(SellTrade{FilledAt: time.Now(), QtyBTC: d("0.1"), PriceUSD: d("45000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	if err != nil {
		t.Fatal(err)
	}
	if !disposals[0].IsTaxable {
		t.Fatal("expected disposal within 365-day holding period to be taxable")
	}
}

func TestDisposalNotTaxableAfterHaltefrist(t *testing.T) {
	L := New()
	L.RecordBuy(BuyTrade{FilledAt: time.Now().Add(-400 * 24 * time.Hour), QtyBTC: d("0.1"), PriceUSD: d("20000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	disposals, err := L.RecordSell(SellTrade{FilledAt: time.Now(), QtyBTC: d("0.1"), PriceUSD: d("60000"), FeeUSD: d("0"), EurUsdRate: d("1.1")})
	if err != nil {
		t.Fatal(err)
	}
	if disposals[0].IsTaxable {
		t.Fatal("expected disposal after 365-day holding period to be tax-free")
	}
}

func TestYTDRealizedGainAccumulates(t *testing.T) {
	L := New()
	L.RecordBuy(BuyTrade{FilledAt: time.Now().Add(-10 * 24 * time.Hour), QtyBTC: d("1"), PriceUSD: d("40000"), FeeUSD: d("0"), EurUsdRate: d("1.0")})
	_, err := L.RecordSell(SellTrade{FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("45000"), FeeUSD: d("0"), EurUsdRate: d("1.0")})
	if err != nil {
		t.Fatal(err)
	}
	year := time.Now().Year()
	gain := L.YTDRealizedGainEUR(year)
	if !gain.Equal(d("5000")) {
		t.Fatalf("expected 5000 EUR realized gain, got %s", gain)
	}
}

func TestUnderwaterLots(t *testing.T) {
	L := New()
	L.RecordBuy(BuyTrade{FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("60000"), FeeUSD: d("0"), EurUsdRate: d("1.0")})
	under := L.UnderwaterLots(d("50000"), d("1.0"))
	if len(under) != 1 {
		t.Fatalf("expected 1 underwater lot, got %d", len(under))
	}
	if !under[0].UnrealizedLossEUR.Equal(d("10000")) {
		t.Fatalf("expected 10000 unrealized loss, got %s", under[0].UnrealizedLossEUR)
	}
}

func TestSimulateFIFOSellDoesNotMutate(t *testing.T) {
	L := New()
	L.RecordBuy(BuyTrade{FilledAt: time.Now().Add(-5 * 24 * time.Hour), QtyBTC: d("0.5"), PriceUSD: d("40000"), FeeUSD: d("0"), EurUsdRate: d("1.0")})
	gain, covered := L.SimulateFIFOSell(d("0.5"), d("45000"), d("0"), d("1.0"), time.Now(), nil)
	if !covered.Equal(d("0.5")) {
		t.Fatalf("expected full coverage, got %s", covered)
	}
	if !gain.Equal(d("2500")) {
		t.Fatalf("expected 2500 projected gain, got %s", gain)
	}
	if !L.TotalBTC().Equal(d("0.5")) {
		t.Fatal("simulation must not mutate the ledger")
	}
}
