package tax

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/ledger"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestProfitableRoundTrip(t *testing.T) {
	L := ledger.New()
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now(), QtyBTC: d("0.01"), PriceUSD: d("50000"),
		FeeUSD: d("0.50"), EurUsdRate: d("1.10"),
	})
	disposals, err := L.RecordSell(ledger.SellTrade{
		FilledAt: time.Now(), QtyBTC: d("0.01"), PriceUSD: d("50500"),
		FeeUSD: d("0.505"), EurUsdRate: d("1.10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !disposals[0].IsTaxable {
		t.Fatal("expected taxable disposal (held 0 days)")
	}
	if disposals[0].GainLossEUR.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("expected positive gain, got %s", disposals[0].GainLossEUR)
	}
}

func TestHaltefristUnlockAllows(t *testing.T) {
	L := ledger.New()
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-366 * 24 * time.Hour),
		QtyBTC: d("0.02"), PriceUSD: d("30000"), FeeUSD: d("0"), EurUsdRate: d("1.10"),
	})
	agent := New(DefaultConfig(), L)
	eval := agent.EvaluateSell(d("0.02"), decimal.Zero, d("30000"), decimal.Zero, d("1.10"), time.Now(), time.Now().Year())
	if eval.Decision != Allow {
		t.Fatalf("expected ALLOW for fully tax-free lot, got %s", eval.Decision)
	}
	if eval.WillBeTaxable {
		t.Fatal("expected non-taxable disposal")
	}
}

func TestFreigrenzePartialAllow(t *testing.T) {
	L := ledger.New()
	// Seed YTD realized gain of 950 EUR via a separate, already-closed lot.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-20 * 24 * time.Hour),
		QtyBTC: d("1"), PriceUSD: d("10000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	if _, err := L.RecordSell(ledger.SellTrade{
		FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("10950"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	}); err != nil {
		t.Fatal(err)
	}

	// Fresh taxable lot: selling the full 1 BTC would realize 100 EUR,
	// but only 50 EUR of exemption room remains (1000 - 950).
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-10 * 24 * time.Hour),
		QtyBTC: d("1"), PriceUSD: d("10000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})

	agent := New(DefaultConfig(), L)
	year := time.Now().Year()
	if !L.YTDRealizedGainEUR(year).Equal(d("950")) {
		t.Fatalf("setup check: expected YTD 950, got %s", L.YTDRealizedGainEUR(year))
	}

	eval := agent.EvaluateSell(d("1"), decimal.Zero, d("10100"), decimal.Zero, d("1.0"), time.Now(), year)
	if eval.Decision != AllowPartial {
		t.Fatalf("expected ALLOW_PARTIAL, got %s (allowed=%s)", eval.Decision, eval.AllowedQty)
	}
	if !eval.AllowedQty.Sub(d("0.5")).Abs().LessThan(d("0.0001")) {
		t.Fatalf("expected allowed qty near 0.5 BTC (50 EUR room / 100 EUR per BTC), got %s", eval.AllowedQty)
	}
}

func TestRemainderAfterTaxFreeDrawsFromTaxableLotNotTaxFreeAgain(t *testing.T) {
	L := ledger.New()
	// Seed YTD realized gain of 999 EUR, leaving only 1 EUR of Freigrenze room.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-20 * 24 * time.Hour),
		QtyBTC: d("1"), PriceUSD: d("10000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	if _, err := L.RecordSell(ledger.SellTrade{
		FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("10999"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	}); err != nil {
		t.Fatal(err)
	}

	// Lot A: 0.01 BTC, well past the holding period (tax-free), bought at
	// the same price the hypothetical sell below uses, so re-drawing from
	// it (the bug) contributes zero gain.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-400 * 24 * time.Hour),
		QtyBTC: d("0.01"), PriceUSD: d("11000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	// Lot B: 0.02 BTC, bought recently at cost basis 0, so drawing from it
	// (the fix) contributes a large, very much non-zero gain.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-10 * 24 * time.Hour),
		QtyBTC: d("0.02"), PriceUSD: d("0"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})

	agent := New(DefaultConfig(), L)
	year := time.Now().Year()
	if !L.YTDRealizedGainEUR(year).Equal(d("999")) {
		t.Fatalf("setup check: expected YTD 999, got %s", L.YTDRealizedGainEUR(year))
	}

	// Sell 0.015 BTC at 11000: 0.01 comes from tax-free lot A, leaving a
	// 0.005 remainder that must be drawn from taxable lot B (~55 EUR gain,
	// blowing through the 1 EUR of exemption room left), not re-drawn from
	// lot A (which would show a spurious 0 EUR gain and wrongly ALLOW).
	eval := agent.EvaluateSell(d("0.015"), decimal.Zero, d("11000"), decimal.Zero, d("1.0"), time.Now(), year)
	if eval.Decision == Allow {
		t.Fatalf("expected the taxable remainder to be drawn from lot B and blow through the Freigrenze (ALLOW_PARTIAL or VETO), got ALLOW")
	}
	if !eval.WillBeTaxable {
		t.Fatal("expected remainder to be taxable (drawn from lot B)")
	}
}

func TestNearThresholdExclusionForcesVeto(t *testing.T) {
	L := ledger.New()
	// Lot aged 340 days: inside [330,365) near-threshold window, excluded
	// from the taxable pool a sell may draw on, and not yet tax-free.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-340 * 24 * time.Hour),
		QtyBTC: d("0.5"), PriceUSD: d("20000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	agent := New(DefaultConfig(), L)
	eval := agent.EvaluateSell(d("0.5"), decimal.Zero, d("25000"), decimal.Zero, d("1.0"), time.Now(), time.Now().Year())
	if eval.Decision != Veto {
		t.Fatalf("expected VETO when only near-threshold-protected lots are available, got %s", eval.Decision)
	}
}

func TestNearThresholdWindowExcludesOnlyLast35Days(t *testing.T) {
	L := ledger.New()
	// Lot aged 100 days: outside the near-threshold window [330,365), still
	// part of the taxable pool a sell may draw on, and well within the
	// exemption, so the sell should be allowed rather than vetoed.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-100 * 24 * time.Hour),
		QtyBTC: d("0.5"), PriceUSD: d("20000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	agent := New(DefaultConfig(), L)
	eval := agent.EvaluateSell(d("0.5"), decimal.Zero, d("20100"), decimal.Zero, d("1.0"), time.Now(), time.Now().Year())
	if eval.Decision == Veto {
		t.Fatalf("expected a 100-day-old lot to be sellable (outside near-threshold window), got VETO")
	}
}

func TestEmergencyOverrideAllowsAll(t *testing.T) {
	L := ledger.New()
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("50000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	agent := New(DefaultConfig(), L)
	eval := agent.EvaluateSell(d("1"), d("0.21"), d("50000"), decimal.Zero, d("1.0"), time.Now(), time.Now().Year())
	if eval.Decision != AllowAll {
		t.Fatalf("expected ALLOW_ALL at dd=0.21, got %s", eval.Decision)
	}
	if !eval.WillBeTaxable {
		t.Fatal("expected emergency disposal to be marked taxable")
	}
}

func TestSellableRatioMapping(t *testing.T) {
	L := ledger.New()
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-400 * 24 * time.Hour),
		QtyBTC: d("0.9"), PriceUSD: d("30000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now(),
		QtyBTC: d("0.1"), PriceUSD: d("50000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	agent := New(DefaultConfig(), L)
	ratio := agent.SellableRatio()
	if !ratio.Equal(d("0.9")) {
		t.Fatalf("expected sellable ratio 0.9, got %s", ratio)
	}
	if !agent.RecommendedSellLevelFraction().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected full sell levels at ratio>=0.8, got %s", agent.RecommendedSellLevelFraction())
	}
}

func TestWashSaleCooldownBlocksBuys(t *testing.T) {
	L := ledger.New()
	agent := New(DefaultConfig(), L)
	now := time.Now()
	if agent.IsBuyBlockedByWashSale(now) {
		t.Fatal("expected no cooldown before any harvest")
	}
	agent.RecordHarvest(now)
	if !agent.IsBuyBlockedByWashSale(now.Add(time.Hour)) {
		t.Fatal("expected buys blocked shortly after a harvest")
	}
	if agent.IsBuyBlockedByWashSale(now.Add(31 * 24 * time.Hour)) {
		t.Fatal("expected cooldown to have expired after 31 days")
	}
}

func TestRecommendHarvestSkipsNearThresholdAndRespectsMinLoss(t *testing.T) {
	L := ledger.New()
	// Deep underwater but near-threshold: must be skipped.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-340 * 24 * time.Hour),
		QtyBTC: d("1"), PriceUSD: d("80000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	// Shallow loss below MinLossEUR: must be skipped.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-5 * 24 * time.Hour),
		QtyBTC: d("0.01"), PriceUSD: d("50010"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	// Eligible: fresh, deep loss.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-5 * 24 * time.Hour),
		QtyBTC: d("1"), PriceUSD: d("60000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})

	// Seed a positive YTD gain so recommend_harvest is active at all. The
	// seed lot is the oldest (still taxable), so FIFO sells it first.
	L.RecordBuy(ledger.BuyTrade{
		FilledAt: time.Now().Add(-350 * 24 * time.Hour),
		QtyBTC: d("1"), PriceUSD: d("10000"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	})
	if _, err := L.RecordSell(ledger.SellTrade{
		FilledAt: time.Now(), QtyBTC: d("1"), PriceUSD: d("10500"), FeeUSD: d("0"), EurUsdRate: d("1.0"),
	}); err != nil {
		t.Fatal(err)
	}

	agent := New(DefaultConfig(), L)
	recs := agent.RecommendHarvest(d("50000"), d("1.0"), time.Now(), time.Now().Year())
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 eligible harvest recommendation, got %d", len(recs))
	}
	if !recs[0].Lot.PurchasePriceUSD.Equal(d("60000")) {
		t.Fatalf("expected the deep-loss fresh lot to be recommended, got price %s", recs[0].Lot.PurchasePriceUSD)
	}
}
