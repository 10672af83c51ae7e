// Package tax implements the sell-gating TaxAgent: Freigrenze enforcement,
// near-threshold protection, sellable-ratio level scaling, and the
// loss-harvest recommender, per spec.md §4.9. Grounded on
// tax/tax_agent.py, with evaluate_sell's priority order taken literally
// from spec.md (the Python reference orders its checks slightly
// differently).
package tax

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/ledger"
)

// Decision is evaluate_sell's verdict.
type Decision string

const (
	Allow        Decision = "ALLOW"
	AllowAll     Decision = "ALLOW_ALL"
	AllowPartial Decision = "ALLOW_PARTIAL"
	Veto         Decision = "VETO"
)

// Evaluation is the full result of evaluate_sell, including the allowed
// quantity for ALLOW_PARTIAL.
type Evaluation struct {
	Decision    Decision
	AllowedQty  decimal.Decimal
	Reason      string
	WillBeTaxable bool
}

// HarvestConfig configures the optional loss-harvest recommender.
type HarvestConfig struct {
	Enabled      bool
	MinLossEUR   decimal.Decimal
	MaxPerDay    int
	TargetNetEUR decimal.Decimal
}

// Config holds TaxAgent's tunables; defaults per spec.md §4.9.
type Config struct {
	HoldingPeriod         time.Duration
	NearThresholdDuration time.Duration
	AnnualExemptionEUR    decimal.Decimal
	EmergencyDDOverride   decimal.Decimal

	WashSaleCooldown time.Duration

	Harvest HarvestConfig
}

// DefaultConfig matches spec.md's literal numbers.
func DefaultConfig() Config {
	return Config{
		HoldingPeriod:         365 * 24 * time.Hour,
		NearThresholdDuration: 330 * 24 * time.Hour,
		AnnualExemptionEUR:    decimal.NewFromInt(1000),
		EmergencyDDOverride:   decimal.NewFromFloat(0.20),
		WashSaleCooldown:      30 * 24 * time.Hour,
		Harvest: HarvestConfig{
			Enabled:      true,
			MinLossEUR:   decimal.NewFromInt(50),
			MaxPerDay:    3,
			TargetNetEUR: decimal.Zero,
		},
	}
}

// HarvestRecommendation names a lot worth realizing a loss on.
type HarvestRecommendation struct {
	Lot             *ledger.TaxLot
	UnrealizedLossEUR decimal.Decimal
}

// Agent gates sells against FIFO tax consequences. It holds only a
// read-only handle to the Ledger; the Ledger exclusively owns lots and
// disposals, per spec.md §3's ownership rule.
type Agent struct {
	cfg    Config
	ledger *ledger.Ledger

	buyCooldownUntil time.Time
}

// New constructs an Agent bound to L.
func New(cfg Config, L *ledger.Ledger) *Agent {
	return &Agent{cfg: cfg, ledger: L}
}

// EvaluateSell implements spec.md §4.9's exact 7-step priority order.
// priceUSD/feeUSD/eurUsdRate describe the hypothetical sell trade whose
// tax consequences are being evaluated before it is dispatched.
func (a *Agent) EvaluateSell(qty, currentDDPct, priceUSD, feeUSD, eurUsdRate decimal.Decimal, now time.Time, year int) Evaluation {
	// Step 1: emergency override.
	if currentDDPct.GreaterThanOrEqual(a.cfg.EmergencyDDOverride) {
		return Evaluation{Decision: AllowAll, Reason: "emergency_dd_override", WillBeTaxable: true}
	}

	open := a.ledger.OpenLots()

	// Step 2: tax-free quantity (already past holding period).
	taxFreeQty := decimal.Zero
	for _, lot := range open {
		if now.Sub(lot.PurchasedAt) >= a.cfg.HoldingPeriod {
			taxFreeQty = taxFreeQty.Add(lot.RemainingQtyBTC)
		}
	}

	// Step 3: tax-free quantity alone covers the sell.
	if taxFreeQty.GreaterThanOrEqual(qty) {
		return Evaluation{Decision: Allow, AllowedQty: qty, Reason: "covered_by_tax_free_lots", WillBeTaxable: false}
	}

	// Step 4: near-threshold protected lots, and the already-tax-free lots
	// taxFreeQty was drawn from, are excluded from the taxable pool a sell
	// may draw on. SimulateFIFOSell always starts from the oldest lot, and
	// tax-free lots are necessarily the oldest (age is monotonic in
	// purchase time), so without excluding them too the remainder
	// simulation would re-draw from the same tax-free lots instead of
	// continuing into the taxable suffix of the FIFO queue.
	excludeFromTaxableSim := make(map[string]bool)
	for _, lot := range open {
		age := now.Sub(lot.PurchasedAt)
		if age >= a.cfg.HoldingPeriod || (age >= a.cfg.NearThresholdDuration && age < a.cfg.HoldingPeriod) {
			excludeFromTaxableSim[lot.LotID] = true
		}
	}

	remainingAfterTaxFree := qty.Sub(taxFreeQty)
	currentYTD := a.ledger.YTDRealizedGainEUR(year)

	// Step 5: simulate full FIFO consumption of the remainder.
	projectedGain, covered := a.ledger.SimulateFIFOSell(remainingAfterTaxFree, priceUSD, feeUSD, eurUsdRate, now, excludeFromTaxableSim)
	if covered.LessThan(remainingAfterTaxFree) {
		// The taxable pool cannot cover the remainder: the sell is capped at
		// the tax-free quantity plus what the taxable pool holds.
		if !taxFreeQty.Add(covered).IsPositive() {
			return Evaluation{Decision: Veto, Reason: "near_threshold_protected"}
		}
		if currentYTD.Add(projectedGain).LessThanOrEqual(a.cfg.AnnualExemptionEUR) {
			return Evaluation{Decision: AllowPartial, AllowedQty: taxFreeQty.Add(covered), Reason: "near_threshold_partial", WillBeTaxable: covered.IsPositive()}
		}
		remainingAfterTaxFree = covered
	}

	if currentYTD.Add(projectedGain).LessThanOrEqual(a.cfg.AnnualExemptionEUR) {
		return Evaluation{Decision: Allow, AllowedQty: qty, Reason: "within_freigrenze", WillBeTaxable: true}
	}

	// Step 6: binary-search the largest partial quantity (of the taxable
	// remainder) that keeps projected YTD at or below the exemption.
	if maxQty, ok := a.maxTaxableQtyWithinExemption(remainingAfterTaxFree, priceUSD, feeUSD, eurUsdRate, excludeFromTaxableSim, currentYTD, now); ok && maxQty.IsPositive() {
		allowed := taxFreeQty.Add(maxQty)
		return Evaluation{Decision: AllowPartial, AllowedQty: allowed, Reason: "freigrenze_partial", WillBeTaxable: true}
	}

	// Step 7: no partial room available.
	return Evaluation{Decision: Veto, Reason: "freigrenze_exceeded"}
}

// maxTaxableQtyWithinExemption bisects the taxable-quantity axis to find
// the largest quantity whose simulated disposal keeps current YTD plus
// projected gain at or below the annual exemption. Quantities are
// bounded to BTC's 8-decimal scale, so 40 bisection steps comfortably
// exceed the representable precision.
func (a *Agent) maxTaxableQtyWithinExemption(upperBound, priceUSD, feeUSD, eurUsdRate decimal.Decimal, exclude map[string]bool, currentYTD decimal.Decimal, now time.Time) (decimal.Decimal, bool) {
	lo := decimal.Zero
	hi := upperBound

	gainAt := func(q decimal.Decimal) decimal.Decimal {
		g, _ := a.ledger.SimulateFIFOSell(q, priceUSD, feeUSD, eurUsdRate, now, exclude)
		return g
	}

	if currentYTD.Add(gainAt(lo)).GreaterThan(a.cfg.AnnualExemptionEUR) {
		return decimal.Zero, false
	}

	step := decimal.NewFromFloat(0.00000001)
	for i := 0; i < 40; i++ {
		if hi.Sub(lo).LessThanOrEqual(step) {
			break
		}
		mid := lo.Add(hi).Div(decimal.NewFromInt(2))
		if currentYTD.Add(gainAt(mid)).LessThanOrEqual(a.cfg.AnnualExemptionEUR) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, true
}

// SellableRatio implements spec.md §4.9's literal formula.
func (a *Agent) SellableRatio() decimal.Decimal {
	total := a.ledger.TotalBTC()
	taxFree := a.ledger.TaxFreeBTC()

	epsilon := decimal.NewFromFloat(0.00000001)
	denom := decimal.Max(total, epsilon)
	ratio := taxFree.Div(denom)
	return decimal.Min(decimal.Max(ratio, decimal.Zero), decimal.NewFromInt(1))
}

// AnnualExemptionRemaining reports how much §23 EStG Freigrenze headroom is
// left for year, given realized gains so far; negative once YTD gains have
// already exceeded the exemption.
func (a *Agent) AnnualExemptionRemaining(year int) decimal.Decimal {
	return a.cfg.AnnualExemptionEUR.Sub(a.ledger.YTDRealizedGainEUR(year))
}

// RecommendedSellLevelFraction maps SellableRatio to a percentage of the
// configured sell-side level count, per spec.md §4.9's literal mapping
// (percentages of levels, not the Python reference's fixed-count table).
func (a *Agent) RecommendedSellLevelFraction() decimal.Decimal {
	ratio := a.SellableRatio()
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.8)):
		return decimal.NewFromInt(1)
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.5)):
		return decimal.NewFromFloat(0.6)
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.2)):
		return decimal.NewFromFloat(0.2)
	default:
		return decimal.Zero
	}
}

// RecommendHarvest implements spec.md §4.9's recommend_harvest, only
// emitting recommendations when harvesting is enabled and the YTD
// realized gain is positive (there is a gain worth offsetting).
func (a *Agent) RecommendHarvest(currentPriceUSD, eurUsdRate decimal.Decimal, now time.Time, year int) []HarvestRecommendation {
	if !a.cfg.Harvest.Enabled {
		return nil
	}
	currentYTD := a.ledger.YTDRealizedGainEUR(year)
	if !currentYTD.IsPositive() {
		return nil
	}

	under := a.ledger.UnderwaterLots(currentPriceUSD, eurUsdRate)
	sort.Slice(under, func(i, j int) bool {
		return under[i].UnrealizedLossEUR.GreaterThan(under[j].UnrealizedLossEUR)
	})

	nearThresholdCutoff := a.cfg.HoldingPeriod - a.cfg.NearThresholdDuration

	var recs []HarvestRecommendation
	projectedNet := currentYTD
	for _, u := range under {
		if len(recs) >= a.cfg.Harvest.MaxPerDay {
			break
		}
		if projectedNet.LessThanOrEqual(a.cfg.Harvest.TargetNetEUR) {
			break
		}
		if u.UnrealizedLossEUR.LessThan(a.cfg.Harvest.MinLossEUR) {
			continue
		}
		age := now.Sub(u.Lot.PurchasedAt)
		if age >= nearThresholdCutoff {
			continue // never harvest a near-threshold lot
		}
		if !a.isWashSaleSafeLocked(u.Lot.LotID, now) {
			continue
		}
		recs = append(recs, HarvestRecommendation{Lot: u.Lot, UnrealizedLossEUR: u.UnrealizedLossEUR})
		projectedNet = projectedNet.Sub(u.UnrealizedLossEUR)
	}
	return recs
}

// isWashSaleSafeLocked is a placeholder hook for per-lot cooldown
// tracking; the current implementation uses a single global buy-side
// cooldown (RecordHarvest/IsBuyBlockedByWashSale) per spec.md 4.9a, so
// every lot is "safe" to recommend for harvest itself — only the
// resulting re-buy is blocked.
func (a *Agent) isWashSaleSafeLocked(lotID string, now time.Time) bool {
	return true
}

// RecordHarvest starts (or extends) the wash-sale buy-side cooldown
// after a loss-harvest disposal, per spec.md 4.9a / §42 AO. Blocks ALL
// buys, not just the specific asset, matching the Python reference's
// conservative interpretation.
func (a *Agent) RecordHarvest(now time.Time) {
	until := now.Add(a.cfg.WashSaleCooldown)
	if until.After(a.buyCooldownUntil) {
		a.buyCooldownUntil = until
	}
}

// IsBuyBlockedByWashSale reports whether the wash-sale cooldown is active.
func (a *Agent) IsBuyBlockedByWashSale(now time.Time) bool {
	return now.Before(a.buyCooldownUntil)
}
