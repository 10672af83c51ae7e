// Package ledger implements the FIFO tax-lot ledger mandated by German
// §23 EStG, per spec.md §3 (TaxLot/Disposal) and §4.8 (FifoLedger).
// Grounded primarily on tax/fifo_ledger.py; persistence is atomic
// (temp file + fsync + rename), unlike a plain os.WriteFile
// snapshot store, which this package deliberately does not imitate.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source identifies how a TaxLot came to exist.
type Source string

const (
	SourceGrid    Source = "grid"
	SourceSignal  Source = "signal"
	SourceHarvest Source = "harvest"
)

// LotStatus mirrors spec.md §3.
type LotStatus string

const (
	LotOpen      LotStatus = "open"
	LotPartial   LotStatus = "partial"
	LotClosed    LotStatus = "closed"
)

// HoldingPeriod is the German Haltefrist (365 days).
const HoldingPeriod = 365 * 24 * time.Hour

// TaxLot is created by a buy fill and owned exclusively by the Ledger.
type TaxLot struct {
	LotID         string
	VenueOrderID  string
	VenueTradeID  string
	Source        Source

	PurchasedAt      time.Time
	OriginalQtyBTC   decimal.Decimal
	RemainingQtyBTC  decimal.Decimal

	PurchasePriceUSD decimal.Decimal
	PurchaseTotalUSD decimal.Decimal
	PurchaseFeeUSD   decimal.Decimal

	PurchasePriceEUR    decimal.Decimal
	PurchaseTotalEUR    decimal.Decimal
	EurUsdRateAtPurchase decimal.Decimal
}

// TaxFreeAt is purchasedAt + HoldingPeriod.
func (l *TaxLot) TaxFreeAt() time.Time {
	return l.PurchasedAt.Add(HoldingPeriod)
}

// Status derives the lot's status from its remaining quantity.
func (l *TaxLot) Status() LotStatus {
	if l.RemainingQtyBTC.IsZero() {
		return LotClosed
	}
	if l.RemainingQtyBTC.LessThan(l.OriginalQtyBTC) {
		return LotPartial
	}
	return LotOpen
}

// AgeAt returns how long the lot has been held as of t.
func (l *TaxLot) AgeAt(t time.Time) time.Duration {
	return t.Sub(l.PurchasedAt)
}

// Disposal is created by a sell fill, one per lot consumed.
type Disposal struct {
	DisposalID string
	LotID      string
	DisposedAt time.Time
	QtyBTC     decimal.Decimal

	SalePriceUSD     decimal.Decimal
	SaleFeeUSDPortion decimal.Decimal

	EurUsdRateAtSale decimal.Decimal
	ProceedsEUR      decimal.Decimal
	CostBasisEUR     decimal.Decimal
	GainLossEUR      decimal.Decimal
	IsTaxable        bool
}

// BuyTrade is the normalized input to RecordBuy.
type BuyTrade struct {
	VenueOrderID string
	VenueTradeID string
	Source       Source
	FilledAt     time.Time
	QtyBTC       decimal.Decimal
	PriceUSD     decimal.Decimal
	FeeUSD       decimal.Decimal
	EurUsdRate   decimal.Decimal
}

// SellTrade is the normalized input to RecordSell.
type SellTrade struct {
	VenueOrderID string
	VenueTradeID string
	FilledAt     time.Time
	QtyBTC       decimal.Decimal
	PriceUSD     decimal.Decimal
	FeeUSD       decimal.Decimal
	EurUsdRate   decimal.Decimal
}

// ErrInsufficientLots is returned by RecordSell when demand exceeds open
// quantity; the ledger never silently short-sells.
var ErrInsufficientLots = errors.New("ledger: insufficient open lots to cover sell quantity")

// Ledger owns lots and disposals exclusively, per spec.md §3.
type Ledger struct {
	mu sync.RWMutex

	Version   int
	Lots      []*TaxLot
	Disposals []*Disposal
	YTDCache  map[int]decimal.Decimal // year -> realized taxable gain EUR

	cachedTotalBTC    decimal.Decimal
	cachedTaxFreeBTC  decimal.Decimal
	cacheValid        bool
	cacheAsOf         time.Time

	idGen func() string
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		Version:  1,
		YTDCache: make(map[int]decimal.Decimal),
		idGen:    func() string { return uuid.NewString() },
	}
}

// RecordBuy appends a new TaxLot from a buy fill.
func (L *Ledger) RecordBuy(t BuyTrade) *TaxLot {
	L.mu.Lock()
	defer L.mu.Unlock()

	total := t.QtyBTC.Mul(t.PriceUSD).Add(t.FeeUSD)
	var totalEUR, priceEUR decimal.Decimal
	if t.EurUsdRate.IsPositive() {
		totalEUR = total.Div(t.EurUsdRate)
		priceEUR = t.PriceUSD.Div(t.EurUsdRate)
	}

	lot := &TaxLot{
		LotID:                L.idGen(),
		VenueOrderID:         t.VenueOrderID,
		VenueTradeID:         t.VenueTradeID,
		Source:               t.Source,
		PurchasedAt:          t.FilledAt,
		OriginalQtyBTC:       t.QtyBTC,
		RemainingQtyBTC:      t.QtyBTC,
		PurchasePriceUSD:     t.PriceUSD,
		PurchaseTotalUSD:     total,
		PurchaseFeeUSD:       t.FeeUSD,
		PurchasePriceEUR:     priceEUR,
		PurchaseTotalEUR:     totalEUR,
		EurUsdRateAtPurchase: t.EurUsdRate,
	}
	L.Lots = append(L.Lots, lot)
	L.invalidateCache()
	return lot
}

// RecordSell consumes the oldest open lots in purchase-time order (ties
// broken by ascending LotID) to cover t.QtyBTC, creating one Disposal per
// lot touched. Fails with ErrInsufficientLots if open quantity is
// insufficient; no partial mutation occurs on failure.
func (L *Ledger) RecordSell(t SellTrade) ([]*Disposal, error) {
	L.mu.Lock()
	defer L.mu.Unlock()

	open := L.openLotsLocked()
	totalOpen := decimal.Zero
	for _, lot := range open {
		totalOpen = totalOpen.Add(lot.RemainingQtyBTC)
	}
	if totalOpen.LessThan(t.QtyBTC) {
		return nil, ErrInsufficientLots
	}

	var disposals []*Disposal
	remaining := t.QtyBTC

	for _, lot := range open {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		sellPortion := decimal.Min(lot.RemainingQtyBTC, remaining)
		costProportion := sellPortion.Div(lot.OriginalQtyBTC)
		costBasisEUR := costProportion.Mul(lot.PurchaseTotalEUR)

		feePortion := decimal.Zero
		if t.QtyBTC.IsPositive() {
			feePortion = t.FeeUSD.Mul(sellPortion).Div(t.QtyBTC)
		}

		var proceedsEUR decimal.Decimal
		if t.EurUsdRate.IsPositive() {
			proceedsUSD := sellPortion.Mul(t.PriceUSD).Sub(feePortion)
			proceedsEUR = proceedsUSD.Div(t.EurUsdRate)
		}

		gainLoss := proceedsEUR.Sub(costBasisEUR)
		isTaxable := t.FilledAt.Sub(lot.PurchasedAt) < HoldingPeriod

		d := &Disposal{
			DisposalID:        L.idGen(),
			LotID:             lot.LotID,
			DisposedAt:        t.FilledAt,
			QtyBTC:            sellPortion,
			SalePriceUSD:      t.PriceUSD,
			SaleFeeUSDPortion: feePortion,
			EurUsdRateAtSale:  t.EurUsdRate,
			ProceedsEUR:       proceedsEUR,
			CostBasisEUR:      costBasisEUR,
			GainLossEUR:       gainLoss,
			IsTaxable:         isTaxable,
		}
		lot.RemainingQtyBTC = lot.RemainingQtyBTC.Sub(sellPortion)
		remaining = remaining.Sub(sellPortion)

		disposals = append(disposals, d)
		L.Disposals = append(L.Disposals, d)

		if isTaxable {
			year := t.FilledAt.Year()
			L.YTDCache[year] = L.YTDCache[year].Add(gainLoss)
		}
	}

	L.invalidateCache()
	return disposals, nil
}

// openLotsLocked returns open/partial lots sorted by ascending purchase
// time, ties broken by ascending LotID. Caller must hold mu.
func (L *Ledger) openLotsLocked() []*TaxLot {
	var open []*TaxLot
	for _, lot := range L.Lots {
		if lot.RemainingQtyBTC.IsPositive() {
			open = append(open, lot)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].PurchasedAt.Equal(open[j].PurchasedAt) {
			return open[i].PurchasedAt.Before(open[j].PurchasedAt)
		}
		return open[i].LotID < open[j].LotID
	})
	return open
}

func (L *Ledger) invalidateCache() {
	L.cacheValid = false
}

// TotalBTC returns the sum of remaining open quantity across all lots.
func (L *Ledger) TotalBTC() decimal.Decimal {
	L.mu.Lock()
	defer L.mu.Unlock()
	L.refreshCacheLocked(time.Now())
	return L.cachedTotalBTC
}

// TaxFreeBTC returns the sum of open quantity whose holding period has
// already elapsed as of now.
func (L *Ledger) TaxFreeBTC() decimal.Decimal {
	L.mu.Lock()
	defer L.mu.Unlock()
	L.refreshCacheLocked(time.Now())
	return L.cachedTaxFreeBTC
}

func (L *Ledger) refreshCacheLocked(now time.Time) {
	if L.cacheValid && now.Sub(L.cacheAsOf) < time.Second {
		return
	}
	total := decimal.Zero
	taxFree := decimal.Zero
	for _, lot := range L.Lots {
		if lot.RemainingQtyBTC.IsZero() {
			continue
		}
		total = total.Add(lot.RemainingQtyBTC)
		if now.Sub(lot.PurchasedAt) >= HoldingPeriod {
			taxFree = taxFree.Add(lot.RemainingQtyBTC)
		}
	}
	L.cachedTotalBTC = total
	L.cachedTaxFreeBTC = taxFree
	L.cacheAsOf = now
	L.cacheValid = true
}

// UnderwaterLot pairs a lot with its unrealized loss in EUR at current mark.
type UnderwaterLot struct {
	Lot            *TaxLot
	UnrealizedLossEUR decimal.Decimal
}

// UnderwaterLots returns open lots whose mark-to-market EUR proceeds would
// be less than their cost basis, at the given current price and rate.
func (L *Ledger) UnderwaterLots(currentPriceUSD, currentEurUsdRate decimal.Decimal) []UnderwaterLot {
	L.mu.RLock()
	defer L.mu.RUnlock()

	var out []UnderwaterLot
	if !currentEurUsdRate.IsPositive() {
		return out
	}
	for _, lot := range L.Lots {
		if lot.RemainingQtyBTC.IsZero() {
			continue
		}
		costProportion := lot.RemainingQtyBTC.Div(lot.OriginalQtyBTC)
		costBasisEUR := costProportion.Mul(lot.PurchaseTotalEUR)
		markEUR := lot.RemainingQtyBTC.Mul(currentPriceUSD).Div(currentEurUsdRate)
		if markEUR.LessThan(costBasisEUR) {
			out = append(out, UnderwaterLot{
				Lot:               lot,
				UnrealizedLossEUR: costBasisEUR.Sub(markEUR),
			})
		}
	}
	return out
}

// YTDRealizedGainEUR returns the cached realized taxable gain for year.
func (L *Ledger) YTDRealizedGainEUR(year int) decimal.Decimal {
	L.mu.RLock()
	defer L.mu.RUnlock()
	return L.YTDCache[year]
}

// OpenLots returns a snapshot copy of currently open/partial lots, sorted
// FIFO. Exposed for TaxAgent simulation and lot-viewer CLI use.
func (L *Ledger) OpenLots() []*TaxLot {
	L.mu.RLock()
	defer L.mu.RUnlock()
	return L.openLotsLocked()
}

// SimulateFIFOSell projects disposals for qty without mutating the ledger,
// used by TaxAgent to evaluate a hypothetical sell's tax impact.
func (L *Ledger) SimulateFIFOSell(qty decimal.Decimal, priceUSD, feeUSD, eurUsdRate decimal.Decimal, asOf time.Time, excludeLotIDs map[string]bool) (projectedGainEUR decimal.Decimal, coveredQty decimal.Decimal) {
	L.mu.RLock()
	defer L.mu.RUnlock()

	open := L.openLotsLocked()
	remaining := qty
	for _, lot := range open {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if excludeLotIDs != nil && excludeLotIDs[lot.LotID] {
			continue
		}
		sellPortion := decimal.Min(lot.RemainingQtyBTC, remaining)
		costProportion := sellPortion.Div(lot.OriginalQtyBTC)
		costBasisEUR := costProportion.Mul(lot.PurchaseTotalEUR)

		feePortion := decimal.Zero
		if qty.IsPositive() {
			feePortion = feeUSD.Mul(sellPortion).Div(qty)
		}
		var proceedsEUR decimal.Decimal
		if eurUsdRate.IsPositive() {
			proceedsEUR = sellPortion.Mul(priceUSD).Sub(feePortion).Div(eurUsdRate)
		}
		isTaxable := asOf.Sub(lot.PurchasedAt) < HoldingPeriod
		if isTaxable {
			projectedGainEUR = projectedGainEUR.Add(proceedsEUR.Sub(costBasisEUR))
		}
		coveredQty = coveredQty.Add(sellPortion)
		remaining = remaining.Sub(sellPortion)
	}
	return projectedGainEUR, coveredQty
}
