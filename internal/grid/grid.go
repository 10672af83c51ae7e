// Package grid computes the symmetric buy/sell ladder of desired order
// levels from a center price, per-side spacing, and level counts, per
// spec.md §4.6. Price rounding direction (DOWN for buys, UP for sells) and
// qty rounding (DOWN to lot step) are spec.md's literal rules, which
// deliberately differ from the Python reference's ROUND_HALF_UP.
package grid

import (
	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/money"
)

// Side of a grid level.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Level is one desired order.
type Level struct {
	Side  Side
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Params bundles one tick's grid computation inputs.
type Params struct {
	CenterPrice     decimal.Decimal
	LevelsBuy       int
	LevelsSell      int
	BuySpacingBps   decimal.Decimal
	SellSpacingBps  decimal.Decimal
	OrderSizeUSD    decimal.Decimal
	OrderSizeScale  decimal.Decimal // regime.order_size_scale
	Tick            decimal.Decimal
	LotStep         decimal.Decimal
	VenueMinBTC     decimal.Decimal
}

// Engine computes grid ladders. Stateless; Compute is pure given Params.
type Engine struct{}

// New constructs an Engine.
func New() *Engine { return &Engine{} }

// Compute emits up to LevelsBuy buy levels and LevelsSell sell levels.
// Returns an empty grid (with ok=false) if the resulting sell[0] would not
// be strictly greater than buy[0], per spec.md's crossed-ladder guard.
func (e *Engine) Compute(p Params) (levels []Level, ok bool) {
	scale := p.OrderSizeScale
	if scale.IsZero() {
		scale = decimal.NewFromInt(1)
	}
	notional := p.OrderSizeUSD.Mul(scale)

	ten000 := decimal.NewFromInt(10000)

	var buys, sells []Level
	for i := 0; i < p.LevelsBuy; i++ {
		n := decimal.NewFromInt(int64(i + 1))
		offset := n.Mul(p.BuySpacingBps).Div(ten000)
		rawPrice := p.CenterPrice.Mul(decimal.NewFromInt(1).Sub(offset))
		price := money.RoundTickDown(rawPrice, p.Tick)
		if !price.IsPositive() {
			continue
		}
		qty := money.RoundLotDown(notional.Div(price), p.LotStep)
		if qty.LessThan(p.VenueMinBTC) {
			continue
		}
		buys = append(buys, Level{Side: Buy, Price: price, Qty: qty})
	}

	for i := 0; i < p.LevelsSell; i++ {
		n := decimal.NewFromInt(int64(i + 1))
		offset := n.Mul(p.SellSpacingBps).Div(ten000)
		rawPrice := p.CenterPrice.Mul(decimal.NewFromInt(1).Add(offset))
		price := money.RoundTickUp(rawPrice, p.Tick)
		qty := money.RoundLotDown(notional.Div(price), p.LotStep)
		if qty.LessThan(p.VenueMinBTC) {
			continue
		}
		sells = append(sells, Level{Side: Sell, Price: price, Qty: qty})
	}

	if len(buys) > 0 && len(sells) > 0 {
		if !sells[0].Price.GreaterThan(buys[0].Price) {
			return nil, false
		}
	}

	levels = make([]Level, 0, len(buys)+len(sells))
	levels = append(levels, buys...)
	levels = append(levels, sells...)
	return levels, true
}

// DeactivateSellLevels truncates levels down to at most keep sell-side
// entries, dropping the outermost (highest index) sells first. Used when
// tax-locked (keep=0 drops all sells).
func DeactivateSellLevels(levels []Level, keep int) []Level {
	if keep < 0 {
		keep = 0
	}
	out := make([]Level, 0, len(levels))
	sellCount := 0
	for _, lv := range levels {
		if lv.Side != Sell {
			out = append(out, lv)
			continue
		}
		if sellCount < keep {
			out = append(out, lv)
			sellCount++
		}
	}
	return out
}
