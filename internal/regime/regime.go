// Package regime classifies the current market regime from EWMA
// volatility, short-horizon momentum, and VWAP, per spec.md §4.3. Float
// math is used for the EWMA/volatility/momentum computations themselves
// (spec.md §9 explicitly permits this); outputs are converted to fixed
// point before they reach price math elsewhere.
package regime

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/metrics"
)

// Tag is the classified market regime.
type Tag string

const (
	RangeBound  Tag = "range_bound"
	TrendingUp  Tag = "trending_up"
	TrendingDown Tag = "trending_down"
	Chaos       Tag = "chaos"
)

// Config holds the classifier's tunables; defaults per spec.md §4.3.
type Config struct {
	EWMASpan           int
	ChaosVol           float64
	TrendUpThreshold   float64
	TrendDownThreshold float64
	MomentumWindow     int
	HysteresisTicks    int
	VWAPWindow         int
}

// DefaultConfig matches spec.md's literal defaults.
func DefaultConfig() Config {
	return Config{
		EWMASpan:           20,
		ChaosVol:           0.008,
		TrendUpThreshold:   0.015,
		TrendDownThreshold: 0.015,
		MomentumWindow:     60,
		HysteresisTicks:    5,
		VWAPWindow:         500,
	}
}

type priceSample struct {
	price decimal.Decimal
}

type tradeSample struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// Router is the stateful regime classifier.
type Router struct {
	cfg Config

	ewmaVar         float64
	ewmaAlpha       float64
	lastPrice       decimal.Decimal
	havePrice       bool

	prices []priceSample // ring for momentum, bounded by MomentumWindow ticks

	trades    []tradeSample
	vwap      decimal.Decimal
	haveVWAP  bool

	circuitFrozen bool

	current         Tag
	candidate       Tag
	candidateStreak int
}

// New constructs a Router at RangeBound.
func New(cfg Config) *Router {
	return &Router{
		cfg:       cfg,
		ewmaAlpha: 2.0 / (float64(cfg.EWMASpan) + 1.0),
		current:   RangeBound,
		candidate: RangeBound,
	}
}

// SetCircuitFrozen tells the router whether RiskManager's price-velocity
// circuit breaker is currently frozen; while frozen the regime is forced to
// Chaos regardless of the EWMA/momentum reading.
func (r *Router) SetCircuitFrozen(frozen bool) {
	r.circuitFrozen = frozen
}

// UpdatePrice feeds a new mid-price observation. Call once per tick.
func (r *Router) UpdatePrice(price decimal.Decimal) {
	if r.havePrice && r.lastPrice.IsPositive() {
		ret, _ := price.Sub(r.lastPrice).Div(r.lastPrice).Float64()
		if r.ewmaAlpha == 0 {
			r.ewmaAlpha = 2.0 / 21.0
		}
		if r.ewmaVar == 0 && len(r.prices) <= 1 {
			r.ewmaVar = ret * ret
		} else {
			r.ewmaVar = (1-r.ewmaAlpha)*r.ewmaVar + r.ewmaAlpha*ret*ret
		}
	}
	r.lastPrice = price
	r.havePrice = true

	r.prices = append(r.prices, priceSample{price: price})
	if len(r.prices) > r.cfg.MomentumWindow {
		r.prices = r.prices[len(r.prices)-r.cfg.MomentumWindow:]
	}
}

// UpdateTrade records a trade print for the trailing VWAP window.
func (r *Router) UpdateTrade(price, qty decimal.Decimal) {
	r.trades = append(r.trades, tradeSample{price: price, qty: qty})
	if len(r.trades) > r.cfg.VWAPWindow {
		r.trades = r.trades[len(r.trades)-r.cfg.VWAPWindow:]
	}
	totalPQ := decimal.Zero
	totalQ := decimal.Zero
	for _, t := range r.trades {
		totalPQ = totalPQ.Add(t.price.Mul(t.qty))
		totalQ = totalQ.Add(t.qty)
	}
	if totalQ.IsPositive() {
		r.vwap = totalPQ.Div(totalQ)
		r.haveVWAP = true
	}
}

// VWAP returns the trailing volume-weighted average price and whether it
// has at least one trade to compute from.
func (r *Router) VWAP() (decimal.Decimal, bool) {
	return r.vwap, r.haveVWAP
}

// EWMAVolatility returns sqrt(ewma_var).
func (r *Router) EWMAVolatility() float64 {
	return math.Sqrt(math.Max(0, r.ewmaVar))
}

func (r *Router) momentum() float64 {
	if len(r.prices) < 2 {
		return 0
	}
	oldest := r.prices[0].price
	newest := r.prices[len(r.prices)-1].price
	if !oldest.IsPositive() {
		return 0
	}
	m, _ := newest.Sub(oldest).Div(oldest).Float64()
	return m
}

// Decision is the result of a classification.
type Decision struct {
	Regime    Tag
	Vol       float64
	Momentum  float64
}

// Classify runs the classifier, applying hysteresis: a candidate regime
// must persist for Config.HysteresisTicks consecutive calls before the
// active regime changes.
func (r *Router) Classify() Decision {
	vol := r.EWMAVolatility()
	mom := r.momentum()

	var candidate Tag
	switch {
	case r.circuitFrozen || vol > r.cfg.ChaosVol:
		candidate = Chaos
	case mom > r.cfg.TrendUpThreshold:
		candidate = TrendingUp
	case mom < -r.cfg.TrendDownThreshold:
		candidate = TrendingDown
	default:
		candidate = RangeBound
	}

	if candidate == r.current {
		r.candidate = candidate
		r.candidateStreak = 0
	} else if candidate == r.candidate {
		r.candidateStreak++
		if r.candidateStreak >= r.cfg.HysteresisTicks {
			r.current = candidate
			r.candidateStreak = 0
		}
	} else {
		r.candidate = candidate
		r.candidateStreak = 1
		if r.candidateStreak >= r.cfg.HysteresisTicks {
			r.current = candidate
			r.candidateStreak = 0
		}
	}

	metrics.UpdateRegime(string(r.current))

	return Decision{Regime: r.current, Vol: vol, Momentum: mom}
}

// Current returns the active regime without reclassifying.
func (r *Router) Current() Tag {
	return r.current
}
