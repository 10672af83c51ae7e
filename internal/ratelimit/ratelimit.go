// Package ratelimit mirrors the venue's per-pair order rate counter
// locally, gating order commands before they are sent. Unlike the blocking
// REST-pacing limiter in internal/exchange, this is a non-blocking admit/deny
// counter: exhaustion is not an error (spec.md §4.2), the caller simply
// defers the intent to the next tick.
package ratelimit

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Priority orders contention when multiple intents compete for the same
// remaining headroom in a tick. Higher value wins.
type Priority int

const (
	PriorityNew Priority = iota
	PriorityAmendNormal
	PriorityAmendRisk
	PriorityCancel
)

// Cost is the per-command-kind counter cost, matching Kraken's published
// add/amend/cancel weighting.
type Cost struct {
	AddOrder    decimal.Decimal
	AmendOrder  decimal.Decimal
	CancelOrder decimal.Decimal
}

// DefaultCost mirrors the venue schedule grounded on order/rate_limiter.py.
var DefaultCost = Cost{
	AddOrder:    decimal.NewFromFloat(1.0),
	AmendOrder:  decimal.NewFromFloat(0.5),
	CancelOrder: decimal.Zero,
}

// Limiter is the local decaying-counter admission gate.
type Limiter struct {
	mu sync.Mutex

	counter      decimal.Decimal
	max          decimal.Decimal
	decayPerSec  decimal.Decimal
	headroomPct  decimal.Decimal
	lastDecayAt  time.Time
	lastAdmitAt  time.Time
	cost         Cost
}

// New builds a Limiter. headroomPct defaults to 0.80 if zero.
func New(max, decayPerSec, headroomPct decimal.Decimal, cost Cost) *Limiter {
	if headroomPct.IsZero() {
		headroomPct = decimal.NewFromFloat(0.80)
	}
	return &Limiter{
		max:         max,
		decayPerSec: decayPerSec,
		headroomPct: headroomPct,
		lastDecayAt: time.Now(),
		cost:        cost,
	}
}

// decay applies elapsed-time decay to the counter. Caller must hold mu.
func (l *Limiter) decay(now time.Time) {
	elapsed := decimal.NewFromFloat(now.Sub(l.lastDecayAt).Seconds())
	l.lastDecayAt = now
	if elapsed.LessThanOrEqual(decimal.Zero) {
		return
	}
	l.counter = decimal.Max(decimal.Zero, l.counter.Sub(l.decayPerSec.Mul(elapsed)))
}

// CanSend reports whether a command of cost k can be admitted right now,
// without mutating state.
func (l *Limiter) CanSend(k decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decay(time.Now())
	headroom := l.max.Mul(l.headroomPct)
	return l.counter.Add(k).LessThanOrEqual(headroom)
}

// Admit attempts to admit a command of the given kind cost. Returns true and
// records the cost if admitted; false (no mutation) if it would exceed
// headroom. Exhaustion is never an error; callers retry next tick.
func (l *Limiter) Admit(k decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.decay(now)
	headroom := l.max.Mul(l.headroomPct)
	if l.counter.Add(k).GreaterThan(headroom) {
		return false
	}
	l.counter = l.counter.Add(k)
	l.lastAdmitAt = now
	return true
}

// CostFor returns the counter cost for a command kind.
func (l *Limiter) CostFor(p Priority) decimal.Decimal {
	switch p {
	case PriorityNew:
		return l.cost.AddOrder
	case PriorityAmendNormal, PriorityAmendRisk:
		return l.cost.AmendOrder
	case PriorityCancel:
		return l.cost.CancelOrder
	default:
		return l.cost.AddOrder
	}
}

// Counter returns the current counter value (post-decay as of the last call).
func (l *Limiter) Counter() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decay(time.Now())
	return l.counter
}

// ReconcileFromServer merges the venue's authoritative counter value into
// the local one by taking the maximum, per spec.md §4.2 (the Python
// reference instead overwrites, which this implementation deliberately
// does not do: an authoritative value lower than ours would otherwise let
// us burst past what the venue actually tracks for the next instant).
func (l *Limiter) ReconcileFromServer(authoritative decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decay(time.Now())
	l.counter = decimal.Max(l.counter, authoritative)
}

// AdmitByPriority sorts a batch of pending command kinds by priority
// (cancel > risk-amend > normal-amend > new) and admits as many as headroom
// allows, returning which indices were admitted in the caller's original
// order.
func AdmitByPriority(l *Limiter, priorities []Priority) []bool {
	type item struct {
		idx int
		pri Priority
	}
	items := make([]item, len(priorities))
	for i, p := range priorities {
		items[i] = item{i, p}
	}
	// stable sort by descending priority rank
	rank := func(p Priority) int {
		switch p {
		case PriorityCancel:
			return 3
		case PriorityAmendRisk:
			return 2
		case PriorityAmendNormal:
			return 1
		default:
			return 0
		}
	}
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && rank(items[j-1].pri) < rank(items[j].pri) {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}

	admitted := make([]bool, len(priorities))
	for _, it := range items {
		cost := l.CostFor(it.pri)
		admitted[it.idx] = l.Admit(cost)
	}
	return admitted
}
