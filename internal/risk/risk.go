// Package risk implements the drawdown/high-water-mark tracker, the
// price-velocity circuit breaker, and the pause-state machine, per
// spec.md §4.7. Grounded primarily on risk/risk_manager.py, with this
// codebase's mutex-guarded-state and zerolog-field-logging idiom carried
// over from its original futures-oriented RiskManager.
package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/metrics"
)

// Classification is the drawdown bucket.
type Classification string

const (
	Healthy   Classification = "healthy"
	Warning   Classification = "warning"
	Problem   Classification = "problem"
	Critical  Classification = "critical"
	Emergency Classification = "emergency"
)

// PauseState mirrors spec.md §3's RiskState.pause enum.
type PauseState string

const (
	Active        PauseState = "ACTIVE"
	TaxLock       PauseState = "TAX_LOCK"
	RiskPause     PauseState = "RISK_PAUSE"
	DualLock      PauseState = "DUAL_LOCK"
	EmergencySell PauseState = "EMERGENCY_SELL"
)

// Config holds RiskManager's tunables; defaults per spec.md §4.7.
type Config struct {
	WarningDD   decimal.Decimal
	ProblemDD   decimal.Decimal
	CriticalDD  decimal.Decimal
	EmergencyDD decimal.Decimal

	// Trailing stop: interpolates CriticalDD from its configured value
	// toward TrailingFloor as equity grows past TrailingBaselineUSD.
	TrailingEnabled     bool
	TrailingBaselineUSD decimal.Decimal
	TrailingFloor       decimal.Decimal // never tightens below this, e.g. 0.075 when base is 0.15

	HysteresisPct decimal.Decimal // recovery requires dd < critical*(1-hysteresis)

	VelocityWindow time.Duration
	FreezePct      decimal.Decimal
	UnfreezeFactor decimal.Decimal // unfreeze requires velocity < freezePct*UnfreezeFactor
	CooldownSec    time.Duration
}

// DefaultConfig matches spec.md's literal numbers.
func DefaultConfig() Config {
	return Config{
		WarningDD:           decimal.NewFromFloat(0.05),
		ProblemDD:           decimal.NewFromFloat(0.10),
		CriticalDD:          decimal.NewFromFloat(0.15),
		EmergencyDD:         decimal.NewFromFloat(0.20),
		TrailingEnabled:     false,
		TrailingBaselineUSD: decimal.Zero,
		TrailingFloor:       decimal.NewFromFloat(0.075),
		HysteresisPct:       decimal.NewFromFloat(0.10),
		VelocityWindow:      60 * time.Second,
		FreezePct:           decimal.NewFromFloat(0.03),
		UnfreezeFactor:      decimal.NewFromFloat(0.5),
		CooldownSec:         30 * time.Second,
	}
}

type pricePoint struct {
	ts    time.Time
	price decimal.Decimal
}

// Snapshot is a point-in-time read of risk state, returned after each
// portfolio update.
type Snapshot struct {
	HWM                  decimal.Decimal
	Equity               decimal.Decimal
	DrawdownPct          decimal.Decimal
	Classification       Classification
	Pause                PauseState
	CircuitFrozen        bool
	SuggestedRegimeChaos bool
}

// Manager owns RiskState exclusively, per spec.md §3's ownership rule.
type Manager struct {
	mu sync.Mutex

	cfg Config

	hwm    decimal.Decimal
	equity decimal.Decimal

	pause PauseState

	taxLocked bool

	circuitFrozen bool
	frozenAt      time.Time
	velocityRing  []pricePoint
}

// New constructs a Manager with zero HWM; the first portfolio update seeds it.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, pause: Active}
}

// AdjustHWM shifts the high-water-mark by a signed delta to account for an
// external deposit (positive) or withdrawal (negative), preventing spurious
// drawdown readings from capital flows that aren't trading P&L. Resolves
// spec.md's Open Question: bidirectional, per spec.md's own adjust_hwm
// contract (the Python reference only handles withdrawals).
func (m *Manager) AdjustHWM(deltaUSD decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hwm = m.hwm.Add(deltaUSD)
	if m.hwm.IsNegative() {
		m.hwm = decimal.Zero
	}
}

// SetTaxLocked informs the risk manager whether the TaxAgent currently has
// the account locked out of further taxable sells.
func (m *Manager) SetTaxLocked(locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxLocked = locked
}

// UpdatePortfolio recomputes equity, HWM, drawdown classification, and the
// pause state machine. Call once per tick with the latest btc/usd balances
// already converted to USD.
func (m *Manager) UpdatePortfolio(btcValueUSD, usdBalance decimal.Decimal) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := btcValueUSD.Add(usdBalance)
	m.equity = equity
	if equity.GreaterThan(m.hwm) {
		m.hwm = equity
	}

	dd := decimal.Zero
	if m.hwm.IsPositive() {
		dd = m.hwm.Sub(equity).Div(m.hwm)
	}

	critical := m.effectiveCriticalThreshold()
	class := m.classify(dd, critical)

	m.reconcilePauseState(dd, critical)

	metrics.DrawdownPct.Set(dd.InexactFloat64())
	circuitBreakerMetric := 0.0
	if m.circuitFrozen {
		circuitBreakerMetric = 1.0
	}
	metrics.CircuitBreakerActive.Set(circuitBreakerMetric)

	return Snapshot{
		HWM:                  m.hwm,
		Equity:               equity,
		DrawdownPct:          dd,
		Classification:       class,
		Pause:                m.pause,
		CircuitFrozen:        m.circuitFrozen,
		SuggestedRegimeChaos: m.circuitFrozen,
	}
}

func (m *Manager) effectiveCriticalThreshold() decimal.Decimal {
	if !m.cfg.TrailingEnabled || m.cfg.TrailingBaselineUSD.IsZero() {
		return m.cfg.CriticalDD
	}
	if m.equity.LessThanOrEqual(m.cfg.TrailingBaselineUSD) {
		return m.cfg.CriticalDD
	}
	growth := m.equity.Div(m.cfg.TrailingBaselineUSD)
	// Linearly interpolate toward TrailingFloor as growth increases,
	// reaching TrailingFloor once equity has doubled past the baseline.
	// Never tightens past TrailingFloor.
	span := m.cfg.CriticalDD.Sub(m.cfg.TrailingFloor)
	one := decimal.NewFromInt(1)
	progress := decimal.Min(one, growth.Sub(one))
	tightened := m.cfg.CriticalDD.Sub(span.Mul(progress))
	if tightened.LessThan(m.cfg.TrailingFloor) {
		tightened = m.cfg.TrailingFloor
	}
	return tightened
}

func (m *Manager) classify(dd, critical decimal.Decimal) Classification {
	switch {
	case dd.GreaterThanOrEqual(m.cfg.EmergencyDD):
		return Emergency
	case dd.GreaterThanOrEqual(critical):
		return Critical
	case dd.GreaterThanOrEqual(m.cfg.ProblemDD):
		return Problem
	case dd.GreaterThanOrEqual(m.cfg.WarningDD):
		return Warning
	default:
		return Healthy
	}
}

// reconcilePauseState applies the transition table from spec.md §4.7.
// Caller must hold mu.
func (m *Manager) reconcilePauseState(dd, critical decimal.Decimal) {
	ddCritical := dd.GreaterThanOrEqual(critical)
	ddEmergency := dd.GreaterThanOrEqual(m.cfg.EmergencyDD)
	recoveryThreshold := critical.Mul(decimal.NewFromInt(1).Sub(m.cfg.HysteresisPct))
	recovered := dd.LessThan(recoveryThreshold)

	prev := m.pause

	switch {
	case ddEmergency:
		m.pause = EmergencySell
	case m.taxLocked && ddCritical:
		m.pause = DualLock
	case m.taxLocked:
		if m.pause != DualLock && m.pause != EmergencySell {
			m.pause = TaxLock
		} else if recovered {
			m.pause = TaxLock
		}
	case ddCritical:
		m.pause = RiskPause
	case recovered:
		// Recovery: return to prior non-risk state.
		if m.pause == RiskPause || m.pause == DualLock || m.pause == EmergencySell {
			if m.taxLocked {
				m.pause = TaxLock
			} else {
				m.pause = Active
			}
		}
	}

	if m.pause != prev {
		log.Warn().
			Str("from", string(prev)).
			Str("to", string(m.pause)).
			Str("drawdown_pct", dd.StringFixed(4)).
			Msg("pause state transition")
	}
	metrics.UpdatePauseState(strings.ToLower(string(m.pause)))
}

// IsTradingAllowed reports whether any trading (buy or sell) may proceed.
func (m *Manager) IsTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pause != RiskPause && m.pause != DualLock
}

// PauseState returns the current pause state.
func (m *Manager) PauseState() PauseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pause
}

// CheckPriceVelocity feeds a new price observation into the circuit
// breaker's ring buffer and reports whether the breaker is (now or still)
// frozen. Freezes symmetrically on up and down moves; hysteresis requires
// both a calmer velocity and elapsed cooldown before unfreezing.
func (m *Manager) CheckPriceVelocity(price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.velocityRing = append(m.velocityRing, pricePoint{ts: now, price: price})
	cutoff := now.Add(-m.cfg.VelocityWindow)
	pruned := m.velocityRing[:0]
	for _, pp := range m.velocityRing {
		if pp.ts.After(cutoff) {
			pruned = append(pruned, pp)
		}
	}
	m.velocityRing = pruned

	velocity := decimal.Zero
	if len(m.velocityRing) >= 2 {
		oldest := m.velocityRing[0].price
		if oldest.IsPositive() {
			velocity = price.Sub(oldest).Div(oldest).Abs()
		}
	}

	if !m.circuitFrozen {
		if velocity.GreaterThanOrEqual(m.cfg.FreezePct) {
			m.circuitFrozen = true
			m.frozenAt = now
			log.Warn().Str("velocity", velocity.StringFixed(4)).Msg("circuit breaker frozen")
		}
	} else {
		calmEnough := velocity.LessThan(m.cfg.FreezePct.Mul(m.cfg.UnfreezeFactor))
		cooledDown := now.Sub(m.frozenAt) >= m.cfg.CooldownSec
		if calmEnough && cooledDown {
			m.circuitFrozen = false
			log.Info().Str("velocity", velocity.StringFixed(4)).Msg("circuit breaker unfrozen")
		}
	}

	return m.circuitFrozen
}
