// Package order implements the amend-first order-slot state machine, per
// spec.md §4.11. Grounded on order/order_manager.py (primary, near 1:1
// state-machine match) and internal/order/manager.go's mutex-guarded-map /
// zerolog-field idiom and diff-then-apply shape.
package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/ledger"
	"github.com/newplayman/market-maker-phoenix/internal/metrics"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// SlotState mirrors spec.md §4.11's exact transition table.
type SlotState string

const (
	Empty         SlotState = "EMPTY"
	PendingNew    SlotState = "PENDING_NEW"
	Live          SlotState = "LIVE"
	AmendPending  SlotState = "AMEND_PENDING"
	CancelPending SlotState = "CANCEL_PENDING"
)

// Epsilons per spec.md §4.11.
var (
	PriceEpsilon = decimal.NewFromFloat(0.1) // 1 tick, XBT/USD
	QtyEpsilon   = decimal.NewFromFloat(0.00000001)
)

// DesiredLevel is what the strategy wants at a given slot this tick.
type DesiredLevel struct {
	Side  Side
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Slot tracks one grid level's order lifecycle.
type Slot struct {
	SlotID int
	State  SlotState

	OrderID   string
	ClOrdID   string

	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	FilledQty decimal.Decimal

	PendingSince time.Time
	Desired      *DesiredLevel
}

// RemainingQty is the order's unfilled quantity.
func (s *Slot) RemainingQty() decimal.Decimal {
	return s.Qty.Sub(s.FilledQty)
}

// Action is what decide_action recommends the caller dispatch.
type Action struct {
	Kind     ActionKind
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Side     Side
	OrderID  string
	NewPrice *decimal.Decimal
	NewQty   *decimal.Decimal
}

// ActionKind enumerates decide_action's possible verdicts.
type ActionKind string

const (
	ActionNoop   ActionKind = "noop"
	ActionAdd    ActionKind = "add"
	ActionAmend  ActionKind = "amend"
	ActionCancel ActionKind = "cancel"
)

// ErrLedgerMismatch is raised when a sell fill cannot be recorded against
// the FIFO ledger (InsufficientLots); per spec.md §4.11 this must pause
// trading and require operator acknowledgement.
type ErrLedgerMismatch struct {
	OrderID string
	Cause   error
}

func (e *ErrLedgerMismatch) Error() string {
	return fmt.Sprintf("ledger mismatch on order %s: %v", e.OrderID, e.Cause)
}

func (e *ErrLedgerMismatch) Unwrap() error { return e.Cause }

// FillHandler is invoked for every trade execution event after the ledger
// has been updated; it is not invoked when the ledger write fails with a
// mismatch.
type FillHandler func(slot *Slot, qty, price, fee decimal.Decimal)

// Config holds the manager's tunables; PendingTimeout is spec.md's
// literal 1500ms (not the Python reference's 500ms default).
type Config struct {
	NumSlots       int
	PendingTimeout time.Duration
}

// DefaultConfig matches spec.md's literal numbers.
func DefaultConfig(numSlots int) Config {
	return Config{NumSlots: numSlots, PendingTimeout: 1500 * time.Millisecond}
}

// Manager owns order slots exclusively, per spec.md §3's ownership rule.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	ledger *ledger.Ledger

	slots []*Slot

	orderIDToSlot map[string]*Slot
	clOrdIDToSlot map[string]*Slot

	OrdersPlaced   int
	OrdersAmended  int
	OrdersCanceled int
	OrdersFilled   int
	AmendRejects   int
	TimeoutCancels int

	ledgerMismatch bool
	fillHandlers   []FillHandler
}

// New constructs a Manager with numSlots empty slots.
func New(cfg Config, L *ledger.Ledger) *Manager {
	slots := make([]*Slot, cfg.NumSlots)
	for i := range slots {
		slots[i] = &Slot{SlotID: i, State: Empty}
	}
	return &Manager{
		cfg:           cfg,
		ledger:        L,
		slots:         slots,
		orderIDToSlot: make(map[string]*Slot),
		clOrdIDToSlot: make(map[string]*Slot),
	}
}

// OnFill registers a callback invoked on every trade execution event.
func (m *Manager) OnFill(h FillHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillHandlers = append(m.fillHandlers, h)
}

// IsLedgerMismatched reports whether trading is paused awaiting operator
// acknowledgement of a FIFO ledger consistency failure.
func (m *Manager) IsLedgerMismatched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledgerMismatch
}

// AcknowledgeLedgerMismatch clears the pause, to be called only after an
// operator has reconciled the ledger.
func (m *Manager) AcknowledgeLedgerMismatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerMismatch = false
}

// Slots returns a snapshot of all slots.
func (m *Manager) Slots() []*Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Slot, len(m.slots))
	copy(out, m.slots)
	return out
}

// DecideAction implements spec.md §4.11's per-slot transition table.
func (m *Manager) DecideAction(slotID int, desired *DesiredLevel, now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slots[slotID]
	slot.Desired = desired

	switch slot.State {
	case Empty:
		if desired == nil {
			return Action{Kind: ActionNoop}
		}
		return Action{Kind: ActionAdd, Price: desired.Price, Qty: desired.Qty, Side: desired.Side}

	case PendingNew, AmendPending, CancelPending:
		elapsed := now.Sub(slot.PendingSince)
		if elapsed > m.cfg.PendingTimeout && slot.State != CancelPending {
			m.TimeoutCancels++
			log.Warn().Int("slot", slot.SlotID).Dur("elapsed", elapsed).Msg("pending timeout, forcing cancel")
			if slot.OrderID != "" {
				return Action{Kind: ActionCancel, OrderID: slot.OrderID}
			}
			// No new_ack ever arrived for this slot, so there is no
			// exchange-side order to cancel and no ack will ever resolve a
			// CANCEL_PENDING wait. Reset straight to EMPTY so the slot is
			// re-added on the next tick instead of being lost permanently.
			slot.State = Empty
			slot.ClOrdID = ""
			slot.OrderID = ""
		}
		return Action{Kind: ActionNoop}

	case Live:
		if desired == nil {
			return Action{Kind: ActionCancel, OrderID: slot.OrderID}
		}
		if slot.Side != desired.Side {
			// Side change requires cancel+add; next tick re-adds once EMPTY.
			return Action{Kind: ActionCancel, OrderID: slot.OrderID}
		}
		priceChanged := slot.Price.Sub(desired.Price).Abs().GreaterThan(PriceEpsilon)
		qtyChanged := slot.RemainingQty().Sub(desired.Qty).Abs().GreaterThan(QtyEpsilon)
		if !priceChanged && !qtyChanged {
			return Action{Kind: ActionNoop}
		}
		act := Action{Kind: ActionAmend, OrderID: slot.OrderID}
		if priceChanged {
			p := desired.Price
			act.NewPrice = &p
		}
		if qtyChanged {
			q := desired.Qty
			act.NewQty = &q
		}
		return act
	}
	return Action{Kind: ActionNoop}
}

// PrepareAdd transitions the slot to PENDING_NEW and returns a fresh
// client order ID for the dispatch.
func (m *Manager) PrepareAdd(slotID int, act Action, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slots[slotID]

	clOrdID := uuid.NewString()
	slot.State = PendingNew
	slot.PendingSince = now
	slot.ClOrdID = clOrdID
	slot.Side = act.Side
	slot.Price = act.Price
	slot.Qty = act.Qty
	slot.FilledQty = decimal.Zero

	m.clOrdIDToSlot[clOrdID] = slot
	m.OrdersPlaced++
	return clOrdID
}

// PrepareAmend transitions the slot to AMEND_PENDING.
func (m *Manager) PrepareAmend(slotID int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slots[slotID]
	slot.State = AmendPending
	slot.PendingSince = now
	m.OrdersAmended++
}

// PrepareCancel transitions the slot to CANCEL_PENDING. trigger labels the
// metric counter ("reprice", "risk_pause", "shutdown", "reconcile").
func (m *Manager) PrepareCancel(slotID int, now time.Time, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slots[slotID]
	slot.State = CancelPending
	slot.PendingSince = now
	m.OrdersCanceled++
	metrics.RecordCancel(trigger)
}

// OnNewAck handles the new_ack execution event.
func (m *Manager) OnNewAck(clOrdID, orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.clOrdIDToSlot[clOrdID]
	if !ok {
		log.Warn().Str("cl_ord_id", clOrdID).Msg("new_ack for unknown client order id")
		return
	}
	slot.State = Live
	slot.OrderID = orderID
	m.orderIDToSlot[orderID] = slot
	log.Info().Int("slot", slot.SlotID).Str("order_id", orderID).Msg("order live")
}

// OnAmendAck handles the amend_ack execution event.
func (m *Manager) OnAmendAck(orderID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.orderIDToSlot[orderID]
	if !ok {
		log.Warn().Str("order_id", orderID).Msg("amend_ack for unknown order id")
		return
	}
	if !success {
		slot.State = Live
		m.AmendRejects++
		log.Warn().Int("slot", slot.SlotID).Msg("amend rejected, reverting to live with unchanged params")
		return
	}
	slot.State = Live
	if slot.Desired != nil {
		if slot.Price.Sub(slot.Desired.Price).Abs().GreaterThan(PriceEpsilon) {
			slot.Price = slot.Desired.Price
		}
		if slot.RemainingQty().Sub(slot.Desired.Qty).Abs().GreaterThan(QtyEpsilon) {
			slot.Qty = slot.Desired.Qty.Add(slot.FilledQty)
		}
	}
}

// OnCancelAck handles the cancel_ack execution event.
func (m *Manager) OnCancelAck(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.orderIDToSlot[orderID]
	if !ok {
		log.Warn().Str("order_id", orderID).Msg("cancel_ack for unknown order id")
		return
	}
	slot.State = Empty
	m.cleanupSlotMapsLocked(slot)
}

// OnReject handles the reject execution event, reverting the slot to its
// last non-pending state and incrementing the reject counter.
func (m *Manager) OnReject(orderID, clOrdID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var slot *Slot
	if orderID != "" {
		slot = m.orderIDToSlot[orderID]
	}
	if slot == nil && clOrdID != "" {
		slot = m.clOrdIDToSlot[clOrdID]
	}
	if slot == nil {
		log.Warn().Str("order_id", orderID).Str("cl_ord_id", clOrdID).Msg("reject for unknown order")
		return
	}
	switch slot.State {
	case PendingNew:
		slot.State = Empty
		m.cleanupSlotMapsLocked(slot)
		metrics.RecordOrderReject("new_rejected")
	default:
		slot.State = Live
		metrics.RecordOrderReject("amend_rejected")
	}
}

// OnTrade handles a fill execution event: decrements live qty, forwards a
// normalized fill to the FIFO ledger, and frees the slot on full fill. A
// failed record_sell (InsufficientLots) pauses trading via ledgerMismatch
// instead of silently short-selling.
func (m *Manager) OnTrade(orderID string, fillQty, fillPrice, fee, eurUsdRate decimal.Decimal, now time.Time) error {
	m.mu.Lock()
	slot, ok := m.orderIDToSlot[orderID]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("order_id", orderID).Msg("fill for unknown order")
		return nil
	}
	slot.FilledQty = slot.FilledQty.Add(fillQty)
	isFullFill := slot.FilledQty.GreaterThanOrEqual(slot.Qty)
	side := slot.Side
	handlers := append([]FillHandler(nil), m.fillHandlers...)
	m.mu.Unlock()

	if side == Buy {
		m.ledger.RecordBuy(ledger.BuyTrade{
			VenueOrderID: orderID,
			FilledAt:     now,
			QtyBTC:       fillQty,
			PriceUSD:     fillPrice,
			FeeUSD:       fee,
			EurUsdRate:   eurUsdRate,
		})
	} else {
		if _, err := m.ledger.RecordSell(ledger.SellTrade{
			VenueOrderID: orderID,
			FilledAt:     now,
			QtyBTC:       fillQty,
			PriceUSD:     fillPrice,
			FeeUSD:       fee,
			EurUsdRate:   eurUsdRate,
		}); err != nil {
			m.mu.Lock()
			m.ledgerMismatch = true
			m.mu.Unlock()
			log.Error().Err(err).Str("order_id", orderID).Msg("ledger mismatch: pausing trading, alert operator")
			return &ErrLedgerMismatch{OrderID: orderID, Cause: err}
		}
	}

	metrics.RecordFill(string(side), fillQty.InexactFloat64())

	m.mu.Lock()
	if isFullFill {
		slot.State = Empty
		m.OrdersFilled++
		m.cleanupSlotMapsLocked(slot)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(slot, fillQty, fillPrice, fee)
	}
	return nil
}

func (m *Manager) cleanupSlotMapsLocked(slot *Slot) {
	if slot.OrderID != "" {
		delete(m.orderIDToSlot, slot.OrderID)
	}
	if slot.ClOrdID != "" {
		delete(m.clOrdIDToSlot, slot.ClOrdID)
	}
	slot.OrderID = ""
	slot.ClOrdID = ""
}

// ReconcileSnapshot is called at startup/reconnect with the exchange's
// reported open orders, per spec.md §4.13. Any exchange-side order not
// tracked locally is returned as an orphan to cancel; any local slot
// whose order the exchange does not report is reset to EMPTY.
func (m *Manager) ReconcileSnapshot(exchangeOpenOrderIDs []string) (orphans []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reported := make(map[string]bool, len(exchangeOpenOrderIDs))
	for _, id := range exchangeOpenOrderIDs {
		reported[id] = true
		if _, tracked := m.orderIDToSlot[id]; !tracked {
			orphans = append(orphans, id)
		}
	}

	for _, slot := range m.slots {
		if slot.OrderID != "" && !reported[slot.OrderID] {
			log.Warn().Int("slot", slot.SlotID).Str("order_id", slot.OrderID).Msg("local slot references unreported order, resetting to empty")
			m.cleanupSlotMapsLocked(slot)
			slot.State = Empty
		}
	}
	return orphans
}
