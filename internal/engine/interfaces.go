// Package engine wires every other package into the tick-driven
// orchestration pipeline and the startup/shutdown/reconnect sequence, per
// spec.md §4.12/§4.13. Grounded on strategy/strategy_loop.py (pipeline
// ordering, debounced-save pattern), lifecycle.py (startup/shutdown/
// reconnect sequence), and internal/runner/runner.go's
// (per-symbol goroutine + global-monitor wiring idiom) and
// internal/watchdog/watchdog.go (health hysteresis idiom).
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/ledger"
	"github.com/newplayman/market-maker-phoenix/internal/order"
	"github.com/newplayman/market-maker-phoenix/internal/rates"
)

// ExecEventKind is the discriminant of an ExecEvent, matching spec.md
// §4.11's execution-event handling contract.
type ExecEventKind string

const (
	EventNewAck   ExecEventKind = "new_ack"
	EventAmendAck ExecEventKind = "amend_ack"
	EventCancelAck ExecEventKind = "cancel_ack"
	EventTrade    ExecEventKind = "trade"
	EventReject   ExecEventKind = "reject"
)

// ExecEvent normalizes an execution report from the exchange collaborator,
// delivered in arrival order per spec.md §5.
type ExecEvent struct {
	Kind    ExecEventKind
	OrderID string
	ClOrdID string

	// AmendAck/Reject
	Success bool
	Reason  string

	// Trade
	FillQty   decimal.Decimal
	FillPrice decimal.Decimal
	FeeUSD    decimal.Decimal

	// Server-side rate-limiter counter, when the venue reports one
	// alongside this event (spec.md §4.2's reconciliation).
	ServerCounter decimal.Decimal
	HasCounter    bool
}

// BookSnapshot is a validated top-of-book plus the fields the regime/
// spacing/grid pipeline needs each tick.
type BookSnapshot struct {
	Mid, BestBid, BestAsk decimal.Decimal
	High, Low             decimal.Decimal
}

// TradePrint is a single executed trade on the venue, used to maintain the
// RegimeRouter's trailing VWAP.
type TradePrint struct {
	Price, Qty decimal.Decimal
}

// ExchangeSession is the abstract collaborator of spec.md §6. A concrete
// implementation lives in internal/exchange, adapted from a
// gateway.Exchange REST/WS adapter.
type ExchangeSession interface {
	Connect(ctx context.Context) error
	Close() error

	AddOrder(ctx context.Context, clOrdID string, side order.Side, price, qty decimal.Decimal) error
	AmendOrder(ctx context.Context, orderID string, newPrice, newQty decimal.Decimal) error
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	// CancelAfter arms (timeoutSec > 0) or disarms (timeoutSec == 0) the
	// venue's dead-man's switch.
	CancelAfter(ctx context.Context, timeoutSec int) error

	// SubscribeExecutions returns a channel of normalized execution events.
	// snapOrders requests an initial open-order snapshot be delivered as
	// synthetic new_ack events before live events flow.
	SubscribeExecutions(ctx context.Context, snapOrders bool) (<-chan ExecEvent, error)

	// OpenOrderIDs reports the venue's authoritative open-order set, used
	// by LifecycleCoordinator's reconciliation.
	OpenOrderIDs(ctx context.Context) ([]string, error)

	// SubscribeBook and SubscribeTrades are the market-data half of the
	// collaborator contract; there is no separate one-shot book request or
	// ticker subscription. BookSnapshot values
	// arrive on the returned channel with CRC32 validation already applied
	// by the implementation (a checksum mismatch triggers unsubscribe/
	// resubscribe internally and is surfaced as a BookChecksumMismatch
	// error on the error channel).
	SubscribeBook(ctx context.Context) (<-chan BookSnapshot, <-chan error, error)
	SubscribeTrades(ctx context.Context) (<-chan TradePrint, error)
}

// LedgerStore persists and restores FifoLedger state; internal/ledger's
// FileStore and SQLiteStore both implement it.
type LedgerStore = ledger.Store

// EurUsdRates is the rate-lookup collaborator of spec.md §6.
type EurUsdRates = rates.Lookup

// Notifier publishes user-visible state transitions (pause changes, order
// rejects, ledger mismatches) to whatever external channel the operator has
// wired (Telegram/HTTP/etc., explicitly out of scope per spec.md §1 beyond
// this contract).
type Notifier interface {
	Notify(event string, fields map[string]any)
}

// NoopNotifier discards all notifications; used when no operator channel is
// configured, and in tests.
type NoopNotifier struct{}

func (NoopNotifier) Notify(string, map[string]any) {}
