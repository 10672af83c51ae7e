package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-maker-phoenix/internal/metrics"
)

// ShutdownDeadline bounds graceful shutdown, per spec.md §4.13.
const ShutdownDeadline = 5 * time.Second

// DMSArmSeconds is the dead-man's-switch timeout armed on startup and after
// every reconnect: if the process disappears without disarming it, the
// venue cancels every resting order on its own after this many seconds.
const DMSArmSeconds = 30

// LifecycleCoordinator owns the startup, reconnect, and graceful-shutdown
// sequences around a StrategyLoop, per spec.md §4.13. Grounded on
// lifecycle.py's LifecycleManager and Runner.Start/Stop's
// connect-then-reconcile-then-run shape.
type LifecycleCoordinator struct {
	loop     *StrategyLoop
	exchange ExchangeSession
	store    LedgerStore
	notifier Notifier
}

// NewLifecycleCoordinator constructs a coordinator for an already-wired
// StrategyLoop.
func NewLifecycleCoordinator(loop *StrategyLoop, exchange ExchangeSession, store LedgerStore, notifier Notifier) *LifecycleCoordinator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &LifecycleCoordinator{loop: loop, exchange: exchange, store: store, notifier: notifier}
}

// Startup runs spec.md §4.13's startup sequence: load the ledger, connect,
// snapshot open orders, reconcile local slot state against the venue's
// authoritative view, then arm the dead-man's switch. It returns once the
// loop is ready to be ticked.
func (c *LifecycleCoordinator) Startup(ctx context.Context) error {
	if err := c.store.Load(c.loop.ledger); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	log.Info().Int("open_lots", len(c.loop.ledger.OpenLots())).Msg("ledger loaded")

	if err := c.exchange.Connect(ctx); err != nil {
		return fmt.Errorf("connect exchange: %w", err)
	}
	log.Info().Msg("exchange connected")

	if err := c.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile open orders: %w", err)
	}

	if err := c.exchange.CancelAfter(ctx, DMSArmSeconds); err != nil {
		return fmt.Errorf("arm dead-man's switch: %w", err)
	}
	log.Info().Int("timeout_sec", DMSArmSeconds).Msg("dead-man's switch armed")

	return nil
}

// Reconnect re-runs the same reconciliation Startup does, without reloading
// the ledger from disk (it is already the in-memory source of truth), then
// re-arms the DMS. Called whenever the exchange collaborator reports its
// connection was dropped and re-established.
func (c *LifecycleCoordinator) Reconnect(ctx context.Context) error {
	if err := c.exchange.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect exchange: %w", err)
	}
	if err := c.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile after reconnect: %w", err)
	}
	if err := c.exchange.CancelAfter(ctx, DMSArmSeconds); err != nil {
		return fmt.Errorf("re-arm dead-man's switch: %w", err)
	}
	c.notifier.Notify("reconnected", nil)
	return nil
}

// reconcile fetches the venue's authoritative open-order set and applies it
// to the order manager: any exchange-side order not tracked locally is an
// orphan and gets cancelled; any local slot referencing an order the
// exchange no longer reports is reset to empty by ReconcileSnapshot itself.
func (c *LifecycleCoordinator) reconcile(ctx context.Context) error {
	openIDs, err := c.exchange.OpenOrderIDs(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	orphans := c.loop.orderMgr.ReconcileSnapshot(openIDs)
	for _, orphanID := range orphans {
		log.Warn().Str("order_id", orphanID).Msg("cancelling orphaned exchange order not tracked locally")
		if err := c.exchange.CancelOrder(ctx, orphanID); err != nil {
			log.Error().Err(err).Str("order_id", orphanID).Msg("failed to cancel orphaned order")
		}
		metrics.RecordCancel("reconcile")
	}

	if _, err := c.exchange.SubscribeExecutions(ctx, true); err != nil {
		return fmt.Errorf("subscribe executions: %w", err)
	}

	return nil
}

// Shutdown runs spec.md §4.13's graceful-shutdown sequence, bounded by
// ShutdownDeadline: cancel every live/pending order, disarm the dead-man's
// switch, persist the ledger synchronously, then close the exchange
// session. Called on SIGINT/SIGTERM by the process entrypoint.
func (c *LifecycleCoordinator) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, ShutdownDeadline)
	defer cancel()

	log.Info().Msg("shutdown: draining, cancelling all resting orders")
	c.loop.cancelEverything(ctx, time.Now(), "shutdown")
	if err := c.exchange.CancelAllOrders(ctx); err != nil {
		log.Error().Err(err).Msg("cancel-all failed during shutdown")
	}

	if err := c.exchange.CancelAfter(ctx, 0); err != nil {
		log.Error().Err(err).Msg("failed to disarm dead-man's switch during shutdown")
	}

	c.loop.WaitForPersist()
	if err := c.store.Save(c.loop.ledger); err != nil {
		log.Error().Err(err).Msg("final ledger save failed during shutdown")
	} else {
		log.Info().Msg("ledger persisted")
	}

	if err := c.exchange.Close(); err != nil {
		return fmt.Errorf("close exchange: %w", err)
	}
	log.Info().Msg("shutdown complete")
	return nil
}
