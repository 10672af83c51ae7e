package exchange

// Package exchange implements engine.ExchangeSession against a Kraken-style
// venue: signed REST for order management, WS v2 for public book/trade
// market data and the authenticated execution stream. Grounded on the
// prior internal/exchange package (adapter.go's REST+WS composition
// shape, ws_reconnect.go's backoff/heartbeat loop, rest_retry.go's
// error-classification idiom, time_sync.go's clock-offset tracker),
// generalized away from Binance's futures-specific auth and wire formats to
// Kraken's nonce/HMAC-SHA512 REST signing and WS v2 checksum book
// validation, per spec.md §6.

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/engine"
	"github.com/newplayman/market-maker-phoenix/internal/order"
)

// Config bundles the REST and WS configuration needed to build a session.
type Config struct {
	REST RESTConfig
	WS   WSConfig
}

// DefaultConfig builds a production-venue configuration from a key pair.
func DefaultConfig(apiKey, apiSecret string) Config {
	return Config{
		REST: DefaultRESTConfig(apiKey, apiSecret),
		WS:   DefaultWSConfig(),
	}
}

// KrakenSession is the concrete engine.ExchangeSession collaborator.
type KrakenSession struct {
	cfg     Config
	rest    *restClient
	public  *publicWS
	private *privateWS
}

// New builds a KrakenSession; callers must still invoke Connect before use.
func New(cfg Config) (*KrakenSession, error) {
	rest, err := newRESTClient(cfg.REST)
	if err != nil {
		return nil, fmt.Errorf("build rest client: %w", err)
	}
	return &KrakenSession{
		cfg:     cfg,
		rest:    rest,
		public:  newPublicWS(cfg.WS),
		private: newPrivateWS(cfg.WS, rest),
	}, nil
}

// Connect starts the public market-data stream. The private execution
// stream is started lazily by SubscribeExecutions, since it needs a
// freshly minted WS token and the caller's snap_orders preference.
func (s *KrakenSession) Connect(ctx context.Context) error {
	if err := s.public.start(); err != nil {
		return fmt.Errorf("start public ws: %w", err)
	}
	if err := s.public.subscribe(); err != nil {
		return fmt.Errorf("subscribe public channels: %w", err)
	}
	return nil
}

// Close tears down both WebSocket connections.
func (s *KrakenSession) Close() error {
	var firstErr error
	if err := s.public.stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.private.stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AddOrder places a new post-only limit order.
func (s *KrakenSession) AddOrder(ctx context.Context, clOrdID string, side order.Side, price, qty decimal.Decimal) error {
	_, err := s.rest.addOrder(ctx, clOrdID, sideString(side), price, qty)
	return err
}

// AmendOrder edits an open order's price/quantity in place.
func (s *KrakenSession) AmendOrder(ctx context.Context, orderID string, newPrice, newQty decimal.Decimal) error {
	return s.rest.amendOrder(ctx, orderID, newPrice, newQty)
}

// CancelOrder cancels a single open order.
func (s *KrakenSession) CancelOrder(ctx context.Context, orderID string) error {
	return s.rest.cancelOrder(ctx, orderID)
}

// CancelAllOrders cancels every open order on the account.
func (s *KrakenSession) CancelAllOrders(ctx context.Context) error {
	return s.rest.cancelAll(ctx)
}

// CancelAfter arms or disarms the venue's dead-man's switch.
func (s *KrakenSession) CancelAfter(ctx context.Context, timeoutSec int) error {
	return s.rest.cancelAllOrdersAfter(ctx, timeoutSec)
}

// SubscribeExecutions starts (if not already running) the private
// execution stream and returns its normalized event channel.
func (s *KrakenSession) SubscribeExecutions(ctx context.Context, snapOrders bool) (<-chan engine.ExecEvent, error) {
	if err := s.private.start(ctx, snapOrders); err != nil {
		return nil, fmt.Errorf("start private ws: %w", err)
	}
	return s.private.evCh, nil
}

// OpenOrderIDs reports the venue's authoritative open-order set.
func (s *KrakenSession) OpenOrderIDs(ctx context.Context) ([]string, error) {
	orders, err := s.rest.openOrders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	return ids, nil
}

// SubscribeBook returns the checksum-validated top-of-book channel and an
// error channel that receives ErrBookChecksumMismatch whenever the venue's
// reported checksum disagrees with the locally maintained book (the
// implementation unsubscribes/resubscribes internally before surfacing it).
func (s *KrakenSession) SubscribeBook(ctx context.Context) (<-chan engine.BookSnapshot, <-chan error, error) {
	return s.public.bookCh, s.public.errCh, nil
}

// SubscribeTrades returns the public trade-print channel.
func (s *KrakenSession) SubscribeTrades(ctx context.Context) (<-chan engine.TradePrint, error) {
	return s.public.tradeCh, nil
}

var _ engine.ExchangeSession = (*KrakenSession)(nil)
