// Package exchange implements engine.ExchangeSession against a Kraken-style
// venue: REST for order placement/cancellation and the dead-man's switch,
// WebSocket v2 for the public book/trade streams and the private execution
// stream. Grounded on the prior internal/exchange package (adapter.go's
// REST+WS composition shape, ws_reconnect.go's backoff/heartbeat loop,
// rest_retry.go's error-classification idiom, time_sync.go's clock-offset
// tracker) generalized away from Binance's futures-specific auth and wire
// formats to Kraken's nonce/HMAC-SHA512 REST signing and WS v2 checksum
// book validation, per spec.md §6.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// openOrder is Kraken's OpenOrders response shape, trimmed to the fields
// LifecycleCoordinator's reconciliation needs.
type openOrder struct {
	OrderID     string
	Status      string
	Side        string
	Price       decimal.Decimal
	Volume      decimal.Decimal
	VolumeExec  decimal.Decimal
	OpenTime    time.Time
}

// bookLevel is one price/qty pair as reported on the WS book channel.
type bookLevel struct {
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Sequence uint64
}

// bookState is the locally maintained top-N book used for checksum
// validation, keyed by price.
type bookState struct {
	bids []bookLevel
	asks []bookLevel
}

// ErrBookChecksumMismatch is surfaced on SubscribeBook's error channel when
// a computed checksum disagrees with the venue's, per spec.md §6.
type ErrBookChecksumMismatch struct {
	Pair string
}

func (e *ErrBookChecksumMismatch) Error() string {
	return "book checksum mismatch on " + e.Pair + ", resyncing"
}
