package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/engine"
	"github.com/newplayman/market-maker-phoenix/internal/order"
)

// WSConfig configures the public and private WebSocket clients.
type WSConfig struct {
	PublicURL  string
	PrivateURL string
	Pair       string // wsname, e.g. "XBT/USD"
}

// DefaultWSConfig targets the production venue's WS v2 endpoints.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		PublicURL:  "wss://ws.kraken.com/v2",
		PrivateURL: "wss://ws-auth.kraken.com/v2",
		Pair:       "XBT/USD",
	}
}

// publicWS owns the book and trade subscriptions, reassembling the book
// checksum-validated top-of-book on every update.
type publicWS struct {
	cfg WSConfig
	mgr *WSReconnectManager

	mu   sync.Mutex
	book bookState

	bookCh  chan engine.BookSnapshot
	errCh   chan error
	tradeCh chan engine.TradePrint
}

func newPublicWS(cfg WSConfig) *publicWS {
	p := &publicWS{
		cfg:     cfg,
		bookCh:  make(chan engine.BookSnapshot, 64),
		errCh:   make(chan error, 8),
		tradeCh: make(chan engine.TradePrint, 64),
	}
	p.mgr = NewWSReconnectManager(cfg.PublicURL, DefaultWSReconnectConfig())
	p.mgr.SetCallbacks(nil, p.onDisconnect, p.onMessage, p.onError)
	return p
}

func (p *publicWS) start() error {
	return p.mgr.Start()
}

func (p *publicWS) stop() error {
	return p.mgr.Stop()
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type wsBookLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type wsBookData struct {
	Symbol   string        `json:"symbol"`
	Bids     []wsBookLevel `json:"bids"`
	Asks     []wsBookLevel `json:"asks"`
	Checksum json.Number   `json:"checksum"`
}

type wsTradeData struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Qty    string `json:"qty"`
}

func (p *publicWS) onMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return // heartbeats/acks aren't data envelopes; ignore silently
	}

	switch env.Channel {
	case "book":
		p.handleBook(env)
	case "trade":
		p.handleTrade(env)
	}
}

func (p *publicWS) handleBook(env wsEnvelope) {
	var entries []wsBookData
	if err := json.Unmarshal(env.Data, &entries); err != nil || len(entries) == 0 {
		return
	}
	d := entries[0]

	p.mu.Lock()
	if env.Type == "snapshot" {
		p.book.bids = mergeLevels(nil, toLevels(d.Bids), true)
		p.book.asks = toLevels(d.Asks)
	} else {
		applyBookDelta(&p.book, toLevels(d.Bids), toLevels(d.Asks))
	}
	bids, asks := append([]bookLevel(nil), p.book.bids...), append([]bookLevel(nil), p.book.asks...)
	p.mu.Unlock()

	if d.Checksum.String() != "" {
		if err := validateChecksum(d.Symbol, asks, bids, d.Checksum.String()); err != nil {
			log.Warn().Str("pair", d.Symbol).Msg("book checksum mismatch, resubscribing")
			select {
			case p.errCh <- err:
			default:
			}
			p.resubscribeBook()
			return
		}
	}

	if len(bids) == 0 || len(asks) == 0 {
		return
	}
	snap := engine.BookSnapshot{
		BestBid: bids[0].Price,
		BestAsk: asks[0].Price,
		Mid:     bids[0].Price.Add(asks[0].Price).Div(decimal.NewFromInt(2)),
	}
	snap.High, snap.Low = snap.Mid, snap.Mid
	select {
	case p.bookCh <- snap:
	default:
	}
}

func (p *publicWS) handleTrade(env wsEnvelope) {
	var trades []wsTradeData
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return
	}
	for _, t := range trades {
		price, err1 := decimal.NewFromString(t.Price)
		qty, err2 := decimal.NewFromString(t.Qty)
		if err1 != nil || err2 != nil {
			continue
		}
		select {
		case p.tradeCh <- engine.TradePrint{Price: price, Qty: qty}:
		default:
		}
	}
}

func (p *publicWS) onDisconnect(err error) {
	if err != nil {
		log.Warn().Err(err).Msg("public ws disconnected")
	}
}

func (p *publicWS) onError(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}

// resubscribeBook re-sends the book subscription so the venue replays a
// fresh snapshot, per spec.md §6's checksum-mismatch recovery contract.
func (p *publicWS) resubscribeBook() {
	unsub := map[string]any{"method": "unsubscribe", "params": map[string]any{"channel": "book", "symbol": []string{p.cfg.Pair}}}
	sub := map[string]any{"method": "subscribe", "params": map[string]any{"channel": "book", "symbol": []string{p.cfg.Pair}, "depth": checksumDepth}}
	if b, err := json.Marshal(unsub); err == nil {
		_ = p.mgr.Send(b)
	}
	if b, err := json.Marshal(sub); err == nil {
		_ = p.mgr.Send(b)
	}
}

func (p *publicWS) subscribe() error {
	sub := map[string]any{"method": "subscribe", "params": map[string]any{"channel": "book", "symbol": []string{p.cfg.Pair}, "depth": checksumDepth}}
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := p.mgr.Send(b); err != nil {
		return err
	}
	subTrade := map[string]any{"method": "subscribe", "params": map[string]any{"channel": "trade", "symbol": []string{p.cfg.Pair}}}
	b2, err := json.Marshal(subTrade)
	if err != nil {
		return err
	}
	return p.mgr.Send(b2)
}

func toLevels(raw []wsBookLevel) []bookLevel {
	out := make([]bookLevel, 0, len(raw))
	for _, r := range raw {
		price, err1 := decimal.NewFromString(r.Price)
		qty, err2 := decimal.NewFromString(r.Qty)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, bookLevel{Price: price, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

// applyBookDelta merges an incremental update into the locally maintained
// book: a zero quantity deletes the level, otherwise it's inserted/replaced.
func applyBookDelta(state *bookState, bidDeltas, askDeltas []bookLevel) {
	state.bids = mergeLevels(state.bids, bidDeltas, true)
	state.asks = mergeLevels(state.asks, askDeltas, false)
}

func mergeLevels(existing, deltas []bookLevel, descending bool) []bookLevel {
	byPrice := make(map[string]bookLevel, len(existing))
	for _, lv := range existing {
		byPrice[lv.Price.String()] = lv
	}
	for _, d := range deltas {
		key := d.Price.String()
		if d.Qty.IsZero() {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = d
	}
	out := make([]bookLevel, 0, len(byPrice))
	for _, lv := range byPrice {
		out = append(out, lv)
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	}
	if len(out) > checksumDepth {
		out = out[:checksumDepth]
	}
	return out
}

// privateWS streams authenticated execution events.
type privateWS struct {
	rest  *restClient
	mgr   *WSReconnectManager
	evCh  chan engine.ExecEvent
	token string
}

func newPrivateWS(cfg WSConfig, rest *restClient) *privateWS {
	p := &privateWS{rest: rest, evCh: make(chan engine.ExecEvent, 256)}
	p.mgr = NewWSReconnectManager(cfg.PrivateURL, DefaultWSReconnectConfig())
	p.mgr.SetCallbacks(nil, p.onDisconnect, p.onMessage, nil)
	return p
}

func (p *privateWS) start(ctx context.Context, snapOrders bool) error {
	token, err := p.rest.getWebSocketsToken(ctx)
	if err != nil {
		return fmt.Errorf("get ws token: %w", err)
	}
	p.token = token
	if err := p.mgr.Start(); err != nil {
		return err
	}
	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{"channel": "executions", "token": token, "snap_orders": snapOrders},
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return p.mgr.Send(b)
}

func (p *privateWS) stop() error {
	return p.mgr.Stop()
}

func (p *privateWS) onDisconnect(err error) {
	if err != nil {
		log.Warn().Err(err).Msg("private ws disconnected")
	}
}

type wsExecData struct {
	ExecType      string `json:"exec_type"`
	OrderID       string `json:"order_id"`
	ClOrdID       string `json:"cl_ord_id"`
	OrderStatus   string `json:"order_status"`
	Side          string `json:"side"`
	LastQty       string `json:"last_qty"`
	LastPrice     string `json:"last_price"`
	FeeUSD        string `json:"fee_usd"`
	Reason        string `json:"reason"`
	SeqNum        json.Number `json:"sequence"`
}

func (p *privateWS) onMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Channel != "executions" {
		return
	}
	var execs []wsExecData
	if err := json.Unmarshal(env.Data, &execs); err != nil {
		return
	}
	for _, e := range execs {
		ev, ok := translateExec(e)
		if !ok {
			continue
		}
		select {
		case p.evCh <- ev:
		default:
			log.Error().Str("order_id", e.OrderID).Msg("execution event channel full, dropping")
		}
	}
}

func translateExec(e wsExecData) (engine.ExecEvent, bool) {
	ev := engine.ExecEvent{OrderID: e.OrderID, ClOrdID: e.ClOrdID, Reason: e.Reason}
	if seq, err := e.SeqNum.Int64(); err == nil {
		ev.ServerCounter = decimal.NewFromInt(seq)
		ev.HasCounter = true
	}

	switch e.ExecType {
	case "new":
		ev.Kind = engine.EventNewAck
		ev.Success = true
	case "amended":
		ev.Kind = engine.EventAmendAck
		ev.Success = true
	case "amend_rejected":
		ev.Kind = engine.EventAmendAck
		ev.Success = false
	case "canceled", "cancelled", "expired":
		ev.Kind = engine.EventCancelAck
	case "trade", "filled", "partially_filled":
		ev.Kind = engine.EventTrade
		qty, err1 := decimal.NewFromString(e.LastQty)
		price, err2 := decimal.NewFromString(e.LastPrice)
		fee, _ := decimal.NewFromString(e.FeeUSD)
		if err1 != nil || err2 != nil {
			return ev, false
		}
		ev.FillQty, ev.FillPrice, ev.FeeUSD = qty, price, fee
	case "rejected":
		ev.Kind = engine.EventReject
	default:
		return ev, false
	}
	return ev, true
}

// sideString converts order.Side to the venue's lowercase wire value.
func sideString(s order.Side) string {
	switch s {
	case order.Buy:
		return "buy"
	case order.Sell:
		return "sell"
	default:
		return ""
	}
}

func parseDecimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
