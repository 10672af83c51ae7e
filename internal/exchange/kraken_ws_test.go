package exchange

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/engine"
)

func jsonNum(v uint32) json.Number {
	return json.Number(strconv.FormatUint(uint64(v), 10))
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func TestToLevelsSortsAscending(t *testing.T) {
	raw := []wsBookLevel{{Price: "50002", Qty: "1"}, {Price: "50001", Qty: "2"}}
	levels := toLevels(raw)
	if len(levels) != 2 || !levels[0].Price.Equal(decimal.RequireFromString("50001")) {
		t.Fatalf("expected ascending sort, got %+v", levels)
	}
}

func TestApplyBookDeltaInsertsAndDeletes(t *testing.T) {
	state := bookState{
		bids: []bookLevel{dlevel("49999", "1.0"), dlevel("49998", "2.0")},
		asks: []bookLevel{dlevel("50001", "1.0")},
	}

	applyBookDelta(&state, []bookLevel{dlevel("49998", "0")}, []bookLevel{dlevel("50002", "3.0")})

	if len(state.bids) != 1 || !state.bids[0].Price.Equal(decimal.RequireFromString("49999")) {
		t.Fatalf("expected zero-qty delta to delete the 49998 bid, got %+v", state.bids)
	}
	if len(state.asks) != 2 {
		t.Fatalf("expected new ask level inserted, got %+v", state.asks)
	}
}

func TestHandleBookPublishesSnapshotOnMatchingChecksum(t *testing.T) {
	p := newPublicWS(DefaultWSConfig())

	asks := []wsBookLevel{{Price: "50001", Qty: "1.0"}}
	bids := []wsBookLevel{{Price: "49999", Qty: "1.0"}}
	want := bookChecksum(toLevels(asks), toLevels(bids))

	data := []wsBookData{{Symbol: "XBT/USD", Bids: bids, Asks: asks, Checksum: jsonNum(want)}}
	raw := mustMarshal(map[string]any{"channel": "book", "type": "snapshot", "data": data})

	p.onMessage(raw)

	select {
	case snap := <-p.bookCh:
		if !snap.BestBid.Equal(decimal.RequireFromString("49999")) {
			t.Fatalf("unexpected best bid %s", snap.BestBid)
		}
	default:
		t.Fatalf("expected a book snapshot to be published")
	}
}

func TestHandleBookResubscribesOnChecksumMismatch(t *testing.T) {
	p := newPublicWS(DefaultWSConfig())

	asks := []wsBookLevel{{Price: "50001", Qty: "1.0"}}
	bids := []wsBookLevel{{Price: "49999", Qty: "1.0"}}

	data := []wsBookData{{Symbol: "XBT/USD", Bids: bids, Asks: asks, Checksum: jsonNum(999999)}}
	raw := mustMarshal(map[string]any{"channel": "book", "type": "snapshot", "data": data})

	p.onMessage(raw)

	select {
	case err := <-p.errCh:
		if err == nil {
			t.Fatalf("expected a checksum mismatch error")
		}
	default:
		t.Fatalf("expected checksum mismatch to surface on the error channel")
	}
	select {
	case <-p.bookCh:
		t.Fatalf("did not expect a snapshot to be published on mismatch")
	default:
	}
}

func TestHandleTradePublishesPrints(t *testing.T) {
	p := newPublicWS(DefaultWSConfig())
	data := []wsTradeData{{Symbol: "XBT/USD", Price: "50000", Qty: "0.25"}}
	raw := mustMarshal(map[string]any{"channel": "trade", "type": "update", "data": data})

	p.onMessage(raw)

	select {
	case tr := <-p.tradeCh:
		if !tr.Qty.Equal(decimal.RequireFromString("0.25")) {
			t.Fatalf("unexpected trade qty %s", tr.Qty)
		}
	default:
		t.Fatalf("expected a trade print to be published")
	}
}

func TestTranslateExecMapsEventKinds(t *testing.T) {
	cases := []struct {
		execType string
		wantKind engine.ExecEventKind
		wantOK   bool
	}{
		{"new", engine.EventNewAck, true},
		{"amended", engine.EventAmendAck, true},
		{"amend_rejected", engine.EventAmendAck, true},
		{"canceled", engine.EventCancelAck, true},
		{"filled", engine.EventTrade, true},
		{"rejected", engine.EventReject, true},
		{"unknown_type", "", false},
	}
	for _, tc := range cases {
		e := wsExecData{ExecType: tc.execType, OrderID: "O1", LastQty: "0.1", LastPrice: "50000", FeeUSD: "0.05"}
		ev, ok := translateExec(e)
		if ok != tc.wantOK {
			t.Errorf("%s: ok = %v, want %v", tc.execType, ok, tc.wantOK)
			continue
		}
		if ok && ev.Kind != tc.wantKind {
			t.Errorf("%s: kind = %s, want %s", tc.execType, ev.Kind, tc.wantKind)
		}
	}
}

func TestTranslateExecTradeParsesFillFields(t *testing.T) {
	e := wsExecData{ExecType: "trade", OrderID: "O1", LastQty: "0.5", LastPrice: "50000.25", FeeUSD: "1.23"}
	ev, ok := translateExec(e)
	if !ok {
		t.Fatalf("expected trade event to translate")
	}
	if !ev.FillQty.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected fill qty %s", ev.FillQty)
	}
	if !ev.FeeUSD.Equal(decimal.RequireFromString("1.23")) {
		t.Fatalf("unexpected fee %s", ev.FeeUSD)
	}
}

func TestTranslateExecTradeRejectsUnparseableFill(t *testing.T) {
	e := wsExecData{ExecType: "trade", OrderID: "O1", LastQty: "not-a-number", LastPrice: "50000"}
	_, ok := translateExec(e)
	if ok {
		t.Fatalf("expected unparseable fill quantity to fail translation")
	}
}
