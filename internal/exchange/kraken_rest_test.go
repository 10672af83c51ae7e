package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testRESTConfig(baseURL string) RESTConfig {
	return RESTConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		APISecret:  base64.StdEncoding.EncodeToString([]byte("test-secret")),
		Pair:       "XBTUSD",
		Timeout:    2 * time.Second,
		RatePerSec: 100,
		Burst:      10,
	}
}

func TestAddOrderReturnsTxID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/AddOrder" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("API-Key") == "" || r.Header.Get("API-Sign") == "" {
			t.Fatalf("expected signed request headers")
		}
		_ = r.ParseForm()
		if r.Form.Get("oflags") != "post" {
			t.Fatalf("expected post-only oflags, got %s", r.Form.Get("oflags"))
		}
		w.Write([]byte(`{"error":[],"result":{"txid":["O1234-ABCDE"]}}`))
	}))
	defer ts.Close()

	c, err := newRESTClient(testRESTConfig(ts.URL))
	if err != nil {
		t.Fatalf("newRESTClient: %v", err)
	}
	id, err := c.addOrder(context.Background(), "cl-1", "buy", decimal.RequireFromString("50000"), decimal.RequireFromString("0.1"))
	if err != nil {
		t.Fatalf("addOrder: %v", err)
	}
	if id != "O1234-ABCDE" {
		t.Fatalf("expected txid O1234-ABCDE, got %s", id)
	}
}

func TestAddOrderSurfacesVenueError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EOrder:Insufficient funds"],"result":null}`))
	}))
	defer ts.Close()

	cfg := testRESTConfig(ts.URL)
	c, err := newRESTClient(cfg)
	if err != nil {
		t.Fatalf("newRESTClient: %v", err)
	}
	_, err = c.addOrder(context.Background(), "cl-1", "buy", decimal.RequireFromString("50000"), decimal.RequireFromString("0.1"))
	if err == nil {
		t.Fatalf("expected error from venue error envelope")
	}
}

func TestOpenOrdersParsesNestedMap(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"error": []string{},
			"result": map[string]any{
				"open": map[string]any{
					"O1": map[string]any{
						"status": "open",
						"opentm": 1700000000,
						"descr":  map[string]any{"type": "buy", "price": "50000.0"},
						"vol":    "0.10000000",
						"vol_exec": "0.00000000",
					},
				},
			},
		}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c, err := newRESTClient(testRESTConfig(ts.URL))
	if err != nil {
		t.Fatalf("newRESTClient: %v", err)
	}
	orders, err := c.openOrders(context.Background())
	if err != nil {
		t.Fatalf("openOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "O1" {
		t.Fatalf("expected one order with id O1, got %+v", orders)
	}
	if orders[0].Side != "buy" {
		t.Fatalf("expected side buy, got %s", orders[0].Side)
	}
}

func TestGetWebSocketsTokenReturnsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{"token":"abc123","expires":900}}`))
	}))
	defer ts.Close()

	c, err := newRESTClient(testRESTConfig(ts.URL))
	if err != nil {
		t.Fatalf("newRESTClient: %v", err)
	}
	tok, err := c.getWebSocketsToken(context.Background())
	if err != nil {
		t.Fatalf("getWebSocketsToken: %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("expected token abc123, got %s", tok)
	}
}

func TestClOrdIDRefIsStableAndPositive(t *testing.T) {
	a := clOrdIDRef("order-123")
	b := clOrdIDRef("order-123")
	if a != b {
		t.Fatalf("expected stable hash for identical input")
	}
	if clOrdIDRef("order-124") == a {
		t.Fatalf("expected different hash for different input")
	}
	if n, err := strconv.Atoi(a); err != nil || n <= 0 {
		t.Fatalf("expected a positive integer userref, got %s", a)
	}
}
