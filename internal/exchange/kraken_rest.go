package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// RESTConfig configures a restClient.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Pair       string // venue's wsname, e.g. "XBT/USD"
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// DefaultRESTConfig targets the production venue at a conservative request
// rate (the documented unauthenticated/intermediate-tier budget).
func DefaultRESTConfig(apiKey, apiSecret string) RESTConfig {
	return RESTConfig{
		BaseURL:    "https://api.kraken.com",
		APIKey:     apiKey,
		APISecret:  apiSecret,
		Pair:       "XBT/USD",
		Timeout:    10 * time.Second,
		RatePerSec: 1,
		Burst:      3,
	}
}

// restClient is the signed/unsigned REST transport, wrapped in a circuit
// breaker so a venue outage fails fast instead of stacking up retries
// against a REST endpoint that's already down (spec.md §7's
// ExchangeTransient handling).
type restClient struct {
	cfg     RESTConfig
	secret  []byte
	http    *http.Client
	limiter *restLimiter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

func newRESTClient(cfg RESTConfig) (*restClient, error) {
	secret, err := decodeSecret(cfg.APISecret)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rest",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("rest circuit breaker state change")
		},
	})

	return &restClient{
		cfg:     cfg,
		secret:  secret,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: newRESTLimiter(cfg.RatePerSec, cfg.Burst),
		breaker: breaker,
		retry:   DefaultRetryConfig(),
	}, nil
}

// do executes a signed private POST against path, retrying transient
// failures and tripping the breaker on sustained failure.
func (c *restClient) do(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body json.RawMessage
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, WithRetry(func() error {
			b, err := c.doOnce(ctx, path, params)
			if err != nil {
				return err
			}
			body = b
			return nil
		}, c.retry)
	})
	return body, err
}

func (c *restClient) doOnce(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	nonce := nextNonce()
	params.Set("nonce", nonce)
	postdata := encodeForm(params)

	sig, err := signRequest(path, nonce, postdata, c.secret)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBufferString(postdata))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, raw)
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response %s: %w", path, err)
	}
	if len(envelope.Error) > 0 {
		return nil, fmt.Errorf("%s: %v", path, envelope.Error)
	}
	return envelope.Result, nil
}

// addOrder places a new limit order and returns the venue-assigned order ID.
func (c *restClient) addOrder(ctx context.Context, clOrdID, side string, price, qty decimal.Decimal) (string, error) {
	params := url.Values{}
	params.Set("pair", c.cfg.Pair)
	params.Set("type", side)
	params.Set("ordertype", "limit")
	params.Set("price", price.String())
	params.Set("volume", qty.String())
	params.Set("oflags", "post")
	params.Set("userref", clOrdIDRef(clOrdID))

	raw, err := c.do(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return "", err
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode AddOrder result: %w", err)
	}
	if len(result.TxID) == 0 {
		return "", fmt.Errorf("AddOrder returned no order id")
	}
	return result.TxID[0], nil
}

// amendOrder edits an open order's price and/or volume in place.
func (c *restClient) amendOrder(ctx context.Context, orderID string, newPrice, newQty decimal.Decimal) error {
	params := url.Values{}
	params.Set("txid", orderID)
	params.Set("pair", c.cfg.Pair)
	if !newPrice.IsZero() {
		params.Set("price", newPrice.String())
	}
	if !newQty.IsZero() {
		params.Set("volume", newQty.String())
	}
	_, err := c.do(ctx, "/0/private/EditOrder", params)
	return err
}

// cancelOrder cancels a single open order.
func (c *restClient) cancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	_, err := c.do(ctx, "/0/private/CancelOrder", params)
	return err
}

// cancelAll cancels every open order on the account.
func (c *restClient) cancelAll(ctx context.Context) error {
	_, err := c.do(ctx, "/0/private/CancelAll", nil)
	return err
}

// cancelAllOrdersAfter arms (timeoutSec > 0) or disarms (timeoutSec == 0)
// the venue's dead-man's switch, per spec.md §4.12's heartbeat contract.
func (c *restClient) cancelAllOrdersAfter(ctx context.Context, timeoutSec int) error {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(timeoutSec))
	_, err := c.do(ctx, "/0/private/CancelAllOrdersAfter", params)
	return err
}

// openOrders reports every currently open order for the account.
func (c *restClient) openOrders(ctx context.Context) ([]openOrder, error) {
	raw, err := c.do(ctx, "/0/private/OpenOrders", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Open map[string]struct {
			Status      string `json:"status"`
			OpenTM      float64 `json:"opentm"`
			Descr       struct {
				Type  string `json:"type"`
				Price string `json:"price"`
			} `json:"descr"`
			Vol     string `json:"vol"`
			VolExec string `json:"vol_exec"`
		} `json:"open"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode OpenOrders result: %w", err)
	}

	orders := make([]openOrder, 0, len(result.Open))
	for txid, o := range result.Open {
		price, _ := decimal.NewFromString(o.Descr.Price)
		vol, _ := decimal.NewFromString(o.Vol)
		volExec, _ := decimal.NewFromString(o.VolExec)
		orders = append(orders, openOrder{
			OrderID:    txid,
			Status:     o.Status,
			Side:       o.Descr.Type,
			Price:      price,
			Volume:     vol,
			VolumeExec: volExec,
			OpenTime:   time.Unix(int64(o.OpenTM), 0),
		})
	}
	return orders, nil
}

// getWebSocketsToken mints a short-lived token for the private WS
// execution stream, per the venue's auth model for WS v2 private channels.
func (c *restClient) getWebSocketsToken(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, "/0/private/GetWebSocketsToken", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode GetWebSocketsToken result: %w", err)
	}
	return result.Token, nil
}

func clOrdIDRef(clOrdID string) string {
	// userref must be a signed 32-bit integer; fold the client order ID's
	// string hash into range rather than requiring callers to track one.
	var h int32
	for i := 0; i < len(clOrdID); i++ {
		h = h*31 + int32(clOrdID[i])
	}
	if h < 0 {
		h = -h
	}
	return strconv.Itoa(int(h))
}
