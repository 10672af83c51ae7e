// Package metrics exposes the bot's Prometheus surface: inventory
// allocation, drawdown/pause state, ledger and tax position, rate-limiter
// headroom, and order-flow counters. Grounded on
// internal/metrics/metrics.go (gauge/counter vec registration idiom,
// StartMetricsServer's ephemeral-port listener), generalized from its
// per-symbol futures metrics to this bot's single-pair spot + tax domain.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Inventory / allocation
	BTCAllocationPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_btc_allocation_pct",
			Help: "current BTC allocation as a fraction of portfolio value",
		},
	)

	PortfolioValueUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_portfolio_value_usd",
			Help: "total portfolio value in USD",
		},
	)

	InventorySkewBps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_inventory_skew_bps",
			Help: "spacing skew applied for inventory deviation from target allocation",
		},
	)

	// Risk / pause state
	DrawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_drawdown_pct",
			Help: "drawdown from the risk manager's equity high-water mark",
		},
	)

	PauseState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phoenix_pause_state",
			Help: "1 if the bot is currently in the named pause state, else 0",
		},
		[]string{"state"}, // active, tax_lock, risk_pause, dual_lock, emergency_sell
	)

	CircuitBreakerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_circuit_breaker_active",
			Help: "1 if the price-velocity circuit breaker is currently frozen",
		},
	)

	// Market regime / spacing
	Regime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phoenix_regime",
			Help: "1 if the named regime tag is currently active, else 0",
		},
		[]string{"tag"}, // range_bound, trending_up, trending_down, chaos
	)

	SpacingBps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_spacing_bps",
			Help: "current blended Bollinger/ATR grid spacing in bps",
		},
	)

	// Ledger / tax
	LedgerLotsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_ledger_lots_open",
			Help: "number of open FIFO tax lots",
		},
	)

	FifoGainEURYTD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_fifo_gain_eur_ytd",
			Help: "realized FIFO gain/loss in EUR for the current tax year",
		},
	)

	AnnualExemptionRemainingEUR = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_annual_exemption_remaining_eur",
			Help: "remaining §23 EStG annual exemption in EUR for the current tax year",
		},
	)

	WashSaleCooldownActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_wash_sale_cooldown_active",
			Help: "1 if buy-side order emission is currently blocked by the wash-sale cooldown",
		},
	)

	// Order flow / rate limiter
	RateLimiterCounter = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_rate_limiter_counter",
			Help: "current local rate-limiter counter value",
		},
	)

	OrderRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_order_rejects_total",
			Help: "total order rejections by reason",
		},
		[]string{"reason"},
	)

	FillCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_fill_count_total",
			Help: "total fills by side",
		},
		[]string{"side"},
	)

	FillVolumeBTC = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_fill_volume_btc_total",
			Help: "total filled volume in BTC by side",
		},
		[]string{"side"},
	)

	CancelCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_cancel_count_total",
			Help: "total cancels by trigger",
		},
		[]string{"trigger"}, // reprice, risk_pause, shutdown, reconcile
	)

	// Market data / book health
	MidPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_mid_price",
			Help: "last validated mid price",
		},
	)

	BookChecksumMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenix_book_checksum_mismatches_total",
			Help: "total CRC32 book checksum mismatches triggering a resubscribe",
		},
	)

	// System
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phoenix_tick_duration_seconds",
			Help:    "time spent in one StrategyLoop tick pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phoenix_api_latency_seconds",
			Help:    "exchange REST call latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"endpoint", "status"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_error_count_total",
			Help: "error counts by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		BTCAllocationPct,
		PortfolioValueUSD,
		InventorySkewBps,
		DrawdownPct,
		PauseState,
		CircuitBreakerActive,
		Regime,
		SpacingBps,
		LedgerLotsOpen,
		FifoGainEURYTD,
		AnnualExemptionRemainingEUR,
		WashSaleCooldownActive,
		RateLimiterCounter,
		OrderRejectsTotal,
		FillCount,
		FillVolumeBTC,
		CancelCount,
		MidPrice,
		BookChecksumMismatches,
		TickDuration,
		APILatency,
		ErrorCount,
	)
}

// StartMetricsServer starts the Prometheus HTTP server and returns the
// actual listening port (useful when port is 0, for tests).
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	log.Info().Int("port", actualPort).Msg("metrics server starting")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return actualPort, nil
}

// RecordFill updates the fill-count and fill-volume metrics after a trade
// execution event.
func RecordFill(side string, qtyBTC float64) {
	FillCount.WithLabelValues(side).Inc()
	FillVolumeBTC.WithLabelValues(side).Add(qtyBTC)
}

// RecordCancel tags a cancellation with the reason it was issued, so
// reprice churn can be distinguished from risk/shutdown-driven cancels.
func RecordCancel(trigger string) {
	CancelCount.WithLabelValues(trigger).Inc()
}

// RecordOrderReject tags an order rejection by the reason the venue or a
// local gate reported.
func RecordOrderReject(reason string) {
	OrderRejectsTotal.WithLabelValues(reason).Inc()
}

// RecordError increments the error counter for kind (e.g. "ledger_mismatch",
// "exchange_transient", "config_invalid").
func RecordError(kind string) {
	ErrorCount.WithLabelValues(kind).Inc()
}

// allPauseStates lists every value PauseState can report, so
// UpdatePauseState can zero out every state but the active one on each
// call instead of leaving stale 1s behind.
var allPauseStates = []string{"active", "tax_lock", "risk_pause", "dual_lock", "emergency_sell"}

// UpdatePauseState sets the named current pause state to 1 and every other
// known state to 0.
func UpdatePauseState(active string) {
	for _, s := range allPauseStates {
		v := 0.0
		if s == active {
			v = 1.0
		}
		PauseState.WithLabelValues(s).Set(v)
	}
}

// allRegimeTags mirrors UpdatePauseState's zero-the-rest behavior for the
// mutually exclusive regime classification.
var allRegimeTags = []string{"range_bound", "trending_up", "trending_down", "chaos"}

// UpdateRegime sets the named current regime tag to 1 and every other
// known tag to 0.
func UpdateRegime(active string) {
	for _, tag := range allRegimeTags {
		v := 0.0
		if tag == active {
			v = 1.0
		}
		Regime.WithLabelValues(tag).Set(v)
	}
}

// UpdateInventoryMetrics updates the allocation/portfolio-value/skew gauges
// together, since they're always computed from the same InventoryArbiter
// snapshot.
func UpdateInventoryMetrics(allocationPct, portfolioValueUSD, skewBps float64) {
	BTCAllocationPct.Set(allocationPct)
	PortfolioValueUSD.Set(portfolioValueUSD)
	InventorySkewBps.Set(skewBps)
}

// UpdateLedgerMetrics updates the FIFO ledger/tax gauges together, since
// they're always computed from the same ledger snapshot.
func UpdateLedgerMetrics(openLots int, fifoGainEURYTD, exemptionRemainingEUR float64, washSaleActive bool) {
	LedgerLotsOpen.Set(float64(openLots))
	FifoGainEURYTD.Set(fifoGainEURYTD)
	AnnualExemptionRemainingEUR.Set(exemptionRemainingEUR)
	v := 0.0
	if washSaleActive {
		v = 1.0
	}
	WashSaleCooldownActive.Set(v)
}
