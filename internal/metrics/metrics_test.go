package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	if BTCAllocationPct == nil {
		t.Error("BTCAllocationPct metric not initialized")
	}
	if DrawdownPct == nil {
		t.Error("DrawdownPct metric not initialized")
	}
	if LedgerLotsOpen == nil {
		t.Error("LedgerLotsOpen metric not initialized")
	}
	if RateLimiterCounter == nil {
		t.Error("RateLimiterCounter metric not initialized")
	}
}

func TestRecordFillIncrementsCountAndVolume(t *testing.T) {
	before := testutil.ToFloat64(FillCount.WithLabelValues("buy"))
	RecordFill("buy", 0.1)
	after := testutil.ToFloat64(FillCount.WithLabelValues("buy"))
	if after != before+1 {
		t.Errorf("expected fill count to increment by 1, got %v -> %v", before, after)
	}
}

func TestRecordOrderRejectIncrementsReasonCounter(t *testing.T) {
	before := testutil.ToFloat64(OrderRejectsTotal.WithLabelValues("rate_limited"))
	RecordOrderReject("rate_limited")
	after := testutil.ToFloat64(OrderRejectsTotal.WithLabelValues("rate_limited"))
	if after != before+1 {
		t.Errorf("expected reject count to increment by 1, got %v -> %v", before, after)
	}
}

func TestRecordCancelIncrementsTriggerCounter(t *testing.T) {
	before := testutil.ToFloat64(CancelCount.WithLabelValues("reprice"))
	RecordCancel("reprice")
	after := testutil.ToFloat64(CancelCount.WithLabelValues("reprice"))
	if after != before+1 {
		t.Errorf("expected cancel count to increment by 1, got %v -> %v", before, after)
	}
}

func TestUpdatePauseStateSetsOnlyActiveState(t *testing.T) {
	UpdatePauseState("risk_pause")

	if testutil.ToFloat64(PauseState.WithLabelValues("risk_pause")) != 1 {
		t.Errorf("expected risk_pause to be 1")
	}
	if testutil.ToFloat64(PauseState.WithLabelValues("active")) != 0 {
		t.Errorf("expected active to be 0")
	}
	if testutil.ToFloat64(PauseState.WithLabelValues("emergency_sell")) != 0 {
		t.Errorf("expected emergency_sell to be 0")
	}

	UpdatePauseState("active")
	if testutil.ToFloat64(PauseState.WithLabelValues("active")) != 1 {
		t.Errorf("expected active to be 1 after transition")
	}
	if testutil.ToFloat64(PauseState.WithLabelValues("risk_pause")) != 0 {
		t.Errorf("expected risk_pause to be 0 after transition back to active")
	}
}

func TestUpdateRegimeSetsOnlyActiveTag(t *testing.T) {
	UpdateRegime("chaos")

	if testutil.ToFloat64(Regime.WithLabelValues("chaos")) != 1 {
		t.Errorf("expected chaos to be 1")
	}
	if testutil.ToFloat64(Regime.WithLabelValues("range_bound")) != 0 {
		t.Errorf("expected range_bound to be 0")
	}
}

func TestUpdateInventoryMetricsSetsAllThree(t *testing.T) {
	UpdateInventoryMetrics(0.55, 41500.0, 12.5)

	if testutil.ToFloat64(BTCAllocationPct) != 0.55 {
		t.Errorf("expected allocation 0.55, got %v", testutil.ToFloat64(BTCAllocationPct))
	}
	if testutil.ToFloat64(PortfolioValueUSD) != 41500.0 {
		t.Errorf("expected portfolio value 41500, got %v", testutil.ToFloat64(PortfolioValueUSD))
	}
}

func TestUpdateLedgerMetricsSetsWashSaleFlag(t *testing.T) {
	UpdateLedgerMetrics(3, 850.0, 150.0, true)
	if testutil.ToFloat64(WashSaleCooldownActive) != 1 {
		t.Errorf("expected wash sale flag to be 1 when active")
	}
	if testutil.ToFloat64(LedgerLotsOpen) != 3 {
		t.Errorf("expected 3 open lots, got %v", testutil.ToFloat64(LedgerLotsOpen))
	}

	UpdateLedgerMetrics(3, 850.0, 150.0, false)
	if testutil.ToFloat64(WashSaleCooldownActive) != 0 {
		t.Errorf("expected wash sale flag to be 0 when inactive")
	}
}

func TestStartMetricsServerReturnsEphemeralPort(t *testing.T) {
	port, err := StartMetricsServer(0)
	if err != nil {
		t.Fatalf("StartMetricsServer: %v", err)
	}
	if port <= 0 {
		t.Errorf("expected a non-zero ephemeral port, got %d", port)
	}
}
