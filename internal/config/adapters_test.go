package config

import "testing"

func TestRiskConfigOverridesDefaults(t *testing.T) {
	cfg := &Config{Pair: PairConfig{
		RiskWarningDD:   0.05,
		RiskProblemDD:   0.10,
		RiskCriticalDD:  0.15,
		RiskEmergencyDD: 0.20,
	}}
	rc := cfg.RiskConfig()
	if !rc.WarningDD.Equal(dec(0.05)) {
		t.Errorf("expected warning dd 0.05, got %s", rc.WarningDD)
	}
	if !rc.EmergencyDD.Equal(dec(0.20)) {
		t.Errorf("expected emergency dd 0.20, got %s", rc.EmergencyDD)
	}
}

func TestSpacingConfigFallsBackToDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	sc := cfg.SpacingConfig()
	if sc.Window != 20 {
		t.Errorf("expected default window 20 when unset, got %d", sc.Window)
	}
}

func TestEngineLoopConfigAppliesOrderSizeOverride(t *testing.T) {
	cfg := &Config{Pair: PairConfig{OrderSizeUSD: 75}}
	ec := cfg.EngineLoopConfig()
	if !ec.OrderSizeUSD.Equal(dec(75)) {
		t.Errorf("expected order size 75, got %s", ec.OrderSizeUSD)
	}
}

func TestEngineLoopConfigAppliesGridCenterOverride(t *testing.T) {
	cfg := &Config{Pair: PairConfig{GridCenter: "mid"}}
	ec := cfg.EngineLoopConfig()
	if ec.GridCenter != "mid" {
		t.Errorf("expected grid center mid, got %s", ec.GridCenter)
	}
}

func TestEngineLoopConfigDefaultsGridCenterToVWAPWhenUnset(t *testing.T) {
	cfg := &Config{}
	ec := cfg.EngineLoopConfig()
	if ec.GridCenter != "vwap" {
		t.Errorf("expected default grid center vwap, got %s", ec.GridCenter)
	}
}

func TestRateLimiterBudgetDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	max, decay, headroom := cfg.RateLimiterBudget()
	if !max.Equal(dec(125)) {
		t.Errorf("expected default max 125, got %s", max)
	}
	if !decay.Equal(dec(2.34)) {
		t.Errorf("expected default decay 2.34, got %s", decay)
	}
	if !headroom.Equal(dec(0.80)) {
		t.Errorf("expected default headroom 0.80, got %s", headroom)
	}
}
