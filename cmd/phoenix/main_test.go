package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/config"
	"github.com/newplayman/market-maker-phoenix/internal/ledger"
)

func dryRunConfig(t *testing.T, ledgerPath string) *config.Config {
	t.Helper()
	yaml := `
engine:
  pair: "XBT/USD"
  dry_run: true
  tick_interval_ms: 100
  ledger_path: "` + ledgerPath + `"
  rates_cache_path: "` + filepath.Join(filepath.Dir(ledgerPath), "rates.json") + `"
pair:
  order_size_usd: 50
  risk_warning_dd: 0.05
  risk_problem_dd: 0.10
  risk_critical_dd: 0.15
  risk_emergency_dd: 0.20
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestBuildComponentsWiresAllCollaborators(t *testing.T) {
	dir := t.TempDir()
	cfg := dryRunConfig(t, filepath.Join(dir, "ledger.json"))

	comp, err := buildComponents(cfg)
	if err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	if comp.loop == nil || comp.coord == nil || comp.store == nil || comp.exchange == nil {
		t.Fatalf("expected every component to be wired, got %+v", comp)
	}
}

func TestSetupCmdWritesStarterConfigAndRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	configFile = filepath.Join(dir, "config.yaml")
	t.Cleanup(func() { configFile = "config.yaml" })

	if err := setupCmd().RunE(nil, nil); err != nil {
		t.Fatalf("first setup: %v", err)
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("read written config: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty starter config")
	}

	if err := setupCmd().RunE(nil, nil); err == nil {
		t.Fatalf("expected second setup to refuse overwriting an existing config")
	}
}

func TestReportCmdCountsDisposalsForYear(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.json")

	L := ledger.New()
	rate := decimal.NewFromFloat(0.92)
	purchasedAt := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	L.RecordBuy(ledger.BuyTrade{
		VenueOrderID: "O1", VenueTradeID: "T1", Source: ledger.SourceGrid,
		FilledAt: purchasedAt, QtyBTC: decimal.NewFromFloat(0.01),
		PriceUSD: decimal.NewFromInt(40000), FeeUSD: decimal.Zero, EurUsdRate: rate,
	})
	soldAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := L.RecordSell(ledger.SellTrade{
		VenueOrderID: "O2", VenueTradeID: "T2",
		FilledAt: soldAt, QtyBTC: decimal.NewFromFloat(0.01),
		PriceUSD: decimal.NewFromInt(45000), FeeUSD: decimal.Zero, EurUsdRate: rate,
	}); err != nil {
		t.Fatalf("RecordSell: %v", err)
	}

	store := ledger.NewFileStore(ledgerPath, false)
	if err := store.Save(L); err != nil {
		t.Fatalf("save ledger: %v", err)
	}

	configFile = configPathFor(t, ledgerPath)

	stdout := captureStdout(t, func() {
		if err := reportCmd().RunE(nil, nil); err != nil {
			t.Fatalf("report: %v", err)
		}
	})
	if !bytes.Contains(stdout, []byte("disposals in year")) {
		t.Errorf("expected report output to mention disposal counts, got %q", stdout)
	}
}

// configPathFor writes a minimal config YAML pointing at ledgerPath, so
// report/lots commands (which reload config from configFile) see the same
// ledger used to build and save the test ledger.
func configPathFor(t *testing.T, ledgerPath string) string {
	t.Helper()
	yaml := `
engine:
  pair: "XBT/USD"
  dry_run: true
  ledger_path: "` + ledgerPath + `"
pair:
  order_size_usd: 50
  risk_warning_dd: 0.05
  risk_problem_dd: 0.10
  risk_critical_dd: 0.15
  risk_emergency_dd: 0.20
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func captureStdout(t *testing.T, fn func()) []byte {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	w.Close()
	out, _ := io.ReadAll(r)
	return out
}
