// Command phoenix is the process entrypoint: it wires every internal
// package into a running StrategyLoop (run), replays a CSV tape through
// the same pipeline for offline evaluation (backtest), writes a starter
// config file (setup), and inspects the FIFO ledger (report, lots).
//
// Grounded on cmd/runner/main.go's single-instance
// flock, zerolog console setup, and signal-driven graceful shutdown, and
// on the Python reference's tax_report.py/lot_viewer.py/setup_wizard.py
// for the report/lots/setup subcommands' contracts.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/newplayman/market-maker-phoenix/internal/config"
	"github.com/newplayman/market-maker-phoenix/internal/engine"
	"github.com/newplayman/market-maker-phoenix/internal/exchange"
	"github.com/newplayman/market-maker-phoenix/internal/feemodel"
	"github.com/newplayman/market-maker-phoenix/internal/inventory"
	"github.com/newplayman/market-maker-phoenix/internal/ledger"
	"github.com/newplayman/market-maker-phoenix/internal/metrics"
	"github.com/newplayman/market-maker-phoenix/internal/order"
	"github.com/newplayman/market-maker-phoenix/internal/ratelimit"
	"github.com/newplayman/market-maker-phoenix/internal/rates"
	"github.com/newplayman/market-maker-phoenix/internal/regime"
	"github.com/newplayman/market-maker-phoenix/internal/risk"
	"github.com/newplayman/market-maker-phoenix/internal/spacing"
	"github.com/newplayman/market-maker-phoenix/internal/tax"
)

// Exit codes distinguish operator-actionable failures from generic fatal
// errors, per spec.md §1's operational surface.
const (
	exitOK            = 0
	exitOther         = 1
	exitConfigError   = 2
	exitLedgerCorrupt = 3
	exitExchangeAuth  = 4
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "phoenix",
		Short: "single-pair BTC/USD market maker with German FIFO tax accounting",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "path to config.yaml")

	root.AddCommand(runCmd(), backtestCmd(), setupCmd(), reportCmd(), lotsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitOther)
	}
}

func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// components bundles every collaborator StrategyLoop needs, built once
// from a loaded Config and shared between run and backtest.
type components struct {
	loop     *engine.StrategyLoop
	coord    *engine.LifecycleCoordinator
	store    ledger.Store
	exchange engine.ExchangeSession
}

func buildComponents(cfg *config.Config) (*components, error) {
	L := ledger.New()

	store := ledger.NewFileStore(cfg.Engine.LedgerPath, true)

	rateCache := rates.NewFileCache(cfg.Engine.RatesCachePath, noopRateFetcher{})

	riskMgr := risk.New(cfg.RiskConfig())
	regimeRouter := regime.New(cfg.RegimeConfig())
	spacingModel := spacing.New(cfg.SpacingConfig())
	feeModel := feemodel.New(feemodel.DefaultTiers, 0)
	feeModel.AdverseSelectionBps = decimal.NewFromFloat(cfg.Pair.FeeAdverseSelectionBps)
	feeModel.MinEdgeBps = decimal.NewFromFloat(cfg.Pair.FeeMinEdgeBps)
	taxAgent := tax.New(cfg.TaxConfig(), L)
	inventoryArb := inventory.New(cfg.InventoryConfig())

	engineCfg := cfg.EngineLoopConfig()
	orderMgr := order.New(order.DefaultConfig(engineCfg.SellSlotOffset+5), L)

	max, decayPerSec, headroomPct := cfg.RateLimiterBudget()
	rateLimiter := ratelimit.New(max, decayPerSec, headroomPct, cfg.RateLimiterCost())

	session, err := exchange.New(cfg.ExchangeConfig())
	if err != nil {
		return nil, fmt.Errorf("build exchange session: %w", err)
	}

	loop := engine.New(
		engineCfg,
		regimeRouter,
		spacingModel,
		feeModel,
		riskMgr,
		L,
		taxAgent,
		inventoryArb,
		orderMgr,
		rateLimiter,
		rateCache,
		session,
		store,
		engine.NoopNotifier{},
	)
	coord := engine.NewLifecycleCoordinator(loop, session, store, engine.NoopNotifier{})

	return &components{loop: loop, coord: coord, store: store, exchange: session}, nil
}

// noopRateFetcher never has a rate to offer; operators supply EUR/USD
// rates out of band by pre-seeding the rates cache file, per spec.md §1's
// explicit exclusion of a live rate-fetch integration.
type noopRateFetcher struct{}

func (noopRateFetcher) Fetch(time.Time) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "connect to the venue and start market making",
		RunE: func(cmd *cobra.Command, args []string) error {
			lockPath := "/tmp/phoenix.lock"
			lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0666)
			if err != nil {
				return fmt.Errorf("open lock file: %w", err)
			}
			if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
				return fmt.Errorf("another phoenix instance is already running: %w", err)
			}
			defer func() {
				syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
				lock.Close()
				os.Remove(lockPath)
			}()

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				os.Exit(exitConfigError)
			}
			setupLogger(cfg.Engine.LogLevel)
			log.Info().Str("pair", cfg.Engine.Pair).Bool("dry_run", cfg.Engine.DryRun).Msg("phoenix starting")

			if port, err := metrics.StartMetricsServer(cfg.Engine.MetricsPort); err != nil {
				log.Error().Err(err).Msg("failed to start metrics server")
			} else {
				log.Info().Int("port", port).Msg("metrics server listening")
			}

			comp, err := buildComponents(cfg)
			if err != nil {
				log.Error().Err(err).Msg("failed to build components")
				os.Exit(exitConfigError)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := comp.coord.Startup(ctx); err != nil {
				log.Error().Err(err).Msg("startup failed")
				os.Exit(exitExchangeAuth)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go runTickLoop(ctx, comp)

			<-sigCh
			log.Info().Msg("shutdown signal received")
			if err := comp.coord.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("shutdown error")
				os.Exit(exitOther)
			}
			return nil
		},
	}
}

// runTickLoop fans market data and execution events into StrategyLoop.Tick
// and HandleExecEvent, per spec.md §4.12/§4.13's "tick is driven by
// market-data arrival, not a fixed timer" contract.
func runTickLoop(ctx context.Context, comp *components) {
	bookCh, bookErrCh, err := comp.exchange.SubscribeBook(ctx)
	if err != nil {
		log.Error().Err(err).Msg("subscribe book failed")
		return
	}
	tradeCh, err := comp.exchange.SubscribeTrades(ctx)
	if err != nil {
		log.Error().Err(err).Msg("subscribe trades failed")
		return
	}
	execCh, err := comp.exchange.SubscribeExecutions(ctx, false)
	if err != nil {
		log.Error().Err(err).Msg("subscribe executions failed")
		return
	}

	var lastTrade *engine.TradePrint
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-bookCh:
			if !ok {
				return
			}
			comp.loop.Tick(ctx, time.Now(), snap, lastTrade)
			lastTrade = nil
		case t, ok := <-tradeCh:
			if !ok {
				return
			}
			lastTrade = &t
		case wsErr, ok := <-bookErrCh:
			if !ok {
				continue
			}
			log.Warn().Err(wsErr).Msg("book stream reported an error")
			metrics.BookChecksumMismatches.Inc()
		case ev, ok := <-execCh:
			if !ok {
				return
			}
			comp.loop.HandleExecEvent(ctx, ev, time.Now())
		}
	}
}

func backtestCmd() *cobra.Command {
	var dataPath string
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "replay a CSV tape of mid/high/low ticks through the strategy pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				os.Exit(exitConfigError)
			}
			setupLogger(cfg.Engine.LogLevel)
			cfg.Engine.DryRun = true

			f, err := os.Open(dataPath)
			if err != nil {
				return fmt.Errorf("open backtest data: %w", err)
			}
			defer f.Close()

			rows, err := csv.NewReader(f).ReadAll()
			if err != nil {
				return fmt.Errorf("parse backtest csv: %w", err)
			}

			comp, err := buildComponents(cfg)
			if err != nil {
				return fmt.Errorf("build components: %w", err)
			}

			ctx := context.Background()
			ticked := 0
			for i, row := range rows {
				if i == 0 || len(row) < 3 {
					continue // header or malformed row
				}
				mid, err1 := decimal.NewFromString(row[0])
				high, err2 := decimal.NewFromString(row[1])
				low, err3 := decimal.NewFromString(row[2])
				if err1 != nil || err2 != nil || err3 != nil {
					continue
				}
				snap := engine.BookSnapshot{Mid: mid, BestBid: mid, BestAsk: mid, High: high, Low: low}
				if comp.loop.Tick(ctx, time.Now(), snap, nil) {
					ticked++
				}
			}
			log.Info().Int("rows", len(rows)).Int("ticks_processed", ticked).Msg("backtest replay complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&dataPath, "data", "", "CSV file of mid,high,low ticks to replay")
	cmd.MarkFlagRequired("data")
	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "write a starter config.yaml with the literal defaults from spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configFile); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", configFile)
			}
			if err := os.WriteFile(configFile, []byte(starterConfigYAML), 0644); err != nil {
				return fmt.Errorf("write starter config: %w", err)
			}
			fmt.Printf("wrote %s — fill in engine.api_key/engine.api_secret before running live\n", configFile)
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	var year int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "print realized FIFO gain/loss for a tax year",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				os.Exit(exitConfigError)
			}
			L := ledger.New()
			store := ledger.NewFileStore(cfg.Engine.LedgerPath, false)
			if err := store.Load(L); err != nil {
				fmt.Fprintf(os.Stderr, "ledger load failed: %v\n", err)
				os.Exit(exitLedgerCorrupt)
			}

			fmt.Printf("tax year %d\n", year)
			fmt.Printf("realized taxable gain/loss: %s EUR\n", L.YTDRealizedGainEUR(year).StringFixed(2))

			count, taxableCount := 0, 0
			for _, d := range L.Disposals {
				if d.DisposedAt.Year() != year {
					continue
				}
				count++
				if d.IsTaxable {
					taxableCount++
				}
			}
			fmt.Printf("disposals in year: %d (%d taxable, %d tax-free)\n", count, taxableCount, count-taxableCount)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "tax year to report on")
	return cmd
}

func lotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lots",
		Short: "list currently open FIFO tax lots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				os.Exit(exitConfigError)
			}
			L := ledger.New()
			store := ledger.NewFileStore(cfg.Engine.LedgerPath, false)
			if err := store.Load(L); err != nil {
				fmt.Fprintf(os.Stderr, "ledger load failed: %v\n", err)
				os.Exit(exitLedgerCorrupt)
			}

			for _, lot := range L.OpenLots() {
				fmt.Printf("%s  qty=%s  purchased=%s  tax_free_at=%s  status=%s\n",
					lot.LotID,
					lot.RemainingQtyBTC.StringFixed(8),
					lot.PurchasedAt.Format(time.RFC3339),
					lot.TaxFreeAt().Format(time.RFC3339),
					lot.Status(),
				)
			}
			return nil
		},
	}
}

const starterConfigYAML = `engine:
  pair: "XBT/USD"
  api_key: ""
  api_secret: ""
  dry_run: true
  tick_interval_ms: 100
  log_level: "info"
  metrics_port: 9090
  ledger_path: "phoenix-ledger.json"
  rates_cache_path: "phoenix-rates-cache.json"
  heartbeat_interval_sec: 20
  cancel_after_timeout_sec: 60

pair:
  order_size_usd: 50
  tick_size: 0.1
  lot_step: 0.0001
  venue_min_btc: 0.0001
  grid_center: "vwap"
  target_btc_allocation_pct: 0.5
  max_single_rebalance_pct: 0.10
  max_rebalance_pct_per_min: 0.01

  risk_warning_dd: 0.05
  risk_problem_dd: 0.10
  risk_critical_dd: 0.15
  risk_emergency_dd: 0.20

  tax_annual_exemption_eur: 1000
  tax_wash_sale_cooldown_days: 30
  tax_harvest_enabled: true
`
