// Package config loads and hot-reloads the bot's YAML configuration,
// following the same Viper+fsnotify idiom as the rest of this codebase.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration tree: Engine holds operational and
// credential settings, Pair holds the single BTC/USD strategy's tunables.
type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	Pair   PairConfig   `mapstructure:"pair"`
}

// EngineConfig holds operational settings and venue credentials. Changes
// here are never hot-reloaded — they require a restart.
type EngineConfig struct {
	Pair      string `mapstructure:"pair"` // venue wsname, e.g. "XBT/USD"
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	DryRun    bool   `mapstructure:"dry_run"` // lets the config load without credentials; orders are still sent

	TickIntervalMs int    `mapstructure:"tick_interval_ms"`
	LogLevel       string `mapstructure:"log_level"`
	MetricsPort    int    `mapstructure:"metrics_port"`

	LedgerPath              string `mapstructure:"ledger_path"`
	LedgerPersistDebounceMs int    `mapstructure:"ledger_persist_debounce_ms"`
	RatesCachePath          string `mapstructure:"rates_cache_path"`

	HeartbeatIntervalSec   int `mapstructure:"heartbeat_interval_sec"`
	CancelAfterTimeoutSec  int `mapstructure:"cancel_after_timeout_sec"`
}

// PairConfig holds the strategy tunables spec.md marks as configurable with
// defaults. Most of these ARE hot-reloaded; order sizing and lot/tick
// increments are not (they change the shape of in-flight orders). A reload
// changes only what GetConfig returns; components built at startup keep
// the values they were constructed with.
type PairConfig struct {
	OrderSizeUSD float64 `mapstructure:"order_size_usd"`
	TickSize     float64 `mapstructure:"tick_size"`
	LotStep      float64 `mapstructure:"lot_step"`
	VenueMinBTC  float64 `mapstructure:"venue_min_btc"`

	// GridCenter selects the ladder reference price: "vwap" (default) or
	// "mid".
	GridCenter string `mapstructure:"grid_center"`

	TargetBTCAllocationPct float64 `mapstructure:"target_btc_allocation_pct"`
	MaxSingleRebalancePct  float64 `mapstructure:"max_single_rebalance_pct"`
	MaxRebalancePctPerMin  float64 `mapstructure:"max_rebalance_pct_per_min"`

	RiskWarningDD        float64 `mapstructure:"risk_warning_dd"`
	RiskProblemDD        float64 `mapstructure:"risk_problem_dd"`
	RiskCriticalDD       float64 `mapstructure:"risk_critical_dd"`
	RiskEmergencyDD      float64 `mapstructure:"risk_emergency_dd"`
	RiskHysteresisPct    float64 `mapstructure:"risk_hysteresis_pct"`
	RiskVelocityWindowSec int    `mapstructure:"risk_velocity_window_sec"`
	RiskFreezePct        float64 `mapstructure:"risk_freeze_pct"`
	RiskUnfreezeFactor   float64 `mapstructure:"risk_unfreeze_factor"`
	RiskCooldownSec      int     `mapstructure:"risk_cooldown_sec"`

	SpacingWindow      int     `mapstructure:"spacing_window"`
	SpacingMultiplier  float64 `mapstructure:"spacing_multiplier"`
	SpacingATRWindow   int     `mapstructure:"spacing_atr_window"`
	SpacingATRWeight   float64 `mapstructure:"spacing_atr_weight"`
	SpacingScale       float64 `mapstructure:"spacing_scale"`
	SpacingMinBps      float64 `mapstructure:"spacing_min_bps"`
	SpacingMaxBps      float64 `mapstructure:"spacing_max_bps"`

	RegimeEWMASpan           int     `mapstructure:"regime_ewma_span"`
	RegimeChaosVol           float64 `mapstructure:"regime_chaos_vol"`
	RegimeTrendUpThreshold   float64 `mapstructure:"regime_trend_up_threshold"`
	RegimeTrendDownThreshold float64 `mapstructure:"regime_trend_down_threshold"`
	RegimeMomentumWindow     int     `mapstructure:"regime_momentum_window"`
	RegimeHysteresisTicks    int     `mapstructure:"regime_hysteresis_ticks"`
	RegimeVWAPWindow         int     `mapstructure:"regime_vwap_window"`

	SkewSensitivityPerPct float64 `mapstructure:"skew_sensitivity_per_pct"`
	SkewMaxBps            float64 `mapstructure:"skew_max_bps"`

	FeeAdverseSelectionBps float64 `mapstructure:"fee_adverse_selection_bps"`
	FeeMinEdgeBps          float64 `mapstructure:"fee_min_edge_bps"`

	RateLimiterMax         float64 `mapstructure:"rate_limiter_max"`
	RateLimiterDecayPerSec float64 `mapstructure:"rate_limiter_decay_per_sec"`
	RateLimiterHeadroomPct float64 `mapstructure:"rate_limiter_headroom_pct"`

	TaxHoldingPeriodDays  int     `mapstructure:"tax_holding_period_days"`
	TaxNearThresholdDays  int     `mapstructure:"tax_near_threshold_days"`
	TaxAnnualExemptionEUR float64 `mapstructure:"tax_annual_exemption_eur"`
	TaxWashSaleCooldownDays int   `mapstructure:"tax_wash_sale_cooldown_days"`
	TaxHarvestEnabled     bool    `mapstructure:"tax_harvest_enabled"`
	TaxHarvestMinLossEUR  float64 `mapstructure:"tax_harvest_min_loss_eur"`
	TaxHarvestMaxPerDay   int     `mapstructure:"tax_harvest_max_per_day"`
}

var globalConfig *Config

// LoadConfig reads path as YAML, validates it, starts the hot-reload
// watcher, and returns the parsed Config. A config error here is fatal at
// startup per spec's ConfigInvalid error kind.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PHOENIX")
	viper.BindEnv("engine.api_key", "PHOENIX_API_KEY")
	viper.BindEnv("engine.api_secret", "PHOENIX_API_SECRET")
	viper.BindEnv("engine.dry_run", "PHOENIX_DRY_RUN")
	viper.BindEnv("engine.metrics_port", "PHOENIX_METRICS_PORT")
	viper.BindEnv("engine.ledger_path", "PHOENIX_LEDGER_PATH")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	globalConfig = &cfg
	go watchConfig()

	log.Info().Str("path", path).Str("pair", cfg.Engine.Pair).Msg("config loaded")
	return &cfg, nil
}

// GetConfig returns the most recently loaded (and possibly hot-reloaded)
// configuration.
func GetConfig() *Config {
	return globalConfig
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Pair == "" {
		cfg.Engine.Pair = "XBT/USD"
	}
	if cfg.Engine.TickIntervalMs == 0 {
		cfg.Engine.TickIntervalMs = 100
	}
	if cfg.Engine.HeartbeatIntervalSec == 0 {
		cfg.Engine.HeartbeatIntervalSec = 20
	}
	if cfg.Engine.CancelAfterTimeoutSec == 0 {
		cfg.Engine.CancelAfterTimeoutSec = 60
	}
	if cfg.Engine.LedgerPersistDebounceMs == 0 {
		cfg.Engine.LedgerPersistDebounceMs = 250
	}
	if cfg.Engine.LogLevel == "" {
		cfg.Engine.LogLevel = "info"
	}
	if cfg.Pair.GridCenter == "" {
		cfg.Pair.GridCenter = "vwap"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Engine.APIKey == "" || cfg.Engine.APISecret == "" {
		if !cfg.Engine.DryRun {
			return fmt.Errorf("engine.api_key and engine.api_secret are required unless dry_run is set")
		}
	}
	if cfg.Engine.TickIntervalMs < 50 || cfg.Engine.TickIntervalMs > 5000 {
		return fmt.Errorf("engine.tick_interval_ms must be between 50 and 5000")
	}

	if cfg.Pair.OrderSizeUSD <= 0 {
		return fmt.Errorf("pair.order_size_usd must be > 0")
	}
	if cfg.Pair.TargetBTCAllocationPct < 0 || cfg.Pair.TargetBTCAllocationPct > 1 {
		return fmt.Errorf("pair.target_btc_allocation_pct must be in [0, 1]")
	}
	if cfg.Pair.RiskWarningDD <= 0 || cfg.Pair.RiskWarningDD >= cfg.Pair.RiskProblemDD {
		return fmt.Errorf("pair risk drawdown thresholds must be strictly increasing: warning < problem")
	}
	if cfg.Pair.RiskProblemDD >= cfg.Pair.RiskCriticalDD || cfg.Pair.RiskCriticalDD >= cfg.Pair.RiskEmergencyDD {
		return fmt.Errorf("pair risk drawdown thresholds must be strictly increasing: problem < critical < emergency")
	}
	if cfg.Pair.TaxWashSaleCooldownDays < 0 {
		return fmt.Errorf("pair.tax_wash_sale_cooldown_days must be >= 0")
	}
	return nil
}

func watchConfig() {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")

		var newCfg Config
		if err := viper.Unmarshal(&newCfg); err != nil {
			log.Error().Err(err).Msg("config reload: parse failed")
			return
		}
		applyDefaults(&newCfg)
		if err := validateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("config reload: validation failed, keeping previous config")
			return
		}

		// Engine settings (credentials and paths included), order sizing and
		// lot/tick increments never hot-reload: carry the running process's
		// values forward regardless of what the file now says.
		if globalConfig != nil {
			newCfg.Engine = globalConfig.Engine
			newCfg.Pair.OrderSizeUSD = globalConfig.Pair.OrderSizeUSD
			newCfg.Pair.TickSize = globalConfig.Pair.TickSize
			newCfg.Pair.LotStep = globalConfig.Pair.LotStep
			newCfg.Pair.VenueMinBTC = globalConfig.Pair.VenueMinBTC
		}

		globalConfig = &newCfg
		log.Info().Msg("config hot-reload applied")
	})
}

// TickInterval returns the configured tick cadence as a time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalMs) * time.Millisecond

}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
