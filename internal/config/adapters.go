package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-maker-phoenix/internal/engine"
	"github.com/newplayman/market-maker-phoenix/internal/exchange"
	"github.com/newplayman/market-maker-phoenix/internal/inventory"
	"github.com/newplayman/market-maker-phoenix/internal/ratelimit"
	"github.com/newplayman/market-maker-phoenix/internal/regime"
	"github.com/newplayman/market-maker-phoenix/internal/risk"
	"github.com/newplayman/market-maker-phoenix/internal/skew"
	"github.com/newplayman/market-maker-phoenix/internal/spacing"
	"github.com/newplayman/market-maker-phoenix/internal/tax"
)

// These adapters translate the flat YAML-friendly PairConfig into each
// component's own Config type, the way GetSymbolConfig fed
// per-symbol settings to its strategy modules.

func (c *Config) RiskConfig() risk.Config {
	d := risk.DefaultConfig()
	d.WarningDD = dec(c.Pair.RiskWarningDD)
	d.ProblemDD = dec(c.Pair.RiskProblemDD)
	d.CriticalDD = dec(c.Pair.RiskCriticalDD)
	d.EmergencyDD = dec(c.Pair.RiskEmergencyDD)
	if c.Pair.RiskHysteresisPct > 0 {
		d.HysteresisPct = dec(c.Pair.RiskHysteresisPct)
	}
	if c.Pair.RiskVelocityWindowSec > 0 {
		d.VelocityWindow = time.Duration(c.Pair.RiskVelocityWindowSec) * time.Second
	}
	if c.Pair.RiskFreezePct > 0 {
		d.FreezePct = dec(c.Pair.RiskFreezePct)
	}
	if c.Pair.RiskUnfreezeFactor > 0 {
		d.UnfreezeFactor = dec(c.Pair.RiskUnfreezeFactor)
	}
	if c.Pair.RiskCooldownSec > 0 {
		d.CooldownSec = time.Duration(c.Pair.RiskCooldownSec) * time.Second
	}
	return d
}

func (c *Config) SpacingConfig() spacing.Config {
	d := spacing.DefaultConfig()
	if c.Pair.SpacingWindow > 0 {
		d.Window = c.Pair.SpacingWindow
	}
	if c.Pair.SpacingMultiplier > 0 {
		d.Multiplier = c.Pair.SpacingMultiplier
	}
	if c.Pair.SpacingATRWindow > 0 {
		d.ATRWindow = c.Pair.SpacingATRWindow
	}
	if c.Pair.SpacingATRWeight > 0 {
		d.ATRWeight = c.Pair.SpacingATRWeight
	}
	if c.Pair.SpacingScale > 0 {
		d.SpacingScale = c.Pair.SpacingScale
	}
	if c.Pair.SpacingMinBps > 0 {
		d.MinBps = dec(c.Pair.SpacingMinBps)
	}
	if c.Pair.SpacingMaxBps > 0 {
		d.MaxBps = dec(c.Pair.SpacingMaxBps)
	}
	return d
}

func (c *Config) RegimeConfig() regime.Config {
	d := regime.DefaultConfig()
	if c.Pair.RegimeEWMASpan > 0 {
		d.EWMASpan = c.Pair.RegimeEWMASpan
	}
	if c.Pair.RegimeChaosVol > 0 {
		d.ChaosVol = c.Pair.RegimeChaosVol
	}
	if c.Pair.RegimeTrendUpThreshold > 0 {
		d.TrendUpThreshold = c.Pair.RegimeTrendUpThreshold
	}
	if c.Pair.RegimeTrendDownThreshold > 0 {
		d.TrendDownThreshold = c.Pair.RegimeTrendDownThreshold
	}
	if c.Pair.RegimeMomentumWindow > 0 {
		d.MomentumWindow = c.Pair.RegimeMomentumWindow
	}
	if c.Pair.RegimeHysteresisTicks > 0 {
		d.HysteresisTicks = c.Pair.RegimeHysteresisTicks
	}
	if c.Pair.RegimeVWAPWindow > 0 {
		d.VWAPWindow = c.Pair.RegimeVWAPWindow
	}
	return d
}

func (c *Config) SkewConfig() skew.Config {
	d := skew.DefaultConfig()
	if c.Pair.SkewSensitivityPerPct > 0 {
		d.SensitivityPerPct = dec(c.Pair.SkewSensitivityPerPct)
	}
	if c.Pair.SkewMaxBps > 0 {
		d.MaxSkewBps = dec(c.Pair.SkewMaxBps)
	}
	return d
}

func (c *Config) InventoryConfig() inventory.Config {
	d := inventory.DefaultConfig()
	if c.Pair.MaxSingleRebalancePct > 0 {
		d.MaxSingleRebalancePct = dec(c.Pair.MaxSingleRebalancePct)
	}
	if c.Pair.MaxRebalancePctPerMin > 0 {
		d.MaxRebalancePctPerMin = dec(c.Pair.MaxRebalancePctPerMin)
	}
	return d
}

func (c *Config) TaxConfig() tax.Config {
	d := tax.DefaultConfig()
	if c.Pair.TaxHoldingPeriodDays > 0 {
		d.HoldingPeriod = time.Duration(c.Pair.TaxHoldingPeriodDays) * 24 * time.Hour
	}
	if c.Pair.TaxNearThresholdDays > 0 {
		d.NearThresholdDuration = time.Duration(c.Pair.TaxNearThresholdDays) * 24 * time.Hour
	}
	if c.Pair.TaxAnnualExemptionEUR > 0 {
		d.AnnualExemptionEUR = dec(c.Pair.TaxAnnualExemptionEUR)
	}
	if c.Pair.TaxWashSaleCooldownDays > 0 {
		d.WashSaleCooldown = time.Duration(c.Pair.TaxWashSaleCooldownDays) * 24 * time.Hour
	}
	d.Harvest.Enabled = c.Pair.TaxHarvestEnabled
	if c.Pair.TaxHarvestMinLossEUR > 0 {
		d.Harvest.MinLossEUR = dec(c.Pair.TaxHarvestMinLossEUR)
	}
	if c.Pair.TaxHarvestMaxPerDay > 0 {
		d.Harvest.MaxPerDay = c.Pair.TaxHarvestMaxPerDay
	}
	return d
}

func (c *Config) RateLimiterBudget() (max, decayPerSec, headroomPct decimal.Decimal) {
	m := c.Pair.RateLimiterMax
	if m <= 0 {
		m = 125
	}
	decay := c.Pair.RateLimiterDecayPerSec
	if decay <= 0 {
		decay = 2.34
	}
	headroom := c.Pair.RateLimiterHeadroomPct
	if headroom <= 0 {
		headroom = 0.80
	}
	return dec(m), dec(decay), dec(headroom)
}

func (c *Config) RateLimiterCost() ratelimit.Cost {
	return ratelimit.DefaultCost
}

func (c *Config) EngineLoopConfig() engine.Config {
	d := engine.DefaultConfig()
	if c.Pair.OrderSizeUSD > 0 {
		d.OrderSizeUSD = dec(c.Pair.OrderSizeUSD)
	}
	if c.Pair.TickSize > 0 {
		d.Tick = dec(c.Pair.TickSize)
	}
	if c.Pair.LotStep > 0 {
		d.LotStep = dec(c.Pair.LotStep)
	}
	if c.Pair.VenueMinBTC > 0 {
		d.VenueMinBTC = dec(c.Pair.VenueMinBTC)
	}
	if c.Engine.LedgerPersistDebounceMs > 0 {
		d.PersistDebounce = time.Duration(c.Engine.LedgerPersistDebounceMs) * time.Millisecond
	}
	if c.Pair.GridCenter != "" {
		d.GridCenter = c.Pair.GridCenter
	}
	return d
}

func (c *Config) ExchangeConfig() exchange.Config {
	d := exchange.DefaultConfig(c.Engine.APIKey, c.Engine.APISecret)
	if c.Engine.Pair != "" {
		d.REST.Pair = c.Engine.Pair
		d.WS.Pair = c.Engine.Pair
	}
	return d
}
