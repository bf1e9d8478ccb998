package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Profile is one named grid parameter set. Profiles are immutable after load;
// the engine switches between them by name.
type Profile struct {
	SpacingFraction      float64 `json:"spacing_fraction"`       // base spacing as a fraction of center price
	LevelCount           int     `json:"level_count"`            // levels per side
	ProfitTargetFraction float64 `json:"profit_target_fraction"` // exit distance used for profit attribution
}

// TradingConfig identifies the single instrument this bot runs on.
type TradingConfig struct {
	Symbol        string  `json:"symbol"`
	Category      string  `json:"category"` // bybit category, e.g. "linear"
	CapitalUSDT   float64 `json:"capital_usdt"`
	Leverage      int     `json:"leverage"`
	ActiveProfile string  `json:"active_profile"`
}

// GridConfig tunes the volatility-adjusted spacing.
type GridConfig struct {
	SpacingMax       float64 `json:"spacing_max"`       // hard cap on effective spacing
	VolatilityWindow int     `json:"volatility_window"` // rolling sample capacity
	VolatilityK      float64 `json:"volatility_k"`      // multiplier on the ATR fraction
}

// RecenterConfig holds the thresholds of the four recenter conditions,
// checked in the order they appear here.
type RecenterConfig struct {
	DeviationFraction   float64 `json:"deviation_fraction"`    // beyond ladder bounds
	StalenessHours      float64 `json:"staleness_hours"`       // ladder age
	DominanceHours      float64 `json:"dominance_hours"`       // trailing window for one-side dominance
	DominanceFraction   float64 `json:"dominance_fraction"`    // share of samples on one side
	DominanceMinSamples int     `json:"dominance_min_samples"` // below this the check stays silent
	ShockMinutes        float64 `json:"shock_minutes"`         // trailing window for the shock check
	ShockFraction       float64 `json:"shock_fraction"`        // move size that counts as a shock
}

// RiskConfig holds the risk guard limits.
type RiskConfig struct {
	MaxExposurePct      float64 `json:"max_exposure_pct"`      // gross exposure / equity gate
	KillSwitchThreshold float64 `json:"kill_switch_threshold"` // daily drawdown that latches the kill-switch
	MaxOrderPct         float64 `json:"max_order_pct"`         // single order notional / equity cap
}

// IntervalsConfig sets the cadence of the engine's periodic activities, in seconds.
type IntervalsConfig struct {
	GridTickSec  int `json:"grid_tick_sec"`
	ReconcileSec int `json:"reconcile_sec"`
	RiskSec      int `json:"risk_sec"`
	SnapshotSec  int `json:"snapshot_sec"`
}

// Config is the full bot configuration loaded from config.json.
// Exchange credentials come from the environment, never from this file.
type Config struct {
	Trading   TradingConfig      `json:"trading"`
	Profiles  map[string]Profile `json:"profiles"`
	Grid      GridConfig         `json:"grid"`
	Recenter  RecenterConfig     `json:"recenter"`
	Risk      RiskConfig         `json:"risk"`
	Intervals IntervalsConfig    `json:"intervals"`

	APIServerPort int    `json:"api_server_port"`
	DatabasePath  string `json:"database_path"`
	LogLevel      string `json:"log_level"`
}

// Load reads and validates config.json. Any validation failure is fatal to
// the caller: a bot must never start on a partially sane configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Trading.Category == "" {
		c.Trading.Category = "linear"
	}
	if c.Grid.VolatilityWindow <= 0 {
		c.Grid.VolatilityWindow = 720
	}
	if c.Grid.VolatilityK <= 0 {
		c.Grid.VolatilityK = 1.2
	}
	if c.Recenter.DeviationFraction <= 0 {
		c.Recenter.DeviationFraction = 0.02
	}
	if c.Recenter.StalenessHours <= 0 {
		c.Recenter.StalenessHours = 24
	}
	if c.Recenter.DominanceHours <= 0 {
		c.Recenter.DominanceHours = 10
	}
	if c.Recenter.DominanceFraction <= 0 {
		c.Recenter.DominanceFraction = 0.80
	}
	if c.Recenter.DominanceMinSamples <= 0 {
		c.Recenter.DominanceMinSamples = 60
	}
	if c.Recenter.ShockMinutes <= 0 {
		c.Recenter.ShockMinutes = 60
	}
	if c.Recenter.ShockFraction <= 0 {
		c.Recenter.ShockFraction = 0.05
	}
	if c.Risk.MaxExposurePct <= 0 {
		c.Risk.MaxExposurePct = 0.40
	}
	if c.Risk.KillSwitchThreshold <= 0 {
		c.Risk.KillSwitchThreshold = 0.10
	}
	if c.Risk.MaxOrderPct <= 0 {
		c.Risk.MaxOrderPct = 0.20
	}
	if c.Intervals.GridTickSec <= 0 {
		c.Intervals.GridTickSec = 60
	}
	if c.Intervals.ReconcileSec <= 0 {
		c.Intervals.ReconcileSec = 5
	}
	if c.Intervals.RiskSec <= 0 {
		c.Intervals.RiskSec = 10
	}
	if c.Intervals.SnapshotSec <= 0 {
		c.Intervals.SnapshotSec = 60
	}
	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "gridbot.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for values the bot cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Trading.Symbol) == "" {
		return fmt.Errorf("config: trading.symbol is required")
	}
	if c.Trading.CapitalUSDT <= 0 {
		return fmt.Errorf("config: trading.capital_usdt must be positive, got %.2f", c.Trading.CapitalUSDT)
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 100 {
		return fmt.Errorf("config: trading.leverage must be in [1,100], got %d", c.Trading.Leverage)
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("config: at least one grid profile is required")
	}
	for name, p := range c.Profiles {
		if p.SpacingFraction <= 0 {
			return fmt.Errorf("config: profile %q spacing_fraction must be positive", name)
		}
		if p.LevelCount < 1 {
			return fmt.Errorf("config: profile %q level_count must be >= 1", name)
		}
		if p.ProfitTargetFraction <= 0 {
			return fmt.Errorf("config: profile %q profit_target_fraction must be positive", name)
		}
	}
	if _, ok := c.Profiles[c.Trading.ActiveProfile]; !ok {
		return fmt.Errorf("config: trading.active_profile %q not found in profiles", c.Trading.ActiveProfile)
	}
	if c.Grid.SpacingMax <= 0 {
		return fmt.Errorf("config: grid.spacing_max must be positive")
	}
	for name, p := range c.Profiles {
		if p.SpacingFraction > c.Grid.SpacingMax {
			return fmt.Errorf("config: profile %q spacing_fraction exceeds grid.spacing_max", name)
		}
	}
	if c.Risk.MaxExposurePct > 1 {
		return fmt.Errorf("config: risk.max_exposure_pct must be <= 1")
	}
	if c.Risk.KillSwitchThreshold >= 1 {
		return fmt.Errorf("config: risk.kill_switch_threshold must be < 1")
	}
	if c.Risk.MaxOrderPct > 1 {
		return fmt.Errorf("config: risk.max_order_pct must be <= 1")
	}
	return nil
}

// ActiveProfile returns the configured startup profile.
func (c *Config) ActiveProfile() Profile {
	return c.Profiles[c.Trading.ActiveProfile]
}
