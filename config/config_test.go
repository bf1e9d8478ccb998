package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `{
	"trading": {
		"symbol": "ETHUSDT",
		"capital_usdt": 500,
		"leverage": 3,
		"active_profile": "default"
	},
	"profiles": {
		"default": {"spacing_fraction": 0.0025, "level_count": 6, "profit_target_fraction": 0.01},
		"wide":    {"spacing_fraction": 0.005,  "level_count": 4, "profit_target_fraction": 0.015}
	},
	"grid": {"spacing_max": 0.05}
}`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, "ETHUSDT", cfg.Trading.Symbol)
	require.Equal(t, "linear", cfg.Trading.Category) // default
	require.Equal(t, 500.0, cfg.Trading.CapitalUSDT)

	// defaults fill the omitted sections
	require.Equal(t, 720, cfg.Grid.VolatilityWindow)
	require.Equal(t, 1.2, cfg.Grid.VolatilityK)
	require.Equal(t, 0.02, cfg.Recenter.DeviationFraction)
	require.Equal(t, 24.0, cfg.Recenter.StalenessHours)
	require.Equal(t, 60, cfg.Recenter.DominanceMinSamples)
	require.Equal(t, 0.40, cfg.Risk.MaxExposurePct)
	require.Equal(t, 0.10, cfg.Risk.KillSwitchThreshold)
	require.Equal(t, 0.20, cfg.Risk.MaxOrderPct)
	require.Equal(t, 60, cfg.Intervals.GridTickSec)
	require.Equal(t, 5, cfg.Intervals.ReconcileSec)
	require.Equal(t, 8080, cfg.APIServerPort)

	p := cfg.ActiveProfile()
	require.Equal(t, 0.0025, p.SpacingFraction)
	require.Equal(t, 6, p.LevelCount)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing symbol", `{
			"trading": {"capital_usdt": 500, "leverage": 3, "active_profile": "default"},
			"profiles": {"default": {"spacing_fraction": 0.0025, "level_count": 6, "profit_target_fraction": 0.01}},
			"grid": {"spacing_max": 0.05}
		}`},
		{"zero capital", `{
			"trading": {"symbol": "ETHUSDT", "leverage": 3, "active_profile": "default"},
			"profiles": {"default": {"spacing_fraction": 0.0025, "level_count": 6, "profit_target_fraction": 0.01}},
			"grid": {"spacing_max": 0.05}
		}`},
		{"leverage out of range", `{
			"trading": {"symbol": "ETHUSDT", "capital_usdt": 500, "leverage": 150, "active_profile": "default"},
			"profiles": {"default": {"spacing_fraction": 0.0025, "level_count": 6, "profit_target_fraction": 0.01}},
			"grid": {"spacing_max": 0.05}
		}`},
		{"unknown active profile", `{
			"trading": {"symbol": "ETHUSDT", "capital_usdt": 500, "leverage": 3, "active_profile": "missing"},
			"profiles": {"default": {"spacing_fraction": 0.0025, "level_count": 6, "profit_target_fraction": 0.01}},
			"grid": {"spacing_max": 0.05}
		}`},
		{"no profiles", `{
			"trading": {"symbol": "ETHUSDT", "capital_usdt": 500, "leverage": 3, "active_profile": "default"},
			"profiles": {},
			"grid": {"spacing_max": 0.05}
		}`},
		{"spacing above cap", `{
			"trading": {"symbol": "ETHUSDT", "capital_usdt": 500, "leverage": 3, "active_profile": "default"},
			"profiles": {"default": {"spacing_fraction": 0.1, "level_count": 6, "profit_target_fraction": 0.01}},
			"grid": {"spacing_max": 0.05}
		}`},
		{"not json", `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
