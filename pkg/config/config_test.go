// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require := require.New(t)
	cfg := Default()
	require.NoError(cfg.Validate())
	require.Equal(14, cfg.Engine.LookbackDays)
	require.Equal("7d", cfg.Engine.Attribution)
	require.Equal(0.30, cfg.Classifier.TargetACOS)
	require.Equal(3, cfg.ReEntry.CooldownDays)
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "bidpilot.yaml")
	require.NoError(os.WriteFile(path, []byte(`
engine:
  lookback_days: 21
classifier:
  target_acos: 0.25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(err)
	require.NoError(cfg.Validate())
	require.Equal(21, cfg.Engine.LookbackDays)
	require.Equal(0.25, cfg.Classifier.TargetACOS)
	// Untouched sections keep their defaults.
	require.Equal(5.00, cfg.Engine.BidCap)
	require.Equal("exponential", cfg.Smoothing.Strategy)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	require := require.New(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(err)
	require.NoError(cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	require := require.New(t)
	t.Setenv("BIDPILOT_DB_PATH", "/var/lib/bidpilot/alt.db")
	t.Setenv("BIDPILOT_LISTEN", ":9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(err)
	require.Equal("/var/lib/bidpilot/alt.db", cfg.Database.Path)
	require.Equal(":9999", cfg.Ops.Listen)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted bid range", func(c *Config) { c.Engine.BidFloor = 6.00 }},
		{"bad attribution", func(c *Config) { c.Engine.Attribution = "30d" }},
		{"unknown smoother", func(c *Config) { c.Smoothing.Strategy = "kalman" }},
		{"alpha out of range", func(c *Config) { c.Smoothing.Alpha = 1.5 }},
		{"positive spike cut", func(c *Config) { c.Safety.SpikeCutPct = 0.5 }},
		{"unordered gate thresholds", func(c *Config) { c.Gate.HalveBelow = 0.40 }},
		{"outcome weights off", func(c *Config) { c.Learning.CTRWeight = 0.5 }},
		{"short maturity window", func(c *Config) { c.Learning.EvaluateAfterDays = 3 }},
		{"treatment share too high", func(c *Config) { c.Engine.TreatmentPct = 140 }},
		{"history shorter than lookback", func(c *Config) { c.Engine.HistoryDays = 7 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
