// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration. Every numeric business threshold
// lives here; the engine itself carries no magic numbers. Validate runs
// once, before any entity is processed, and a failure aborts the run.
type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Engine struct {
		LookbackDays int     `yaml:"lookback_days"`
		HistoryDays  int     `yaml:"history_days"`
		Attribution  string  `yaml:"attribution"` // "1d" or "7d"
		BidFloor     float64 `yaml:"bid_floor"`
		BidCap       float64 `yaml:"bid_cap"`
		StrategyID   string  `yaml:"strategy_id"`
		TreatmentPct int     `yaml:"treatment_pct"` // A/B treatment share, 0..100
	} `yaml:"engine"`

	Smoothing struct {
		Strategy string  `yaml:"strategy"` // exponential | weighted | simple
		Alpha    float64 `yaml:"alpha"`
	} `yaml:"smoothing"`

	Safety struct {
		SpikeWindowDays     int     `yaml:"spike_window_days"`
		SpikeRatio          float64 `yaml:"spike_ratio"`
		SpikeCutPct         float64 `yaml:"spike_cut_pct"`
		DailySpendLimit     float64 `yaml:"daily_spend_limit"`  // 0 disables
		DailyLimitAction    string  `yaml:"daily_limit_action"` // pause | reduce
		DailyLimitReduction float64 `yaml:"daily_limit_reduction"`
	} `yaml:"safety"`

	Classifier struct {
		TargetACOS         float64 `yaml:"target_acos"`
		LowDataSpend       float64 `yaml:"low_data_spend"`
		LowDataClicks      int64   `yaml:"low_data_clicks"`
		TrendNudgePct      float64 `yaml:"trend_nudge_pct"`
		ACOSTrendVeto      bool    `yaml:"acos_trend_veto"`
		ACOSTrendThreshold float64 `yaml:"acos_trend_threshold"`
	} `yaml:"classifier"`

	Coordinator struct {
		AllowedSources []string `yaml:"allowed_sources"` // empty = all
	} `yaml:"coordinator"`

	Gate struct {
		Enabled          bool    `yaml:"enabled"`
		CancelBelow      float64 `yaml:"cancel_below"`
		HalveBelow       float64 `yaml:"halve_below"`
		DampBelow        float64 `yaml:"damp_below"`
		DampFactor       float64 `yaml:"damp_factor"`
		WarmupMinSamples int     `yaml:"warmup_min_samples"`
	} `yaml:"gate"`

	ReEntry struct {
		CooldownDays            int     `yaml:"cooldown_days"`
		MinChangePct            float64 `yaml:"min_change_pct"`
		StabilitySamples        int     `yaml:"stability_samples"`
		StabilityMaxCV          float64 `yaml:"stability_max_cv"`
		HysteresisLowerPct      float64 `yaml:"hysteresis_lower_pct"`
		HysteresisUpperPct      float64 `yaml:"hysteresis_upper_pct"`
		OscillationLookbackDays int     `yaml:"oscillation_lookback_days"`
		OscillationMaxReversals int     `yaml:"oscillation_max_reversals"`
	} `yaml:"reentry"`

	Learning struct {
		EvaluateAfterDays int     `yaml:"evaluate_after_days"`
		ACOSWeight        float64 `yaml:"acos_weight"`
		ROASWeight        float64 `yaml:"roas_weight"`
		CTRWeight         float64 `yaml:"ctr_weight"`
		SuccessThreshold  float64 `yaml:"success_threshold"`
		FailureThreshold  float64 `yaml:"failure_threshold"`
		MinSpend          float64 `yaml:"min_spend"`
		MinClicks         int64   `yaml:"min_clicks"`
		RetrainMinSamples int     `yaml:"retrain_min_samples"`
		RetrainGrowthPct  float64 `yaml:"retrain_growth_pct"`
		MinAUC            float64 `yaml:"min_auc"`
		MinAccuracy       float64 `yaml:"min_accuracy"`
		MinImprovement    float64 `yaml:"min_improvement"`
		MaxVersions       int     `yaml:"max_versions"`
		TestSplit         float64 `yaml:"test_split"`
	} `yaml:"learning"`

	Schedule struct {
		OptimizeCron string `yaml:"optimize_cron"`
		EvaluateCron string `yaml:"evaluate_cron"`
		RetrainCron  string `yaml:"retrain_cron"`
	} `yaml:"schedule"`

	Ops struct {
		Listen string `yaml:"listen"`
	} `yaml:"ops"`

	LogLevel string `yaml:"log_level"`
}

// Load reads config from a YAML file, applies environment overrides,
// then fills defaults. Validate must be called separately so callers
// control when a bad config aborts.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("BIDPILOT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BIDPILOT_LISTEN"); v != "" {
		cfg.Ops.Listen = v
	}
	if v := os.Getenv("BIDPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "data/bidpilot.db"
	}
	if c.Engine.LookbackDays == 0 {
		c.Engine.LookbackDays = 14
	}
	if c.Engine.HistoryDays == 0 {
		c.Engine.HistoryDays = 30
	}
	if c.Engine.Attribution == "" {
		c.Engine.Attribution = "7d"
	}
	if c.Engine.BidFloor == 0 {
		c.Engine.BidFloor = 0.10
	}
	if c.Engine.BidCap == 0 {
		c.Engine.BidCap = 5.00
	}
	if c.Engine.StrategyID == "" {
		c.Engine.StrategyID = "bid_optimizer_v1"
	}
	if c.Engine.TreatmentPct == 0 {
		c.Engine.TreatmentPct = 90
	}
	if c.Smoothing.Strategy == "" {
		c.Smoothing.Strategy = "exponential"
	}
	if c.Smoothing.Alpha == 0 {
		c.Smoothing.Alpha = 0.4
	}
	if c.Safety.SpikeWindowDays == 0 {
		c.Safety.SpikeWindowDays = 3
	}
	if c.Safety.SpikeRatio == 0 {
		c.Safety.SpikeRatio = 2.0
	}
	if c.Safety.SpikeCutPct == 0 {
		c.Safety.SpikeCutPct = -0.50
	}
	if c.Safety.DailyLimitAction == "" {
		c.Safety.DailyLimitAction = "reduce"
	}
	if c.Safety.DailyLimitReduction == 0 {
		c.Safety.DailyLimitReduction = -0.10
	}
	if c.Classifier.TargetACOS == 0 {
		c.Classifier.TargetACOS = 0.30
	}
	if c.Classifier.LowDataSpend == 0 {
		c.Classifier.LowDataSpend = 5.0
	}
	if c.Classifier.LowDataClicks == 0 {
		c.Classifier.LowDataClicks = 5
	}
	if c.Classifier.TrendNudgePct == 0 {
		c.Classifier.TrendNudgePct = 0.10
	}
	if c.Classifier.ACOSTrendThreshold == 0 {
		c.Classifier.ACOSTrendThreshold = 0.25
	}
	if c.Gate.CancelBelow == 0 {
		c.Gate.CancelBelow = 0.45
	}
	if c.Gate.HalveBelow == 0 {
		c.Gate.HalveBelow = 0.60
	}
	if c.Gate.DampBelow == 0 {
		c.Gate.DampBelow = 0.75
	}
	if c.Gate.DampFactor == 0 {
		c.Gate.DampFactor = 0.8
	}
	if c.Gate.WarmupMinSamples == 0 {
		c.Gate.WarmupMinSamples = 200
	}
	if c.ReEntry.CooldownDays == 0 {
		c.ReEntry.CooldownDays = 3
	}
	if c.ReEntry.MinChangePct == 0 {
		c.ReEntry.MinChangePct = 0.05
	}
	if c.ReEntry.StabilitySamples == 0 {
		c.ReEntry.StabilitySamples = 7
	}
	if c.ReEntry.StabilityMaxCV == 0 {
		c.ReEntry.StabilityMaxCV = 0.20
	}
	if c.ReEntry.HysteresisLowerPct == 0 {
		c.ReEntry.HysteresisLowerPct = 0.15
	}
	if c.ReEntry.HysteresisUpperPct == 0 {
		c.ReEntry.HysteresisUpperPct = 0.15
	}
	if c.ReEntry.OscillationLookbackDays == 0 {
		c.ReEntry.OscillationLookbackDays = 14
	}
	if c.ReEntry.OscillationMaxReversals == 0 {
		c.ReEntry.OscillationMaxReversals = 3
	}
	if c.Learning.EvaluateAfterDays == 0 {
		c.Learning.EvaluateAfterDays = 14
	}
	if c.Learning.ACOSWeight == 0 {
		c.Learning.ACOSWeight = 0.4
	}
	if c.Learning.ROASWeight == 0 {
		c.Learning.ROASWeight = 0.4
	}
	if c.Learning.CTRWeight == 0 {
		c.Learning.CTRWeight = 0.2
	}
	if c.Learning.SuccessThreshold == 0 {
		c.Learning.SuccessThreshold = 0.10
	}
	if c.Learning.FailureThreshold == 0 {
		c.Learning.FailureThreshold = -0.05
	}
	if c.Learning.MinSpend == 0 {
		c.Learning.MinSpend = 2.0
	}
	if c.Learning.MinClicks == 0 {
		c.Learning.MinClicks = 3
	}
	if c.Learning.RetrainMinSamples == 0 {
		c.Learning.RetrainMinSamples = 100
	}
	if c.Learning.RetrainGrowthPct == 0 {
		c.Learning.RetrainGrowthPct = 0.20
	}
	if c.Learning.MinAUC == 0 {
		c.Learning.MinAUC = 0.60
	}
	if c.Learning.MinAccuracy == 0 {
		c.Learning.MinAccuracy = 0.60
	}
	if c.Learning.MinImprovement == 0 {
		c.Learning.MinImprovement = 0.01
	}
	if c.Learning.MaxVersions == 0 {
		c.Learning.MaxVersions = 5
	}
	if c.Learning.TestSplit == 0 {
		c.Learning.TestSplit = 0.25
	}
	if c.Schedule.OptimizeCron == "" {
		c.Schedule.OptimizeCron = "0 0 6 * * *"
	}
	if c.Schedule.EvaluateCron == "" {
		c.Schedule.EvaluateCron = "0 30 6 * * *"
	}
	if c.Schedule.RetrainCron == "" {
		c.Schedule.RetrainCron = "0 0 7 * * 1"
	}
	if c.Ops.Listen == "" {
		c.Ops.Listen = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the whole configuration in one pass. Any error here is
// fatal: the run must abort before the first entity is processed.
func (c *Config) Validate() error {
	if c.Engine.LookbackDays < 2 {
		return fmt.Errorf("engine.lookback_days must be >= 2, got %d", c.Engine.LookbackDays)
	}
	if c.Engine.HistoryDays < c.Engine.LookbackDays {
		return fmt.Errorf("engine.history_days (%d) must cover lookback_days (%d)",
			c.Engine.HistoryDays, c.Engine.LookbackDays)
	}
	if c.Engine.Attribution != "1d" && c.Engine.Attribution != "7d" {
		return fmt.Errorf("engine.attribution must be 1d or 7d, got %q", c.Engine.Attribution)
	}
	if c.Engine.BidFloor <= 0 || c.Engine.BidCap <= 0 {
		return fmt.Errorf("bid floor and cap must be positive")
	}
	if c.Engine.BidFloor >= c.Engine.BidCap {
		return fmt.Errorf("engine.bid_floor (%.2f) must be below bid_cap (%.2f)",
			c.Engine.BidFloor, c.Engine.BidCap)
	}
	if c.Engine.TreatmentPct < 0 || c.Engine.TreatmentPct > 100 {
		return fmt.Errorf("engine.treatment_pct must be in [0,100], got %d", c.Engine.TreatmentPct)
	}
	switch c.Smoothing.Strategy {
	case "exponential", "weighted", "simple":
	default:
		return fmt.Errorf("smoothing.strategy must be exponential, weighted or simple, got %q",
			c.Smoothing.Strategy)
	}
	if c.Smoothing.Alpha <= 0 || c.Smoothing.Alpha > 1 {
		return fmt.Errorf("smoothing.alpha must be in (0,1], got %.2f", c.Smoothing.Alpha)
	}
	if c.Safety.SpikeRatio < 1 {
		return fmt.Errorf("safety.spike_ratio must be >= 1, got %.2f", c.Safety.SpikeRatio)
	}
	if c.Safety.SpikeCutPct >= 0 {
		return fmt.Errorf("safety.spike_cut_pct must be negative, got %.2f", c.Safety.SpikeCutPct)
	}
	if c.Safety.DailyLimitAction != "pause" && c.Safety.DailyLimitAction != "reduce" {
		return fmt.Errorf("safety.daily_limit_action must be pause or reduce, got %q",
			c.Safety.DailyLimitAction)
	}
	if c.Classifier.TargetACOS <= 0 {
		return fmt.Errorf("classifier.target_acos must be positive, got %.2f", c.Classifier.TargetACOS)
	}
	if !(c.Gate.CancelBelow < c.Gate.HalveBelow && c.Gate.HalveBelow < c.Gate.DampBelow) {
		return fmt.Errorf("gate thresholds must be ordered cancel < halve < damp, got %.2f/%.2f/%.2f",
			c.Gate.CancelBelow, c.Gate.HalveBelow, c.Gate.DampBelow)
	}
	if c.Gate.DampFactor <= 0 || c.Gate.DampFactor > 1 {
		return fmt.Errorf("gate.damp_factor must be in (0,1], got %.2f", c.Gate.DampFactor)
	}
	if c.ReEntry.MinChangePct < 0 {
		return fmt.Errorf("reentry.min_change_pct must be >= 0, got %.2f", c.ReEntry.MinChangePct)
	}
	if c.ReEntry.HysteresisLowerPct <= 0 || c.ReEntry.HysteresisUpperPct <= 0 {
		return fmt.Errorf("reentry hysteresis bands must be positive")
	}
	wsum := c.Learning.ACOSWeight + c.Learning.ROASWeight + c.Learning.CTRWeight
	if math.Abs(wsum-1.0) > 1e-9 {
		return fmt.Errorf("learning outcome weights must sum to 1, got %.3f", wsum)
	}
	if c.Learning.SuccessThreshold <= 0 {
		return fmt.Errorf("learning.success_threshold must be positive, got %.2f",
			c.Learning.SuccessThreshold)
	}
	if c.Learning.FailureThreshold >= 0 {
		return fmt.Errorf("learning.failure_threshold must be negative, got %.2f",
			c.Learning.FailureThreshold)
	}
	if c.Learning.EvaluateAfterDays < 7 {
		return fmt.Errorf("learning.evaluate_after_days must be >= 7 so before/after windows do not overlap, got %d",
			c.Learning.EvaluateAfterDays)
	}
	if c.Learning.TestSplit <= 0 || c.Learning.TestSplit >= 1 {
		return fmt.Errorf("learning.test_split must be in (0,1), got %.2f", c.Learning.TestSplit)
	}
	if c.Learning.MaxVersions < 1 {
		return fmt.Errorf("learning.max_versions must be >= 1, got %d", c.Learning.MaxVersions)
	}
	return nil
}
