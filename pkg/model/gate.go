// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import (
	"github.com/adxyz/bidpilot/pkg/log"
)

// GateAction names what the gate did to the blended adjustment.
type GateAction string

const (
	GateApply         GateAction = "apply"
	GateDamp          GateAction = "damp"
	GateHalve         GateAction = "halve"
	GateCancel        GateAction = "cancel"
	GateBypassNoModel GateAction = "bypass_no_model"
	GateBypassWarmup  GateAction = "bypass_warmup"
)

// GateConfig holds the gate thresholds; see config.Config.Gate.
type GateConfig struct {
	Enabled          bool
	CancelBelow      float64
	HalveBelow       float64
	DampBelow        float64
	DampFactor       float64
	WarmupMinSamples int
}

// GateResult reports the gate's effect on the proposed adjustment.
type GateResult struct {
	Percentage  float64
	Action      GateAction
	Probability float64
}

// Gate scales or cancels blended adjustments by the model's predicted
// success probability.
type Gate struct {
	cfg     GateConfig
	model   *Model
	samples int
	log     log.Logger
}

// NewGate creates a gate. model may be nil (no trained model yet);
// samples is the labeled training example count used for the warm-up
// decision.
func NewGate(cfg GateConfig, m *Model, samples int, logger log.Logger) *Gate {
	return &Gate{cfg: cfg, model: m, samples: samples, log: logger}
}

// Apply gates one blended percentage. Bypass is explicit and logged,
// never a silent default: either no model is deployed or the sample
// count is below the warm-up floor.
func (g *Gate) Apply(entityID string, pct float64, features []float64) GateResult {
	if !g.cfg.Enabled || g.model == nil {
		g.log.Info("ml gate bypassed: no model deployed", "entity", entityID)
		return GateResult{Percentage: pct, Action: GateBypassNoModel}
	}
	if g.samples < g.cfg.WarmupMinSamples {
		g.log.Info("ml gate bypassed: warm-up",
			"entity", entityID, "samples", g.samples, "floor", g.cfg.WarmupMinSamples)
		return GateResult{Percentage: pct, Action: GateBypassWarmup}
	}

	prob, err := g.model.Predict(features)
	if err != nil {
		// A broken vector means model and features disagree on layout.
		// Fail open on the advisory read path, loudly.
		g.log.Error("ml gate predict failed, bypassing", "entity", entityID, "error", err)
		return GateResult{Percentage: pct, Action: GateBypassNoModel}
	}

	switch {
	case prob < g.cfg.CancelBelow:
		g.log.Info("ml gate canceled cycle", "entity", entityID, "probability", prob)
		return GateResult{Percentage: 0, Action: GateCancel, Probability: prob}
	case prob < g.cfg.HalveBelow:
		return GateResult{Percentage: pct * 0.5, Action: GateHalve, Probability: prob}
	case prob < g.cfg.DampBelow:
		return GateResult{Percentage: pct * g.cfg.DampFactor, Action: GateDamp, Probability: prob}
	default:
		return GateResult{Percentage: pct, Action: GateApply, Probability: prob}
	}
}
