// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package signals defines the contract boundary with external advisory
// signal producers (keyword, long-tail, ranking, seasonality, profit
// heuristics and the optional statistical add-ons). Producers are opaque
// to the engine: zero or more signals per entity per cycle, no ordering
// guarantee.
package signals

import (
	"context"

	"github.com/adxyz/bidpilot/pkg/core"
)

// Provider supplies advisory signals for one entity. Lookup failures are
// fail-open at the engine: advice is optional, decisions are not.
type Provider interface {
	Name() string
	Signals(ctx context.Context, entityType core.EntityType, entityID string) ([]core.AdvisorySignal, error)
}

// signal-type to proposal priority: warnings outrank suggestions.
var signalPriority = map[core.SignalType]core.Priority{
	core.SignalWarning:      core.PriorityMedium,
	core.SignalOpportunity:  core.PriorityLow,
	core.SignalOptimization: core.PriorityLow,
}

// maxAdvisoryPct bounds how hard a single advisory signal can push.
const maxAdvisoryPct = 0.10

// ToProposal converts an advisory signal into an adjustment proposal.
// Strength maps to confidence; warnings push down, opportunities push up,
// both scaled by strength and bounded.
func ToProposal(sig core.AdvisorySignal) core.AdjustmentProposal {
	pct := sig.Strength * maxAdvisoryPct
	if sig.SignalType == core.SignalWarning {
		pct = -pct
	}
	prio, ok := signalPriority[sig.SignalType]
	if !ok {
		prio = core.PriorityLow
	}
	return core.AdjustmentProposal{
		Source:     "signals." + sig.EngineName,
		Percentage: pct,
		Priority:   prio,
		Confidence: sig.Strength,
		Reason:     sig.RecommendationText,
	}
}
