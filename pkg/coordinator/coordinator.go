// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package coordinator merges every adjustment proposal produced in a
// cycle into one blended percentage under veto semantics. Heterogeneous
// producers coexist here: no source dominates the blend unless it vetoes.
package coordinator

import (
	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

// priorityWeights order proposal influence in the blend.
var priorityWeights = map[core.Priority]float64{
	core.PriorityCritical: 1.0,
	core.PriorityHigh:     0.8,
	core.PriorityMedium:   0.5,
	core.PriorityLow:      0.3,
}

const minConfidence = 0.05

// Coordinator resolves a proposal set into a CoordinationResult.
type Coordinator struct {
	// allowed restricts which sources may enter the blend for the
	// configured strategy. Empty means all sources. This is the explicit
	// strategy-selection step that keeps a legacy rule set and the
	// optimizer from double-dipping on the same entity.
	allowed map[string]bool
	log     log.Logger
}

// New creates a coordinator. allowedSources may be empty.
func New(allowedSources []string, logger log.Logger) *Coordinator {
	var allowed map[string]bool
	if len(allowedSources) > 0 {
		allowed = make(map[string]bool, len(allowedSources))
		for _, s := range allowedSources {
			allowed[s] = true
		}
	}
	return &Coordinator{allowed: allowed, log: logger}
}

// Resolve applies veto dominance, then blends the surviving proposals by
// confidence-and-priority weight. Vetoes are honored regardless of the
// source filter; the first veto's reason is returned.
func (c *Coordinator) Resolve(proposals []core.AdjustmentProposal) core.CoordinationResult {
	for _, p := range proposals {
		if p.Veto {
			c.log.Info("coordination vetoed",
				"source", p.Source, "reason", p.Reason)
			return core.CoordinationResult{
				Allowed:    false,
				VetoSource: p.Source,
				VetoReason: p.Reason,
			}
		}
	}

	var (
		weightedSum   float64
		weightSum     float64
		contributions []core.Contribution
	)
	for _, p := range proposals {
		if c.allowed != nil && !c.allowed[p.Source] {
			c.log.Debug("proposal source not selected for strategy", "source", p.Source)
			continue
		}
		if p.Percentage == 0 {
			continue
		}
		conf := p.Confidence
		if conf < minConfidence {
			conf = minConfidence
		}
		w := priorityWeights[p.Priority] * conf
		if w <= 0 {
			continue
		}
		weightedSum += p.Percentage * w
		weightSum += w
		contributions = append(contributions, core.Contribution{
			Source:     p.Source,
			Percentage: p.Percentage,
			Weight:     w,
		})
	}

	result := core.CoordinationResult{Allowed: true, Contributions: contributions}
	if weightSum > 0 {
		result.Percentage = weightedSum / weightSum
	}
	return result
}
