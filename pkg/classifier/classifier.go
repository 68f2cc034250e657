// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package classifier maps a performance snapshot to a discrete rank and a
// base adjustment percentage. Entities with zero sales go through a
// separate decision table; both branches are bounded and a low-data zone
// forces the adjustment to zero.
package classifier

import (
	"fmt"
	"math"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/perf"
)

const (
	// Bounds on the classifier's output adjustment.
	minAdjustment = -0.30
	maxAdjustment = 0.35

	sourceName      = "classifier.tiered"
	trendSourceName = "classifier.acos_trend"
)

// noSaleBand is one row of the zero-sale decision table. Bands are
// evaluated in order; the first match wins.
type noSaleBand struct {
	name       string
	matches    func(s *perf.Snapshot) bool
	multiplier float64
}

// noSaleBands runs from "no signal yet, don't punish" down to the heavy
// spend tiers. Escalating spend with zero conversions earns escalating
// cuts, capped at -30%.
var noSaleBands = []noSaleBand{
	{
		name:       "no clicks yet",
		matches:    func(s *perf.Snapshot) bool { return s.Clicks == 0 },
		multiplier: 1.05,
	},
	{
		name:       "heavy spend, zero conversions",
		matches:    func(s *perf.Snapshot) bool { return s.Cost > 30 },
		multiplier: 0.70,
	},
	{
		name:       "moderate spend, zero conversions",
		matches:    func(s *perf.Snapshot) bool { return s.Cost > 20 },
		multiplier: 0.85,
	},
	{
		name:       "rising spend, zero conversions",
		matches:    func(s *perf.Snapshot) bool { return s.Cost > 10 },
		multiplier: 0.90,
	},
	{
		name:       "low spend, insufficient signal",
		matches:    func(s *perf.Snapshot) bool { return true },
		multiplier: 1.02,
	},
}

// rankBand maps a smoothed-ACOS-to-target ratio ceiling to a rank.
type rankBand struct {
	rank       string
	maxRatio   float64
	multiplier float64
}

// rankBands order best to worst. Ratio is smoothed ACOS / target ACOS.
var rankBands = []rankBand{
	{"A+", 0.50, 1.20},
	{"A", 0.75, 1.15},
	{"B", 1.00, 1.10},
	{"C", 1.25, 0.95},
	{"D", 1.60, 0.85},
	{"F", math.Inf(1), 0.70},
}

// Config holds the classifier thresholds; see config.Config.Classifier.
type Config struct {
	TargetACOS         float64
	LowDataSpend       float64
	LowDataClicks      int64
	TrendNudgePct      float64
	ACOSTrendVeto      bool
	ACOSTrendThreshold float64
}

// Decision is the classifier's output for one snapshot.
type Decision struct {
	Rank     string
	Branch   string // "no_sale" or "sale"
	LowData  bool
	Base     core.AdjustmentProposal
	// Trend is a secondary nudge or veto derived from the ACOS trend
	// comparison; nil when the trend is flat or unknown.
	Trend *core.AdjustmentProposal
}

// Classifier implements the tiered performance classification.
type Classifier struct {
	cfg Config
	log log.Logger
}

// New creates a classifier.
func New(cfg Config, logger log.Logger) *Classifier {
	return &Classifier{cfg: cfg, log: logger}
}

// Classify maps a snapshot to a decision. The two branches are mutually
// exclusive: zero sales (ACOS=+Inf) always takes the no-sale table and
// never the rank bands.
func (c *Classifier) Classify(snap *perf.Snapshot) Decision {
	var d Decision
	if snap.HasSales() {
		d = c.classifySale(snap)
	} else {
		d = c.classifyNoSale(snap)
	}

	// Acting on statistically insignificant data is worse than waiting.
	if snap.Cost < c.cfg.LowDataSpend || snap.Clicks < c.cfg.LowDataClicks {
		d.LowData = true
		d.Base.Percentage = 0
		d.Base.Reason = fmt.Sprintf("%s (low-data zone, holding)", d.Base.Reason)
	}

	d.Trend = c.trendProposal(snap)
	return d
}

func (c *Classifier) classifyNoSale(snap *perf.Snapshot) Decision {
	for _, band := range noSaleBands {
		if band.matches(snap) {
			pct := clampAdjustment(band.multiplier - 1)
			c.log.Debug("classifier: no-sale band",
				"entity", snap.EntityID, "band", band.name, "pct", pct)
			return Decision{
				Rank:   "NS",
				Branch: "no_sale",
				Base: core.AdjustmentProposal{
					Source:     sourceName,
					Percentage: pct,
					Priority:   core.PriorityHigh,
					Confidence: c.confidence(snap),
					Reason:     band.name,
				},
			}
		}
	}
	// The last band matches everything; unreachable.
	return Decision{Rank: "NS", Branch: "no_sale"}
}

func (c *Classifier) classifySale(snap *perf.Snapshot) Decision {
	ratio := snap.SmoothedACOS / c.cfg.TargetACOS
	for _, band := range rankBands {
		if ratio <= band.maxRatio {
			mult := band.multiplier
			if bonus := orderBonus(band.rank, snap.Conversions); bonus > 0 {
				mult += bonus
			}
			pct := clampAdjustment(mult - 1)
			c.log.Debug("classifier: rank band",
				"entity", snap.EntityID, "rank", band.rank,
				"acos_ratio", ratio, "pct", pct)
			return Decision{
				Rank:   band.rank,
				Branch: "sale",
				Base: core.AdjustmentProposal{
					Source:     sourceName,
					Percentage: pct,
					Priority:   core.PriorityHigh,
					Confidence: c.confidence(snap),
					Reason:     fmt.Sprintf("rank %s at %.0f%% of target ACOS", band.rank, ratio*100),
				},
			}
		}
	}
	return Decision{Rank: "F", Branch: "sale"}
}

// orderBonus scales good-rank increases with observed order volume. More
// orders at a good ACOS justify a larger raise; the clamp caps the total.
func orderBonus(rank string, orders int64) float64 {
	switch rank {
	case "A+", "A", "B":
	default:
		return 0
	}
	switch {
	case orders >= 25:
		return 0.10
	case orders >= 10:
		return 0.05
	default:
		return 0
	}
}

// trendProposal compares the current 14-day ACOS to the prior 14-day
// window. A worsening trend beyond the threshold yields a -10% nudge, or
// a veto when configured; an improving one a +10% nudge.
func (c *Classifier) trendProposal(snap *perf.Snapshot) *core.AdjustmentProposal {
	if snap.PriorACOS <= 0 || math.IsInf(snap.ACOS, 0) {
		return nil
	}
	change := (snap.ACOS - snap.PriorACOS) / snap.PriorACOS
	if math.Abs(change) < c.cfg.ACOSTrendThreshold {
		return nil
	}

	if change > 0 {
		if c.cfg.ACOSTrendVeto {
			return &core.AdjustmentProposal{
				Source:     trendSourceName,
				Priority:   core.PriorityHigh,
				Confidence: 0.9,
				Veto:       true,
				Reason:     fmt.Sprintf("ACOS worsening %.0f%% vs prior window", change*100),
			}
		}
		return &core.AdjustmentProposal{
			Source:     trendSourceName,
			Percentage: -c.cfg.TrendNudgePct,
			Priority:   core.PriorityMedium,
			Confidence: 0.7,
			Reason:     fmt.Sprintf("ACOS worsening %.0f%% vs prior window", change*100),
		}
	}
	return &core.AdjustmentProposal{
		Source:     trendSourceName,
		Percentage: c.cfg.TrendNudgePct,
		Priority:   core.PriorityMedium,
		Confidence: 0.7,
		Reason:     fmt.Sprintf("ACOS improving %.0f%% vs prior window", -change*100),
	}
}

// confidence grows with click volume; floored so a proposal always has
// some weight in the blend.
func (c *Classifier) confidence(snap *perf.Snapshot) float64 {
	conf := float64(snap.Clicks) / 100.0
	if conf > 0.95 {
		conf = 0.95
	}
	if conf < 0.30 {
		conf = 0.30
	}
	return conf
}

func clampAdjustment(pct float64) float64 {
	if pct < minAdjustment {
		return minAdjustment
	}
	if pct > maxAdjustment {
		return maxAdjustment
	}
	return pct
}
