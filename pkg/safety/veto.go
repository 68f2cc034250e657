// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package safety runs the hard stop-loss checks before any bid math.
// A triggered check vetoes the normal pipeline: the resolved action is
// either a forced cut, a global reduction, or a pause that suppresses the
// recommendation entirely.
package safety

import (
	"sort"
	"time"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

// Action is the resolved outcome of a triggered safety check.
type Action string

const (
	ActionNone     Action = "none"
	ActionForceCut Action = "force_cut"
	ActionReduce   Action = "reduce"
	ActionPause    Action = "pause"
)

// Result is the safety layer's verdict for one entity this cycle.
type Result struct {
	Triggered  bool
	Action     Action
	Percentage float64
	Reason     string
	Proposal   core.AdjustmentProposal
}

// Config holds the safety thresholds; see config.Config.Safety.
type Config struct {
	SpikeWindowDays     int
	SpikeRatio          float64
	SpikeCutPct         float64
	DailySpendLimit     float64
	DailyLimitAction    string
	DailyLimitReduction float64
}

// Checker runs the two independent hard checks.
type Checker struct {
	cfg Config
	log log.Logger
}

// NewChecker creates a safety checker.
func NewChecker(cfg Config, logger log.Logger) *Checker {
	return &Checker{cfg: cfg, log: logger}
}

// Check evaluates both safety checks for one entity. attribution selects
// the conversion columns; ledger carries today's cross-entity spend.
// The spend-spike check runs first; the daily-limit check can escalate a
// cut to a pause.
func (c *Checker) Check(
	entity core.Entity,
	records []core.PerformanceRecord,
	ledger *SpendLedger,
	attribution string,
	end time.Time,
) Result {
	if r := c.checkSpendSpike(entity, records, attribution, end); r.Triggered {
		return r
	}
	return c.checkDailyLimit(entity, ledger)
}

// checkSpendSpike compares the most recent N days to the preceding N days.
// Fires only when both windows are fully populated: a spike cannot be
// inferred from a partial baseline.
func (c *Checker) checkSpendSpike(
	entity core.Entity,
	records []core.PerformanceRecord,
	attribution string,
	end time.Time,
) Result {
	n := c.cfg.SpikeWindowDays

	sorted := make([]core.PerformanceRecord, 0, len(records))
	for _, r := range records {
		if !r.Date.IsZero() && !r.Date.After(end) {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	if len(sorted) < 2*n {
		return Result{Action: ActionNone}
	}

	recent := sorted[len(sorted)-n:]
	prior := sorted[len(sorted)-2*n : len(sorted)-n]

	var recentSpend, priorSpend float64
	var recentConv, priorConv int64
	for _, r := range recent {
		recentSpend += r.Cost
		recentConv += conversions(r, attribution)
	}
	for _, r := range prior {
		priorSpend += r.Cost
		priorConv += conversions(r, attribution)
	}

	if priorSpend <= 0 {
		return Result{Action: ActionNone}
	}
	ratio := recentSpend / priorSpend
	if ratio < c.cfg.SpikeRatio || recentConv > priorConv {
		return Result{Action: ActionNone}
	}

	reason := "spend spike without conversion growth"
	c.log.Warn("safety: spend spike veto",
		"entity", entity.ID, "ratio", ratio,
		"recent_spend", recentSpend, "prior_spend", priorSpend)
	return Result{
		Triggered:  true,
		Action:     ActionForceCut,
		Percentage: c.cfg.SpikeCutPct,
		Reason:     reason,
		Proposal: core.AdjustmentProposal{
			Source:     "safety.spend_spike",
			Percentage: c.cfg.SpikeCutPct,
			Priority:   core.PriorityCritical,
			Confidence: 1.0,
			Veto:       true,
			Reason:     reason,
		},
	}
}

// checkDailyLimit compares account-wide spend for the day to the
// configured ceiling. Campaigns are paused; lower levels get the global
// reduction factor. A zero limit disables the check.
func (c *Checker) checkDailyLimit(entity core.Entity, ledger *SpendLedger) Result {
	if c.cfg.DailySpendLimit <= 0 || ledger == nil {
		return Result{Action: ActionNone}
	}
	total := ledger.Total()
	if total < c.cfg.DailySpendLimit {
		return Result{Action: ActionNone}
	}

	reason := "account daily spend limit reached"
	action := ActionReduce
	pct := c.cfg.DailyLimitReduction
	if c.cfg.DailyLimitAction == "pause" && entity.Type == core.EntityCampaign {
		action = ActionPause
		pct = 0
	}

	c.log.Warn("safety: daily limit veto",
		"entity", entity.ID, "total_spend", total,
		"limit", c.cfg.DailySpendLimit, "action", string(action))
	return Result{
		Triggered:  true,
		Action:     action,
		Percentage: pct,
		Reason:     reason,
		Proposal: core.AdjustmentProposal{
			Source:     "safety.daily_limit",
			Percentage: pct,
			Priority:   core.PriorityCritical,
			Confidence: 1.0,
			Veto:       true,
			Reason:     reason,
		},
	}
}

func conversions(r core.PerformanceRecord, attribution string) int64 {
	if attribution == "1d" {
		return r.Conversions1D
	}
	return r.Conversions7D
}
