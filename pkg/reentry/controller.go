// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reentry decides whether an entity may be acted on again:
// cooldown, minimum change, ACOS stability, hysteresis deadband and
// oscillation detection, checked in that order. The first failing check
// names the block reason.
package reentry

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

// Block reasons, one per check.
const (
	BlockCooldown    = "cooldown"
	BlockMinChange   = "min_change"
	BlockUnstable    = "unstable_acos"
	BlockHysteresis  = "hysteresis_band"
	BlockOscillation = "oscillation"
)

// Config holds the controller thresholds; see config.Config.ReEntry.
type Config struct {
	CooldownDays            int
	MinChangePct            float64
	StabilitySamples        int
	StabilityMaxCV          float64
	HysteresisLowerPct      float64
	HysteresisUpperPct      float64
	OscillationLookbackDays int
	OscillationMaxReversals int
}

// HistoryReader is the store surface the controller needs. Read failures
// are handled fail-open: see Evaluate.
type HistoryReader interface {
	RecentChanges(entityType core.EntityType, entityID string, since time.Time) ([]core.BidChangeRecord, error)
}

// Decision is the controller's explicit verdict. FailOpen marks
// decisions allowed only because history could not be read; the policy
// is availability over strictness on read paths, and the flag keeps that
// branch auditable instead of an improvised shim.
type Decision struct {
	Allowed       bool
	BlockedBy     string
	Reason        string
	RemainingDays int
	FailOpen      bool
}

// Controller runs the five re-entry checks.
type Controller struct {
	cfg     Config
	history HistoryReader
	log     log.Logger
}

// New creates a controller.
func New(cfg Config, history HistoryReader, logger log.Logger) *Controller {
	return &Controller{cfg: cfg, history: history, log: logger}
}

// Evaluate runs the checks in order for one proposed adjustment.
// dailyACOS are the window's per-day ACOS samples, oldest first;
// targetACOS centers the hysteresis band.
func (c *Controller) Evaluate(
	entityType core.EntityType,
	entityID string,
	proposedPct float64,
	dailyACOS []float64,
	targetACOS float64,
	now time.Time,
) Decision {
	lookback := c.cfg.OscillationLookbackDays
	if cd := c.cfg.CooldownDays; cd > lookback {
		lookback = cd
	}
	changes, err := c.history.RecentChanges(entityType, entityID, now.AddDate(0, 0, -lookback))
	if err != nil {
		c.log.Warn("re-entry history unavailable, failing open",
			"entity", entityID, "error", err)
		return Decision{
			Allowed:  true,
			Reason:   "change history unavailable; proceeding by fail-open policy",
			FailOpen: true,
		}
	}

	if d := c.checkCooldown(changes, now); !d.Allowed {
		return d
	}
	if d := c.checkMinChange(proposedPct); !d.Allowed {
		return d
	}
	if d := c.checkStability(dailyACOS); !d.Allowed {
		return d
	}
	if d := c.checkHysteresis(dailyACOS, targetACOS); !d.Allowed {
		return d
	}
	if d := c.checkOscillation(changes, now); !d.Allowed {
		return d
	}
	return Decision{Allowed: true}
}

func (c *Controller) checkCooldown(changes []core.BidChangeRecord, now time.Time) Decision {
	var last time.Time
	for _, ch := range changes {
		if ch.ChangeDate.After(last) {
			last = ch.ChangeDate
		}
	}
	if last.IsZero() {
		return Decision{Allowed: true}
	}
	elapsed := int(now.Sub(last).Hours() / 24)
	if elapsed < c.cfg.CooldownDays {
		remaining := c.cfg.CooldownDays - elapsed
		return Decision{
			BlockedBy:     BlockCooldown,
			Reason:        fmt.Sprintf("cooldown: %d day(s) remaining", remaining),
			RemainingDays: remaining,
		}
	}
	return Decision{Allowed: true}
}

func (c *Controller) checkMinChange(proposedPct float64) Decision {
	if math.Abs(proposedPct) < c.cfg.MinChangePct {
		return Decision{
			BlockedBy: BlockMinChange,
			Reason: fmt.Sprintf("proposed change %.1f%% below %.1f%% threshold",
				math.Abs(proposedPct)*100, c.cfg.MinChangePct*100),
		}
	}
	return Decision{Allowed: true}
}

// checkStability blocks while the recent ACOS series is too noisy to
// trust: coefficient of variation at or above the ceiling means the
// trend has not settled.
func (c *Controller) checkStability(dailyACOS []float64) Decision {
	samples := finiteTail(dailyACOS, c.cfg.StabilitySamples)
	if len(samples) < 3 {
		// Too few finite samples to judge stability either way.
		return Decision{Allowed: true}
	}
	mean, std := meanStd(samples)
	if mean == 0 {
		return Decision{Allowed: true}
	}
	cv := std / mean
	if cv >= c.cfg.StabilityMaxCV {
		return Decision{
			BlockedBy: BlockUnstable,
			Reason:    fmt.Sprintf("ACOS coefficient of variation %.2f >= %.2f", cv, c.cfg.StabilityMaxCV),
		}
	}
	return Decision{Allowed: true}
}

// checkHysteresis is the anti-chatter deadband: a 70/30 blend of the
// most recent 7 days against the prior 7 must sit outside the band
// around target before any action is allowed.
func (c *Controller) checkHysteresis(dailyACOS []float64, targetACOS float64) Decision {
	if targetACOS <= 0 {
		return Decision{Allowed: true}
	}
	recent := finiteTail(dailyACOS, 7)
	var prior []float64
	if len(dailyACOS) > 7 {
		prior = finiteTail(dailyACOS[:len(dailyACOS)-7], 7)
	}
	if len(recent) == 0 {
		return Decision{Allowed: true}
	}
	recentMean, _ := meanStd(recent)
	smoothed := recentMean
	if len(prior) > 0 {
		priorMean, _ := meanStd(prior)
		smoothed = 0.7*recentMean + 0.3*priorMean
	}

	lower := targetACOS * (1 - c.cfg.HysteresisLowerPct)
	upper := targetACOS * (1 + c.cfg.HysteresisUpperPct)
	if smoothed >= lower && smoothed <= upper {
		return Decision{
			BlockedBy: BlockHysteresis,
			Reason: fmt.Sprintf("smoothed ACOS %.3f inside deadband [%.3f, %.3f]",
				smoothed, lower, upper),
		}
	}
	return Decision{Allowed: true}
}

// checkOscillation counts bid-direction reversals inside the lookback
// window. Repeated sign flips mean the control loop is chasing itself.
func (c *Controller) checkOscillation(changes []core.BidChangeRecord, now time.Time) Decision {
	since := now.AddDate(0, 0, -c.cfg.OscillationLookbackDays)
	sorted := make([]core.BidChangeRecord, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangeDate.Before(sorted[j].ChangeDate) })
	var signs []int
	for _, ch := range sorted {
		if ch.ChangeDate.Before(since) || ch.ChangePct == 0 {
			continue
		}
		s := 1
		if ch.ChangePct < 0 {
			s = -1
		}
		signs = append(signs, s)
	}
	reversals := 0
	for i := 1; i < len(signs); i++ {
		if signs[i] != signs[i-1] {
			reversals++
		}
	}
	if reversals >= c.cfg.OscillationMaxReversals {
		return Decision{
			BlockedBy: BlockOscillation,
			Reason: fmt.Sprintf("%d direction reversals in %d days; let it stabilize",
				reversals, c.cfg.OscillationLookbackDays),
		}
	}
	return Decision{Allowed: true}
}

func finiteTail(s []float64, n int) []float64 {
	out := make([]float64, 0, n)
	for _, v := range s {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func meanStd(samples []float64) (mean, std float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean = sum / float64(len(samples))
	var ss float64
	for _, v := range samples {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(samples)))
	return mean, std
}
