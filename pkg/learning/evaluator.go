// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package learning closes the loop: matured bid changes are paired with
// their after-window performance, scored, labeled, and fed back into
// model training with promotion gates and rollback.
package learning

import (
	"fmt"
	"math"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/metrics"
	"github.com/adxyz/bidpilot/pkg/store"
)

// EvaluatorConfig holds the outcome scoring thresholds; see
// config.Config.Learning.
type EvaluatorConfig struct {
	EvaluateAfterDays int
	ACOSWeight        float64
	ROASWeight        float64
	CTRWeight         float64
	SuccessThreshold  float64
	FailureThreshold  float64
	MinSpend          float64
	MinClicks         int64
	Attribution       string
}

// EvalSummary aggregates one evaluation run.
type EvalSummary struct {
	Matured   int
	Evaluated int
	Pending   int
	ByLabel   map[core.OutcomeLabel]int
}

// Evaluator scores matured changes.
type Evaluator struct {
	cfg EvaluatorConfig
	db  *store.Store
	log log.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig, db *store.Store, logger log.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, db: db, log: logger}
}

// Run evaluates every unevaluated change older than the maturity window.
// Changes whose after-window has no data yet stay pending for a later
// run; nothing is fabricated.
func (e *Evaluator) Run(rc core.RunContext) (EvalSummary, error) {
	now := rc.Clock()
	cutoff := now.AddDate(0, 0, -e.cfg.EvaluateAfterDays)

	matured, err := e.db.MaturedChanges(cutoff)
	if err != nil {
		return EvalSummary{}, fmt.Errorf("load matured changes: %w", err)
	}

	summary := EvalSummary{
		Matured: len(matured),
		ByLabel: make(map[core.OutcomeLabel]int),
	}
	for _, change := range matured {
		after, ok, err := e.afterWindow(change)
		if err != nil {
			e.log.Warn("after-window lookup failed, change stays pending",
				"change", change.ID, "error", err)
			summary.Pending++
			continue
		}
		if !ok {
			summary.Pending++
			continue
		}

		outcome := e.score(change, after)
		if err := e.db.RecordOutcome(outcome, now); err != nil {
			return summary, fmt.Errorf("record outcome for change %d: %w", change.ID, err)
		}
		summary.Evaluated++
		summary.ByLabel[outcome.Outcome]++
		metrics.IncOutcome(string(outcome.Outcome))

		e.log.Info("change evaluated",
			"change", change.ID, "entity", change.EntityID,
			"outcome", string(outcome.Outcome),
			"improvement", outcome.ImprovementPct,
			"eligible", outcome.EligibleForTraining)
	}
	return summary, nil
}

// afterWindow aggregates the EvaluateAfterDays following the change.
func (e *Evaluator) afterWindow(change core.BidChangeRecord) (core.MetricsSummary, bool, error) {
	records, err := e.db.PerformanceHistory(change.EntityType, change.EntityID, change.ChangeDate)
	if err != nil {
		return core.MetricsSummary{}, false, err
	}

	end := change.ChangeDate.AddDate(0, 0, e.cfg.EvaluateAfterDays)
	var after core.MetricsSummary
	days := 0
	for _, r := range records {
		if !r.Date.After(change.ChangeDate) || r.Date.After(end) {
			continue
		}
		after.Impressions += r.Impressions
		after.Clicks += r.Clicks
		after.Cost += r.Cost
		if e.cfg.Attribution == "1d" {
			after.Conversions += r.Conversions1D
			after.Sales += r.Sales1D
		} else {
			after.Conversions += r.Conversions7D
			after.Sales += r.Sales7D
		}
		days++
	}
	if days == 0 {
		return core.MetricsSummary{}, false, nil
	}

	if after.Sales > 0 {
		after.ACOS = after.Cost / after.Sales
	} else {
		after.ACOS = math.Inf(1)
	}
	if after.Cost > 0 {
		after.ROAS = after.Sales / after.Cost
	}
	if after.Impressions > 0 {
		after.CTR = float64(after.Clicks) / float64(after.Impressions)
	}
	return after, true, nil
}

// score computes the weighted outcome and applies the quality gate.
func (e *Evaluator) score(change core.BidChangeRecord, after core.MetricsSummary) core.PerformanceOutcome {
	before := change.PerformanceBefore

	acosImp := improvementLowerBetter(before.ACOS, after.ACOS)
	roasImp := improvementHigherBetter(before.ROAS, after.ROAS)
	ctrImp := improvementHigherBetter(before.CTR, after.CTR)

	score := e.cfg.ACOSWeight*acosImp + e.cfg.ROASWeight*roasImp + e.cfg.CTRWeight*ctrImp

	label := core.OutcomeNeutral
	switch {
	case score >= e.cfg.SuccessThreshold:
		label = core.OutcomeSuccess
	case score <= e.cfg.FailureThreshold:
		label = core.OutcomeFailure
	}

	// Below the spend/click floors the label is recorded for auditing
	// but never trains the model.
	eligible := after.Cost >= e.cfg.MinSpend && after.Clicks >= e.cfg.MinClicks

	return core.PerformanceOutcome{
		ChangeID:            change.ID,
		Before:              before,
		After:               after,
		Outcome:             label,
		ImprovementPct:      score,
		StrategyID:          change.StrategyID,
		PolicyVariant:       change.PolicyVariant,
		EligibleForTraining: eligible,
	}
}

// improvementLowerBetter measures relative improvement of a
// lower-is-better metric, capped to [-1, 1]. Infinite before-values
// (zero sales) improve fully when the after-value is finite.
func improvementLowerBetter(before, after float64) float64 {
	switch {
	case math.IsInf(before, 1) && math.IsInf(after, 1):
		return 0
	case math.IsInf(before, 1):
		return 1
	case math.IsInf(after, 1):
		return -1
	case before == 0:
		return 0
	}
	return cap1((before - after) / before)
}

func improvementHigherBetter(before, after float64) float64 {
	if before == 0 {
		if after > 0 {
			return 1
		}
		return 0
	}
	return cap1((after - before) / before)
}

func cap1(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}
