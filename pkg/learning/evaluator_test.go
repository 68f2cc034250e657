// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package learning

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/store"
)

var evalBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func evalConfig() EvaluatorConfig {
	return EvaluatorConfig{
		EvaluateAfterDays: 14,
		ACOSWeight:        0.4,
		ROASWeight:        0.4,
		CTRWeight:         0.2,
		SuccessThreshold:  0.10,
		FailureThreshold:  -0.05,
		MinSpend:          10,
		MinClicks:         5,
		Attribution:       "7d",
	}
}

func commitTestChange(t *testing.T, s *store.Store, entityID string, changeDate time.Time, before core.MetricsSummary) int64 {
	t.Helper()
	rec := &core.BidChangeRecord{
		EntityType:        core.EntityKeyword,
		EntityID:          entityID,
		ChangeDate:        changeDate,
		OldBid:            decimal.NewFromFloat(1.00),
		NewBid:            decimal.NewFromFloat(0.85),
		ChangeAmount:      decimal.NewFromFloat(-0.15),
		ChangePct:         -0.15,
		Reason:            "acos_above_target",
		StrategyID:        "bid_optimizer_v1",
		PolicyVariant:     "treatment",
		PerformanceBefore: before,
	}
	id, err := s.CommitChange(rec, []float64{1, 2, 3}, time.Hour, changeDate)
	require.NoError(t, err)
	return id
}

func seedAfterWindow(t *testing.T, s *store.Store, entityID string, changeDate time.Time, days int, perDay core.PerformanceRecord) {
	t.Helper()
	var records []core.PerformanceRecord
	for i := 1; i <= days; i++ {
		r := perDay
		r.EntityType = core.EntityKeyword
		r.EntityID = entityID
		r.Date = changeDate.AddDate(0, 0, i)
		records = append(records, r)
	}
	require.NoError(t, s.AddPerformanceRecords(records))
}

func TestEvaluatorLabelsSuccess(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	changeDate := evalBase
	commitTestChange(t, s, "kw-1", changeDate, core.MetricsSummary{
		Cost: 100, Sales: 200, ACOS: 0.5, ROAS: 2.0, CTR: 0.02,
	})
	// 7 days of clearly better performance inside the after-window.
	seedAfterWindow(t, s, "kw-1", changeDate, 7, core.PerformanceRecord{
		Impressions: 300, Clicks: 15, Cost: 8, Conversions7D: 2, Sales7D: 32,
	})

	ev := NewEvaluator(evalConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase.AddDate(0, 0, 20) }}
	summary, err := ev.Run(rc)
	require.NoError(err)
	require.Equal(1, summary.Matured)
	require.Equal(1, summary.Evaluated)
	require.Zero(summary.Pending)
	require.Equal(1, summary.ByLabel[core.OutcomeSuccess])

	// The labeled example clears the spend and click floors.
	n, err := s.EligibleOutcomeCount()
	require.NoError(err)
	require.Equal(1, n)
}

func TestEvaluatorLabelsFailure(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	changeDate := evalBase
	commitTestChange(t, s, "kw-2", changeDate, core.MetricsSummary{
		Cost: 60, Sales: 200, ACOS: 0.3, ROAS: 3.33, CTR: 0.05,
	})
	// Performance deteriorates after the change.
	seedAfterWindow(t, s, "kw-2", changeDate, 7, core.PerformanceRecord{
		Impressions: 200, Clicks: 10, Cost: 12, Conversions7D: 1, Sales7D: 20,
	})

	ev := NewEvaluator(evalConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase.AddDate(0, 0, 20) }}
	summary, err := ev.Run(rc)
	require.NoError(err)
	require.Equal(1, summary.ByLabel[core.OutcomeFailure])
}

func TestEvaluatorNoAfterDataStaysPending(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	commitTestChange(t, s, "kw-3", evalBase, core.MetricsSummary{ACOS: 0.4})

	ev := NewEvaluator(evalConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase.AddDate(0, 0, 20) }}
	summary, err := ev.Run(rc)
	require.NoError(err)
	require.Equal(1, summary.Matured)
	require.Zero(summary.Evaluated)
	require.Equal(1, summary.Pending)

	// A later run with data present picks the change up.
	seedAfterWindow(t, s, "kw-3", evalBase, 5, core.PerformanceRecord{
		Impressions: 500, Clicks: 20, Cost: 5, Conversions7D: 1, Sales7D: 40,
	})
	summary, err = ev.Run(rc)
	require.NoError(err)
	require.Equal(1, summary.Evaluated)
}

func TestEvaluatorSkipsImmatureChanges(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	commitTestChange(t, s, "kw-4", evalBase.AddDate(0, 0, 15), core.MetricsSummary{ACOS: 0.4})

	ev := NewEvaluator(evalConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase.AddDate(0, 0, 20) }}
	summary, err := ev.Run(rc)
	require.NoError(err)
	require.Zero(summary.Matured)
}

func TestEvaluatorQualityGateBlocksTraining(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	changeDate := evalBase
	commitTestChange(t, s, "kw-5", changeDate, core.MetricsSummary{
		Cost: 100, Sales: 200, ACOS: 0.5, ROAS: 2.0, CTR: 0.02,
	})
	// Improvement is real but the window spend is below the floor.
	seedAfterWindow(t, s, "kw-5", changeDate, 3, core.PerformanceRecord{
		Impressions: 50, Clicks: 2, Cost: 1, Conversions7D: 1, Sales7D: 10,
	})

	ev := NewEvaluator(evalConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase.AddDate(0, 0, 20) }}
	summary, err := ev.Run(rc)
	require.NoError(err)
	require.Equal(1, summary.Evaluated)
	require.Equal(1, summary.ByLabel[core.OutcomeSuccess])

	// Labeled for auditing, never for training.
	n, err := s.EligibleOutcomeCount()
	require.NoError(err)
	require.Zero(n)
}

func TestImprovementLowerBetterInfinities(t *testing.T) {
	require := require.New(t)
	inf := math.Inf(1)

	// No sales before and after: no signal either way.
	require.Zero(improvementLowerBetter(inf, inf))
	// First sale after the change is full improvement.
	require.Equal(1.0, improvementLowerBetter(inf, 0.4))
	// Sales dried up entirely.
	require.Equal(-1.0, improvementLowerBetter(0.4, inf))
	// Relative delta, capped.
	require.InDelta(0.5, improvementLowerBetter(0.4, 0.2), 1e-9)
	require.Equal(-1.0, improvementLowerBetter(0.1, 0.9))
}

func TestImprovementHigherBetter(t *testing.T) {
	require := require.New(t)
	require.Equal(1.0, improvementHigherBetter(0, 2.5))
	require.Zero(improvementHigherBetter(0, 0))
	require.InDelta(0.5, improvementHigherBetter(2.0, 3.0), 1e-9)
	require.Equal(-1.0, improvementHigherBetter(4.0, 0))
}
