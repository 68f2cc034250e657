// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package learning

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/store"
)

func trainerConfig() TrainerConfig {
	return TrainerConfig{
		RetrainMinSamples: 10,
		RetrainGrowthPct:  0.20,
		MinAUC:            0.60,
		MinAccuracy:       0.60,
		MinImprovement:    0.01,
		MaxVersions:       5,
		TestSplit:         0.25,
	}
}

// seedLabeledExamples writes n labeled training rows through the normal
// change/outcome path. The label tracks the sign of the first feature,
// so the data is linearly separable.
func seedLabeledExamples(t *testing.T, s *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		success := i%3 != 0
		x0 := 1.0
		if !success {
			x0 = -1.0
		}
		features := []float64{x0, float64(i%5) * 0.1, 0.5}
		id := commitLabeledChange(t, s, fmt.Sprintf("kw-train-%d", i), features)

		label := core.OutcomeFailure
		score := -0.3
		if success {
			label = core.OutcomeSuccess
			score = 0.3
		}
		err := s.RecordOutcome(core.PerformanceOutcome{
			ChangeID:            id,
			Before:              core.MetricsSummary{ACOS: 0.5},
			After:               core.MetricsSummary{ACOS: 0.3, Cost: 50, Clicks: 40},
			Outcome:             label,
			ImprovementPct:      score,
			StrategyID:          "bid_optimizer_v1",
			PolicyVariant:       "treatment",
			EligibleForTraining: true,
		}, evalBase.AddDate(0, 0, 14))
		require.NoError(t, err)
	}
}

func commitLabeledChange(t *testing.T, s *store.Store, entityID string, features []float64) int64 {
	t.Helper()
	rec := &core.BidChangeRecord{
		EntityType:        core.EntityKeyword,
		EntityID:          entityID,
		ChangeDate:        evalBase,
		OldBid:            decimal.NewFromFloat(1.00),
		NewBid:            decimal.NewFromFloat(0.90),
		ChangeAmount:      decimal.NewFromFloat(-0.10),
		ChangePct:         -0.10,
		Reason:            "acos_above_target",
		StrategyID:        "bid_optimizer_v1",
		PolicyVariant:     "treatment",
		PerformanceBefore: core.MetricsSummary{ACOS: 0.5},
	}
	id, err := s.CommitChange(rec, features, time.Hour, evalBase)
	require.NoError(t, err)
	return id
}

func TestShouldRetrain(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	tr := NewTrainer(trainerConfig(), s, log.NoOp())

	// No labeled data yet.
	ok, err := tr.ShouldRetrain()
	require.NoError(err)
	require.False(ok)

	// Enough samples and no promoted model: train.
	seedLabeledExamples(t, s, 12)
	ok, err = tr.ShouldRetrain()
	require.NoError(err)
	require.True(ok)

	// Promoted model trained on all current samples: no growth.
	_, err = tr.Train(core.RunContext{Now: func() time.Time { return evalBase }})
	require.NoError(err)
	ok, err = tr.ShouldRetrain()
	require.NoError(err)
	require.False(ok)
}

func TestTrainPromotesOnSeparableData(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedLabeledExamples(t, s, 30)

	tr := NewTrainer(trainerConfig(), s, log.NoOp())
	res, err := tr.Train(core.RunContext{Now: func() time.Time { return evalBase }})
	require.NoError(err)
	require.True(res.Promoted)
	require.Equal(1, res.Version.Version)
	require.Equal(30, res.Version.Samples)
	require.GreaterOrEqual(res.Version.AUC, 0.9)
	require.GreaterOrEqual(res.Version.TestAccuracy, 0.9)
	require.Less(res.Version.Brier, 0.25)

	current, err := s.CurrentModel()
	require.NoError(err)
	require.Equal(1, current.Version)
	require.Len(current.Weights, 3)
}

func TestTrainRefusesWithoutImprovement(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedLabeledExamples(t, s, 30)

	tr := NewTrainer(trainerConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase }}

	first, err := tr.Train(rc)
	require.NoError(err)
	require.True(first.Promoted)

	// Same data, same model quality: no improvement, stays unpromoted.
	second, err := tr.Train(rc)
	require.NoError(err)
	require.False(second.Promoted)
	require.Equal(2, second.Version.Version)
	require.Contains(second.Reason, "does not improve")

	current, err := s.CurrentModel()
	require.NoError(err)
	require.Equal(1, current.Version)

	// The rejected version is retained for inspection.
	latest, err := s.LatestVersion()
	require.NoError(err)
	require.Equal(2, latest)
}

func TestTrainRefusesBelowAUCFloor(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	// Constant features: the model cannot rank positives over negatives,
	// AUC sits at 0.5 and the floor rejects the version.
	for i := 0; i < 20; i++ {
		id := commitLabeledChange(t, s, fmt.Sprintf("kw-noise-%d", i), []float64{1, 1, 1})
		label := core.OutcomeSuccess
		if i%2 == 0 {
			label = core.OutcomeFailure
		}
		err := s.RecordOutcome(core.PerformanceOutcome{
			ChangeID:            id,
			Outcome:             label,
			StrategyID:          "bid_optimizer_v1",
			EligibleForTraining: true,
		}, evalBase)
		require.NoError(err)
	}

	tr := NewTrainer(trainerConfig(), s, log.NoOp())
	res, err := tr.Train(core.RunContext{Now: func() time.Time { return evalBase }})
	require.NoError(err)
	require.False(res.Promoted)
	require.Contains(res.Reason, "below floor")

	_, err = s.CurrentModel()
	require.ErrorIs(err, store.ErrNoPromotedModel)
}

func TestTrainTooFewSamples(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedLabeledExamples(t, s, 5)

	tr := NewTrainer(trainerConfig(), s, log.NoOp())
	_, err := tr.Train(core.RunContext{Now: func() time.Time { return evalBase }})
	require.ErrorIs(err, ErrTooFewSamples)
}

func TestRollback(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedLabeledExamples(t, s, 30)

	tr := NewTrainer(trainerConfig(), s, log.NoOp())
	rc := core.RunContext{Now: func() time.Time { return evalBase }}
	_, err := tr.Train(rc)
	require.NoError(err)

	// Promote a second version directly so there is something to roll
	// back from.
	v2 := core.ModelVersion{
		Version: 2, Weights: []float64{0, 0, 0}, ScalerMean: []float64{0, 0, 0},
		ScalerStd: []float64{1, 1, 1}, Samples: 30,
		TrainAccuracy: 0.9, TestAccuracy: 0.9, AUC: 0.95, Brier: 0.1,
		TrainedAt: evalBase,
	}
	require.NoError(s.SaveModelVersion(v2, true, 5))

	// A target at or past the current version is rejected.
	require.ErrorIs(tr.Rollback(2), store.ErrRollbackTarget)
	require.ErrorIs(tr.Rollback(3), store.ErrRollbackTarget)

	require.NoError(tr.Rollback(1))
	current, err := s.CurrentModel()
	require.NoError(err)
	require.Equal(1, current.Version)
}

func TestSplitDeterministicAndSized(t *testing.T) {
	require := require.New(t)

	var examples []store.TrainingExample
	for i := 0; i < 40; i++ {
		examples = append(examples, store.TrainingExample{ChangeID: int64(i)})
	}
	train, test := split(examples, 0.25)
	require.Len(test, 10)
	require.Len(train, 30)

	train2, test2 := split(examples, 0.25)
	require.Equal(train, train2)
	require.Equal(test, test2)
}
