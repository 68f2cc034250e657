// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), log.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testChange(now time.Time) *core.BidChangeRecord {
	return &core.BidChangeRecord{
		EntityType:    core.EntityKeyword,
		EntityID:      "kw-1",
		ChangeDate:    now,
		OldBid:        decimal.NewFromFloat(1.00),
		NewBid:        decimal.NewFromFloat(0.70),
		ChangeAmount:  decimal.NewFromFloat(-0.30),
		ChangePct:     -0.30,
		Reason:        "heavy spend, zero conversions",
		StrategyID:    "bid_optimizer_v1",
		PolicyVariant: "treatment",
		PerformanceBefore: core.MetricsSummary{
			Cost: 40, Clicks: 12, Impressions: 600,
		},
	}
}

func (s *Store) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestCommitChangeWritesBothRows(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	id, err := s.CommitChange(testChange(now), []float64{1, 2, 3}, 72*time.Hour, now)
	require.NoError(err)
	require.Positive(id)

	lock, err := s.ActiveLock(core.EntityKeyword, "kw-1", now)
	require.NoError(err)
	require.Equal(id, lock.LastChangeID)
	require.True(lock.LockedUntil.After(now))

	changes, err := s.RecentChanges(core.EntityKeyword, "kw-1", now.AddDate(0, 0, -1))
	require.NoError(err)
	require.Len(changes, 1)
	require.True(changes[0].NewBid.Equal(decimal.NewFromFloat(0.70)))
	require.InDelta(40.0, changes[0].PerformanceBefore.Cost, 1e-9)

	features, err := s.ChangeFeatures(id)
	require.NoError(err)
	require.Equal([]float64{1, 2, 3}, features)
}

func TestCommitChangeAtomicRollback(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	// Fail between the change insert and the lock upsert: the
	// transaction must leave neither row present.
	s.commitHook = func() error { return errors.New("injected failure") }
	_, err := s.CommitChange(testChange(now), nil, 72*time.Hour, now)
	require.Error(err)

	require.Zero(s.countRows(t, "bid_changes"))
	require.Zero(s.countRows(t, "bid_locks"))
}

func TestCommitChangeLockConflict(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	_, err := s.CommitChange(testChange(now), nil, 72*time.Hour, now)
	require.NoError(err)

	// A concurrent cycle an hour later would not extend the lock.
	_, err = s.CommitChange(testChange(now.Add(time.Hour)), nil, 24*time.Hour, now.Add(time.Hour))
	require.ErrorIs(err, ErrLockConflict)

	// A later lock expiry is a valid extension.
	_, err = s.CommitChange(testChange(now.Add(time.Hour)), nil, 96*time.Hour, now.Add(time.Hour))
	require.NoError(err)
}

func TestActiveLockExpires(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	_, err := s.CommitChange(testChange(now), nil, 72*time.Hour, now)
	require.NoError(err)

	_, err = s.ActiveLock(core.EntityKeyword, "kw-1", now.AddDate(0, 0, 4))
	require.ErrorIs(err, ErrNotFound)
}

func TestRecordOutcomeMutatesOnce(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	now := time.Date(2026, 8, 16, 6, 0, 0, 0, time.UTC)

	id, err := s.CommitChange(testChange(now), []float64{0.1}, 72*time.Hour, now)
	require.NoError(err)

	outcome := core.PerformanceOutcome{
		ChangeID:            id,
		Before:              core.MetricsSummary{ACOS: 0.50},
		After:               core.MetricsSummary{ACOS: 0.35},
		Outcome:             core.OutcomeSuccess,
		ImprovementPct:      0.18,
		StrategyID:          "bid_optimizer_v1",
		PolicyVariant:       "treatment",
		EligibleForTraining: true,
	}
	evalAt := now.AddDate(0, 0, 14)
	require.NoError(s.RecordOutcome(outcome, evalAt))

	changes, err := s.RecentChanges(core.EntityKeyword, "kw-1", now.AddDate(0, 0, -1))
	require.NoError(err)
	require.NotNil(changes[0].PerformanceAfter)
	require.Equal("success", changes[0].OutcomeLabel)
	require.NotNil(changes[0].EvaluatedAt)

	// Second evaluation of the same change must be rejected.
	require.ErrorIs(s.RecordOutcome(outcome, evalAt), ErrNotFound)

	n, err := s.EligibleOutcomeCount()
	require.NoError(err)
	require.Equal(1, n)

	examples, err := s.TrainingData()
	require.NoError(err)
	require.Len(examples, 1)
	require.True(examples[0].Success)
}

func TestMaturedChangesFiltersEvaluated(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	now := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)

	id, err := s.CommitChange(testChange(now), nil, 72*time.Hour, now)
	require.NoError(err)

	matured, err := s.MaturedChanges(now.AddDate(0, 0, 1))
	require.NoError(err)
	require.Len(matured, 1)

	require.NoError(s.RecordOutcome(core.PerformanceOutcome{
		ChangeID: id,
		Outcome:  core.OutcomeNeutral,
	}, now.AddDate(0, 0, 14)))

	matured, err = s.MaturedChanges(now.AddDate(0, 0, 20))
	require.NoError(err)
	require.Empty(matured)
}

func testVersion(v int, promoted bool) core.ModelVersion {
	return core.ModelVersion{
		Version:      v,
		Weights:      []float64{0.1, 0.2},
		Bias:         -0.05,
		ScalerMean:   []float64{0, 0},
		ScalerStd:    []float64{1, 1},
		FeatureNames: []string{"a", "b"},
		Samples:      200,
		TestAccuracy: 0.70,
		AUC:          0.72,
		Brier:        0.18,
		TrainedAt:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Promoted:     promoted,
	}
}

func TestModelPromotionAndRollback(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	require.NoError(s.SaveModelVersion(testVersion(1, true), true, 5))
	require.NoError(s.SaveModelVersion(testVersion(2, true), true, 5))

	current, err := s.CurrentModel()
	require.NoError(err)
	require.Equal(2, current.Version)
	require.Equal([]float64{0.1, 0.2}, current.Weights)

	// Rollback must target an older version.
	require.ErrorIs(s.RollbackTo(2), ErrRollbackTarget)
	require.ErrorIs(s.RollbackTo(3), ErrRollbackTarget)

	require.NoError(s.RollbackTo(1))
	current, err = s.CurrentModel()
	require.NoError(err)
	require.Equal(1, current.Version)
}

func TestModelVersionPruning(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	for v := 1; v <= 5; v++ {
		require.NoError(s.SaveModelVersion(testVersion(v, false), v == 5, 3))
	}
	latest, err := s.LatestVersion()
	require.NoError(err)
	require.Equal(5, latest)
	require.LessOrEqual(s.countRows(t, "model_versions"), 3)

	// The oldest versions are gone.
	_, err = s.ModelByVersion(1)
	require.Error(err)
}

func TestCurrentModelMissing(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	_, err := s.CurrentModel()
	require.ErrorIs(err, ErrNoPromotedModel)
}

func TestPerformanceHistoryRoundTrip(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	records := []core.PerformanceRecord{
		{EntityType: core.EntityKeyword, EntityID: "kw-1", Date: day, Cost: 3.5, Clicks: 7, Impressions: 140, Sales7D: 12, Conversions7D: 1},
		{EntityType: core.EntityKeyword, EntityID: "kw-1", Date: day.AddDate(0, 0, -1), Cost: 2.0, Clicks: 4, Impressions: 90},
		{EntityType: core.EntityCampaign, EntityID: "cmp-1", Date: day, Cost: 50},
	}
	require.NoError(s.AddPerformanceRecords(records))

	history, err := s.PerformanceHistory(core.EntityKeyword, "kw-1", day.AddDate(0, 0, -7))
	require.NoError(err)
	require.Len(history, 2)
	require.True(history[0].Date.Before(history[1].Date), "oldest first")

	spend, err := s.SpendByLevel(day)
	require.NoError(err)
	require.InDelta(3.5, spend[core.EntityKeyword], 1e-9)
	require.InDelta(50.0, spend[core.EntityCampaign], 1e-9)
}
