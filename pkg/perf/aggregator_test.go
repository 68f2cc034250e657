// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package perf

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

func day(end time.Time, daysAgo int) time.Time {
	return end.AddDate(0, 0, -daysAgo)
}

func makeRecords(end time.Time, days int, cost, sales float64, clicks, impressions, conversions int64) []core.PerformanceRecord {
	records := make([]core.PerformanceRecord, 0, days)
	for i := days; i >= 1; i-- {
		records = append(records, core.PerformanceRecord{
			EntityType:    core.EntityKeyword,
			EntityID:      "kw-1",
			Date:          day(end, i-1),
			Impressions:   impressions,
			Clicks:        clicks,
			Cost:          cost,
			Conversions7D: conversions,
			Sales7D:       sales,
		})
	}
	return records
}

func newTestAggregator() *Aggregator {
	return NewAggregator(14, "7d", ExponentialSmoother{Alpha: 0.4}, log.NoOp())
}

func TestAggregateEmptyInput(t *testing.T) {
	require := require.New(t)

	agg := newTestAggregator()
	snap, err := agg.Aggregate(nil, time.Now())
	require.ErrorIs(err, ErrInsufficientData)
	require.Nil(snap)
}

func TestAggregateExcludesUndatedRecords(t *testing.T) {
	require := require.New(t)

	end := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	records := []core.PerformanceRecord{
		{EntityID: "kw-1", Cost: 10, Sales7D: 40}, // no date: excluded
	}
	agg := newTestAggregator()
	_, err := agg.Aggregate(records, end)
	require.ErrorIs(err, ErrInsufficientData)
}

func TestAggregateZeroSalesYieldsInfiniteACOS(t *testing.T) {
	require := require.New(t)

	end := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	records := makeRecords(end, 14, 3.0, 0, 1, 50, 0)

	agg := newTestAggregator()
	snap, err := agg.Aggregate(records, end)
	require.NoError(err)
	require.True(math.IsInf(snap.ACOS, 1), "ACOS must be +Inf on zero sales, got %v", snap.ACOS)
	require.True(math.IsInf(snap.SmoothedACOS, 1))
	require.False(snap.HasSales())
	require.False(math.IsNaN(snap.Rolling14.ACOSMean), "rolling stats must not hold NaN")
	require.Zero(snap.Rolling14.ACOSCount)
}

func TestAggregateBasicRatios(t *testing.T) {
	require := require.New(t)

	end := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	// 14 days x ($2 cost, $8 sales, 10 clicks, 200 impressions, 1 conversion)
	records := makeRecords(end, 14, 2.0, 8.0, 10, 200, 1)

	agg := newTestAggregator()
	snap, err := agg.Aggregate(records, end)
	require.NoError(err)

	require.Equal(14, snap.DaysInWindow)
	require.InDelta(28.0, snap.Cost, 1e-9)
	require.InDelta(112.0, snap.Sales, 1e-9)
	require.InDelta(0.25, snap.ACOS, 1e-9)
	require.InDelta(4.0, snap.ROAS, 1e-9)
	require.InDelta(0.05, snap.CTR, 1e-9)
	require.InDelta(0.25, snap.SmoothedACOS, 1e-9)
	require.Equal(0, snap.DaysSinceLastConversion)
}

func TestAggregateWindowFilter(t *testing.T) {
	require := require.New(t)

	end := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	records := makeRecords(end, 14, 1.0, 4.0, 5, 100, 1)
	// A 60-day-old record must not enter the 14-day aggregates.
	records = append(records, core.PerformanceRecord{
		EntityType: core.EntityKeyword,
		EntityID:   "kw-1",
		Date:       day(end, 60),
		Cost:       1000,
		Sales7D:    1,
	})

	agg := newTestAggregator()
	snap, err := agg.Aggregate(records, end)
	require.NoError(err)
	require.InDelta(14.0, snap.Cost, 1e-9)
}

func TestAggregateTrendDeclining(t *testing.T) {
	require := require.New(t)

	end := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	records := make([]core.PerformanceRecord, 0, 21)
	for i := 21; i >= 1; i-- {
		cost := 2.0
		sales := 10.0
		if i <= 7 {
			// Recent week spends the same for half the sales: ACOS doubles.
			sales = 5.0
		}
		records = append(records, core.PerformanceRecord{
			EntityType: core.EntityKeyword,
			EntityID:   "kw-1",
			Date:       day(end, i-1),
			Cost:       cost,
			Sales7D:    sales,
			Clicks:     10,
			Impressions: 100,
		})
	}

	agg := newTestAggregator()
	snap, err := agg.Aggregate(records, end)
	require.NoError(err)
	require.Equal(TrendDeclining, snap.ACOSTrend)
}

func TestSmoothersSkipNonFinite(t *testing.T) {
	require := require.New(t)

	samples := []float64{0.2, math.Inf(1), 0.4, math.NaN(), 0.3}
	for _, s := range []Smoother{
		ExponentialSmoother{Alpha: 0.5},
		WeightedMovingAverage{},
		SimpleMovingAverage{},
	} {
		got := s.Smooth(samples)
		require.False(math.IsNaN(got), "%s produced NaN", s.Name())
		require.False(math.IsInf(got, 0), "%s produced Inf", s.Name())
		require.Greater(got, 0.0)
	}
}

func TestSimpleMovingAverage(t *testing.T) {
	require := require.New(t)
	got := SimpleMovingAverage{}.Smooth([]float64{0.2, 0.3, 0.4})
	require.InDelta(0.3, got, 1e-9)
}

func TestWeightedMovingAverageFavorsRecent(t *testing.T) {
	require := require.New(t)
	rising := WeightedMovingAverage{}.Smooth([]float64{0.1, 0.1, 0.9})
	require.Greater(rising, SimpleMovingAverage{}.Smooth([]float64{0.1, 0.1, 0.9}))
}
