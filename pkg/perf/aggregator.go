// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package perf

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

var (
	// ErrInsufficientData means the window held no usable records. The
	// caller skips the entity for this cycle; a snapshot is never
	// fabricated from nothing.
	ErrInsufficientData = errors.New("insufficient performance data")
)

// RollingStats holds mean/std for the headline ratios over one sub-window.
// Count is the number of finite samples that entered each statistic.
type RollingStats struct {
	Days      int
	ACOSMean  float64
	ACOSStd   float64
	ROASMean  float64
	ROASStd   float64
	CTRMean   float64
	CTRStd    float64
	ACOSCount int
}

// Trend flags the direction of the ACOS series.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendFlat      Trend = "flat"
)

// Snapshot is the derived, in-memory aggregate over the lookback window.
// Recomputed every cycle; only embedded as metadata, never persisted as a
// first-class record.
type Snapshot struct {
	EntityType core.EntityType
	EntityID   string

	WindowStart  time.Time
	WindowEnd    time.Time
	DaysInWindow int

	Impressions int64
	Clicks      int64
	Conversions int64
	Cost        float64
	Sales       float64

	// ACOS is +Inf when Sales == 0 and routes the entity to the no-sale
	// classifier branch. It is never 0 or NaN in that case.
	ACOS float64
	ROAS float64
	CTR  float64

	SmoothedACOS float64
	SmoothedROAS float64
	SmoothedCTR  float64
	SmootherName string

	Rolling7  RollingStats
	Rolling14 RollingStats
	Rolling30 RollingStats

	ACOSTrend Trend
	// PriorACOS is the aggregate ACOS of the 14 days preceding the
	// window, used by the classifier's trend comparison.
	PriorACOS float64

	DaysSinceLastConversion int

	// DailyACOS are per-day ACOS samples inside the lookback window,
	// oldest first. Zero-sale days are +Inf.
	DailyACOS []float64
}

// Summary flattens the snapshot for persistence alongside a change record.
func (s *Snapshot) Summary() core.MetricsSummary {
	return core.MetricsSummary{
		Impressions: s.Impressions,
		Clicks:      s.Clicks,
		Conversions: s.Conversions,
		Cost:        s.Cost,
		Sales:       s.Sales,
		ACOS:        s.ACOS,
		ROAS:        s.ROAS,
		CTR:         s.CTR,
	}
}

// HasSales reports whether the window produced any attributed sales.
func (s *Snapshot) HasSales() bool { return s.Sales > 0 }

// Aggregator normalizes raw daily records into smoothed, trend-annotated
// snapshots.
type Aggregator struct {
	lookbackDays int
	attribution  string
	smoother     Smoother
	log          log.Logger
}

// NewAggregator creates an aggregator. attribution selects the 1d or 7d
// conversion columns.
func NewAggregator(lookbackDays int, attribution string, smoother Smoother, logger log.Logger) *Aggregator {
	return &Aggregator{
		lookbackDays: lookbackDays,
		attribution:  attribution,
		smoother:     smoother,
		log:          logger,
	}
}

// Aggregate builds a snapshot for the lookback window ending at end.
// records may span a longer history; the extra days feed the 30-day
// rolling stats and the prior-window trend comparison. Records without a
// usable date are excluded with a warning, never assumed recent.
func (a *Aggregator) Aggregate(records []core.PerformanceRecord, end time.Time) (*Snapshot, error) {
	if len(records) == 0 {
		return nil, ErrInsufficientData
	}

	dated := make([]core.PerformanceRecord, 0, len(records))
	for _, r := range records {
		if r.Date.IsZero() {
			a.log.Warn("record missing date, excluded",
				"entity", r.EntityID, "type", r.EntityType)
			continue
		}
		dated = append(dated, r)
	}
	if len(dated) == 0 {
		return nil, ErrInsufficientData
	}

	sort.Slice(dated, func(i, j int) bool { return dated[i].Date.Before(dated[j].Date) })

	windowStart := end.AddDate(0, 0, -a.lookbackDays)
	window := make([]core.PerformanceRecord, 0, a.lookbackDays)
	for _, r := range dated {
		if r.Date.After(windowStart) && !r.Date.After(end) {
			window = append(window, r)
		}
	}
	if len(window) == 0 {
		return nil, ErrInsufficientData
	}

	snap := &Snapshot{
		EntityType:   window[0].EntityType,
		EntityID:     window[0].EntityID,
		WindowStart:  windowStart,
		WindowEnd:    end,
		DaysInWindow: len(window),
		SmootherName: a.smoother.Name(),
	}

	for _, r := range window {
		snap.Impressions += r.Impressions
		snap.Clicks += r.Clicks
		snap.Cost += r.Cost
		snap.Conversions += a.conversions(r)
		snap.Sales += a.sales(r)
	}
	snap.ACOS = acos(snap.Cost, snap.Sales)
	snap.ROAS = ratio(snap.Sales, snap.Cost)
	snap.CTR = ratio(float64(snap.Clicks), float64(snap.Impressions))

	dailyACOS := dailySeries(window, func(r core.PerformanceRecord) float64 {
		return acos(r.Cost, a.sales(r))
	})
	dailyROAS := dailySeries(window, func(r core.PerformanceRecord) float64 {
		return ratio(a.sales(r), r.Cost)
	})
	dailyCTR := dailySeries(window, func(r core.PerformanceRecord) float64 {
		return ratio(float64(r.Clicks), float64(r.Impressions))
	})
	snap.DailyACOS = dailyACOS
	snap.SmoothedACOS = a.smoother.Smooth(dailyACOS)
	snap.SmoothedROAS = a.smoother.Smooth(dailyROAS)
	snap.SmoothedCTR = a.smoother.Smooth(dailyCTR)
	if snap.Sales == 0 {
		// No finite ACOS sample exists; keep the headline semantics.
		snap.SmoothedACOS = math.Inf(1)
	}

	histACOS := dailySeries(dated, func(r core.PerformanceRecord) float64 {
		return acos(r.Cost, a.sales(r))
	})
	histROAS := dailySeries(dated, func(r core.PerformanceRecord) float64 {
		return ratio(a.sales(r), r.Cost)
	})
	histCTR := dailySeries(dated, func(r core.PerformanceRecord) float64 {
		return ratio(float64(r.Clicks), float64(r.Impressions))
	})
	snap.Rolling7 = rolling(7, histACOS, histROAS, histCTR)
	snap.Rolling14 = rolling(14, histACOS, histROAS, histCTR)
	snap.Rolling30 = rolling(30, histACOS, histROAS, histCTR)

	snap.ACOSTrend = trendOf(histACOS)
	snap.PriorACOS = a.priorWindowACOS(dated, windowStart)
	snap.DaysSinceLastConversion = a.daysSinceConversion(dated, end)

	return snap, nil
}

func (a *Aggregator) conversions(r core.PerformanceRecord) int64 {
	if a.attribution == "1d" {
		return r.Conversions1D
	}
	return r.Conversions7D
}

func (a *Aggregator) sales(r core.PerformanceRecord) float64 {
	if a.attribution == "1d" {
		return r.Sales1D
	}
	return r.Sales7D
}

// priorWindowACOS aggregates the 14 days before windowStart.
func (a *Aggregator) priorWindowACOS(dated []core.PerformanceRecord, windowStart time.Time) float64 {
	priorStart := windowStart.AddDate(0, 0, -14)
	var cost, sales float64
	for _, r := range dated {
		if r.Date.After(priorStart) && !r.Date.After(windowStart) {
			cost += r.Cost
			sales += a.sales(r)
		}
	}
	if cost == 0 {
		return 0
	}
	return acos(cost, sales)
}

func (a *Aggregator) daysSinceConversion(dated []core.PerformanceRecord, end time.Time) int {
	for i := len(dated) - 1; i >= 0; i-- {
		if a.conversions(dated[i]) > 0 {
			return int(end.Sub(dated[i].Date).Hours() / 24)
		}
	}
	return -1
}

// acos is cost/sales, +Inf when there are no sales but spend exists.
// Zero spend with zero sales is also +Inf: "unknown, not free".
func acos(cost, sales float64) float64 {
	if sales == 0 {
		return math.Inf(1)
	}
	return cost / sales
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func dailySeries(records []core.PerformanceRecord, f func(core.PerformanceRecord) float64) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = f(r)
	}
	return out
}

// rolling computes mean/std over the last n samples of each series,
// skipping non-finite values.
func rolling(n int, acosSeries, roasSeries, ctrSeries []float64) RollingStats {
	s := RollingStats{Days: n}
	s.ACOSMean, s.ACOSStd, s.ACOSCount = meanStd(tail(acosSeries, n))
	s.ROASMean, s.ROASStd, _ = meanStd(tail(roasSeries, n))
	s.CTRMean, s.CTRStd, _ = meanStd(tail(ctrSeries, n))
	return s
}

func tail(s []float64, n int) []float64 {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func meanStd(samples []float64) (mean, std float64, count int) {
	vals := finite(samples)
	if len(vals) == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(vals)))
	return mean, std, len(vals)
}

// trendOf compares the most recent 7 days of ACOS to the prior 14.
// Lower ACOS is better, so a falling mean is improving.
func trendOf(acosSeries []float64) Trend {
	if len(acosSeries) < 10 {
		return TrendFlat
	}
	recent := tail(acosSeries, 7)
	prior := acosSeries[:len(acosSeries)-7]
	prior = tail(prior, 14)

	recentMean, _, rc := meanStd(recent)
	priorMean, _, pc := meanStd(prior)
	if rc == 0 || pc == 0 {
		return TrendFlat
	}
	switch {
	case recentMean < priorMean*0.95:
		return TrendImproving
	case recentMean > priorMean*1.05:
		return TrendDeclining
	default:
		return TrendFlat
	}
}
