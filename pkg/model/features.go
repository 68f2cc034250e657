// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import (
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/perf"
)

// acosCap replaces the +Inf ACOS of zero-sale windows with a large
// finite ceiling so the vector stays numeric.
const acosCap = 10.0

// FeatureInput collects everything the feature builder reads.
type FeatureInput struct {
	Snapshot             *perf.Snapshot
	Entity               core.Entity
	ProposedPct          float64
	PolicyVariant        string
	StrategyID           string
	AdvisoryCount        int
	AdvisoryMeanStrength float64
}

// featureNames fixes the vector layout. Training and inference share this
// one builder; the stored vector on each change record is what the
// trainer consumes, so composition parity holds by construction.
var featureNames = []string{
	"acos", "roas", "ctr",
	"cost", "sales", "clicks", "impressions", "conversions",
	"acos_mean_7", "acos_std_7",
	"acos_mean_14", "acos_std_14",
	"acos_mean_30", "acos_std_30",
	"roas_mean_14", "ctr_mean_14",
	"trend_improving", "trend_declining",
	"days_since_conversion",
	"is_keyword", "is_ad_group", "is_campaign",
	"category_bucket", "price_tier_bucket",
	"proposed_magnitude", "proposed_sign",
	"is_treatment", "strategy_bucket",
	"advisory_count", "advisory_strength",
}

// FeatureNames returns the fixed feature ordering.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Features builds the model input vector. The ordering is fixed by
// featureNames and must never depend on call site.
func Features(in FeatureInput) []float64 {
	s := in.Snapshot
	v := make([]float64, 0, len(featureNames))

	v = append(v,
		capACOS(s.ACOS),
		s.ROAS,
		s.CTR,
		s.Cost,
		s.Sales,
		float64(s.Clicks),
		float64(s.Impressions),
		float64(s.Conversions),
		capACOS(s.Rolling7.ACOSMean), s.Rolling7.ACOSStd,
		capACOS(s.Rolling14.ACOSMean), s.Rolling14.ACOSStd,
		capACOS(s.Rolling30.ACOSMean), s.Rolling30.ACOSStd,
		s.Rolling14.ROASMean,
		s.Rolling14.CTRMean,
		boolFeature(s.ACOSTrend == perf.TrendImproving),
		boolFeature(s.ACOSTrend == perf.TrendDeclining),
		float64(s.DaysSinceLastConversion),
		boolFeature(in.Entity.Type == core.EntityKeyword),
		boolFeature(in.Entity.Type == core.EntityAdGroup),
		boolFeature(in.Entity.Type == core.EntityCampaign),
		hashBucket(in.Entity.Attributes.Category),
		hashBucket(in.Entity.Attributes.PriceTier),
		math.Abs(in.ProposedPct),
		sign(in.ProposedPct),
		boolFeature(in.PolicyVariant == "treatment"),
		hashBucket(in.StrategyID),
		float64(in.AdvisoryCount),
		in.AdvisoryMeanStrength,
	)
	return v
}

func capACOS(acos float64) float64 {
	if math.IsInf(acos, 0) || math.IsNaN(acos) || acos > acosCap {
		return acosCap
	}
	return acos
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// hashBucket maps a free-form attribute to a stable scalar in [0,1).
// xxhash is deterministic across processes, unlike Go's map hash.
func hashBucket(s string) float64 {
	if s == "" {
		return 0
	}
	const buckets = 64
	return float64(xxhash.Sum64String(s)%buckets) / buckets
}
