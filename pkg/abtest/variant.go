// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package abtest assigns entities to policy variants deterministically.
// Holdout entities keep the learning data free of feedback-loop bias.
package abtest

import (
	"github.com/cespare/xxhash/v2"
)

// Variants.
const (
	Treatment = "treatment"
	Control   = "control"
)

// Variant buckets an entity for a strategy. Pure function of its inputs:
// xxhash is stable across processes and runs, unlike Go's built-in map
// hash, so an entity keeps its bucket for the lifetime of the strategy.
// treatmentPct is the share of entities (0..100) assigned to treatment.
func Variant(entityID, strategyID string, treatmentPct int) string {
	if treatmentPct >= 100 {
		return Treatment
	}
	if treatmentPct <= 0 {
		return Control
	}
	bucket := xxhash.Sum64String(entityID+":"+strategyID) % 100
	if int(bucket) < treatmentPct {
		return Treatment
	}
	return Control
}
