// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abtest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVariantDeterministic(t *testing.T) {
	require := require.New(t)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("kw-%d", i)
		first := Variant(id, "bid_optimizer_v1", 50)
		for j := 0; j < 5; j++ {
			require.Equal(first, Variant(id, "bid_optimizer_v1", 50))
		}
	}
}

func TestVariantDependsOnStrategy(t *testing.T) {
	require := require.New(t)

	// Across enough entities, the two strategies must not agree on
	// every assignment.
	differs := false
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("kw-%d", i)
		if Variant(id, "s1", 50) != Variant(id, "s2", 50) {
			differs = true
			break
		}
	}
	require.True(differs)
}

func TestVariantExtremes(t *testing.T) {
	require := require.New(t)
	require.Equal(Treatment, Variant("kw-1", "s", 100))
	require.Equal(Control, Variant("kw-1", "s", 0))
}

func TestVariantSplitRoughlyHonorsShare(t *testing.T) {
	require := require.New(t)

	treated := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if Variant(fmt.Sprintf("kw-%d", i), "bid_optimizer_v1", 75) == Treatment {
			treated++
		}
	}
	share := float64(treated) / n
	require.InDelta(0.75, share, 0.05)
}
