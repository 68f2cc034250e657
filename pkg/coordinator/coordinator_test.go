// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

func TestVetoDominance(t *testing.T) {
	require := require.New(t)

	c := New(nil, log.NoOp())
	res := c.Resolve([]core.AdjustmentProposal{
		{Source: "classifier.tiered", Percentage: 0.35, Priority: core.PriorityCritical, Confidence: 1.0},
		{Source: "safety.spend_spike", Veto: true, Priority: core.PriorityCritical, Confidence: 1.0, Reason: "spend spike"},
		{Source: "signals.keyword", Percentage: 0.20, Priority: core.PriorityHigh, Confidence: 0.9},
	})

	require.False(res.Allowed, "any veto must block regardless of other magnitudes")
	require.Equal("safety.spend_spike", res.VetoSource)
	require.Equal("spend spike", res.VetoReason)
	require.Zero(res.Percentage)
}

func TestWeightedBlend(t *testing.T) {
	require := require.New(t)

	c := New(nil, log.NoOp())
	res := c.Resolve([]core.AdjustmentProposal{
		{Source: "a", Percentage: 0.10, Priority: core.PriorityHigh, Confidence: 1.0}, // w=0.8
		{Source: "b", Percentage: -0.10, Priority: core.PriorityLow, Confidence: 1.0}, // w=0.3
	})

	require.True(res.Allowed)
	// (0.10*0.8 - 0.10*0.3) / 1.1
	require.InDelta(0.05/1.1, res.Percentage, 1e-9)
	require.Len(res.Contributions, 2)
}

func TestZeroProposalsBlendToZero(t *testing.T) {
	require := require.New(t)

	c := New(nil, log.NoOp())
	res := c.Resolve([]core.AdjustmentProposal{
		{Source: "a", Percentage: 0, Priority: core.PriorityHigh, Confidence: 1.0},
	})
	require.True(res.Allowed)
	require.Zero(res.Percentage)
	require.Empty(res.Contributions)
}

func TestConfidenceFloor(t *testing.T) {
	require := require.New(t)

	c := New(nil, log.NoOp())
	res := c.Resolve([]core.AdjustmentProposal{
		{Source: "a", Percentage: 0.10, Priority: core.PriorityHigh, Confidence: 0},
	})
	require.True(res.Allowed)
	// Zero confidence is floored at 0.05, so the proposal still lands.
	require.InDelta(0.10, res.Percentage, 1e-9)
}

func TestStrategySourceSelection(t *testing.T) {
	require := require.New(t)

	c := New([]string{"classifier.tiered"}, log.NoOp())
	res := c.Resolve([]core.AdjustmentProposal{
		{Source: "classifier.tiered", Percentage: 0.10, Priority: core.PriorityHigh, Confidence: 1.0},
		{Source: "legacy.rules", Percentage: -0.30, Priority: core.PriorityCritical, Confidence: 1.0},
	})

	require.True(res.Allowed)
	require.InDelta(0.10, res.Percentage, 1e-9, "unselected sources must not enter the blend")
	require.Len(res.Contributions, 1)
}

func TestVetoHonoredEvenFromUnselectedSource(t *testing.T) {
	require := require.New(t)

	c := New([]string{"classifier.tiered"}, log.NoOp())
	res := c.Resolve([]core.AdjustmentProposal{
		{Source: "classifier.tiered", Percentage: 0.10, Priority: core.PriorityHigh, Confidence: 1.0},
		{Source: "safety.daily_limit", Veto: true, Priority: core.PriorityCritical, Reason: "limit"},
	})
	require.False(res.Allowed)
}
