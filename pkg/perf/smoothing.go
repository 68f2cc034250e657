// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package perf

import "math"

// Smoother condenses a daily metric series into one smoothed value.
// Samples are ordered oldest first. Non-finite samples (a day with zero
// sales has ACOS=+Inf) are treated as missing data, never propagated.
type Smoother interface {
	Name() string
	Smooth(samples []float64) float64
}

func finite(samples []float64) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !math.IsNaN(s) && !math.IsInf(s, 0) {
			out = append(out, s)
		}
	}
	return out
}

// ExponentialSmoother applies classic exponential smoothing with decay
// factor Alpha in (0,1]. Higher alpha weights recent days more.
type ExponentialSmoother struct {
	Alpha float64
}

func (e ExponentialSmoother) Name() string { return "exponential" }

func (e ExponentialSmoother) Smooth(samples []float64) float64 {
	vals := finite(samples)
	if len(vals) == 0 {
		return 0
	}
	smoothed := vals[0]
	for _, v := range vals[1:] {
		smoothed = e.Alpha*v + (1-e.Alpha)*smoothed
	}
	return smoothed
}

// WeightedMovingAverage weights each day linearly by recency: the most
// recent day gets weight n, the oldest weight 1.
type WeightedMovingAverage struct{}

func (WeightedMovingAverage) Name() string { return "weighted" }

func (WeightedMovingAverage) Smooth(samples []float64) float64 {
	vals := finite(samples)
	if len(vals) == 0 {
		return 0
	}
	var sum, wsum float64
	for i, v := range vals {
		w := float64(i + 1)
		sum += v * w
		wsum += w
	}
	return sum / wsum
}

// SimpleMovingAverage is the plain mean of the finite samples.
type SimpleMovingAverage struct{}

func (SimpleMovingAverage) Name() string { return "simple" }

func (SimpleMovingAverage) Smooth(samples []float64) float64 {
	vals := finite(samples)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// NewSmoother builds a smoother by configured name. Unknown names fall
// back to exponential; config validation rejects them before this runs.
func NewSmoother(name string, alpha float64) Smoother {
	switch name {
	case "weighted":
		return WeightedMovingAverage{}
	case "simple":
		return SimpleMovingAverage{}
	default:
		return ExponentialSmoother{Alpha: alpha}
	}
}
