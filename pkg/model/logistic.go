// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package model holds the probability-of-success model: a logistic
// regression over the shared feature vector, with stored
// standardization parameters so inference matches training exactly.
package model

import (
	"errors"
	"math"

	"github.com/adxyz/bidpilot/pkg/core"
)

var ErrDimensionMismatch = errors.New("feature vector dimension mismatch")

// Model is a trained logistic regression plus its scaler.
type Model struct {
	Version    int
	Weights    []float64
	Bias       float64
	ScalerMean []float64
	ScalerStd  []float64
}

// FromVersion builds a scoring model from a persisted version row.
func FromVersion(mv core.ModelVersion) *Model {
	return &Model{
		Version:    mv.Version,
		Weights:    mv.Weights,
		Bias:       mv.Bias,
		ScalerMean: mv.ScalerMean,
		ScalerStd:  mv.ScalerStd,
	}
}

// Predict returns the success probability in [0,1] for one feature
// vector.
func (m *Model) Predict(features []float64) (float64, error) {
	if len(features) != len(m.Weights) {
		return 0, ErrDimensionMismatch
	}
	z := m.Bias
	for i, x := range features {
		z += m.Weights[i] * m.standardize(i, x)
	}
	return sigmoid(z), nil
}

func (m *Model) standardize(i int, x float64) float64 {
	if i >= len(m.ScalerMean) || i >= len(m.ScalerStd) {
		return x
	}
	std := m.ScalerStd[i]
	if std == 0 {
		return 0
	}
	return (x - m.ScalerMean[i]) / std
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
