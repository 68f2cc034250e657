// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package learning

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/metrics"
	"github.com/adxyz/bidpilot/pkg/model"
	"github.com/adxyz/bidpilot/pkg/store"
)

var (
	ErrTooFewSamples = errors.New("too few training samples")
	ErrOneClassOnly  = errors.New("training data holds a single class")
)

// TrainerConfig holds retraining and promotion thresholds; see
// config.Config.Learning.
type TrainerConfig struct {
	RetrainMinSamples int
	RetrainGrowthPct  float64
	MinAUC            float64
	MinAccuracy       float64
	MinImprovement    float64
	MaxVersions       int
	TestSplit         float64
}

// Training hyperparameters. Fixed: the dataset is small and the model
// deliberately simple.
const (
	epochs       = 300
	learningRate = 0.1
	l2Penalty    = 0.001
)

// TrainResult reports one training attempt.
type TrainResult struct {
	Version  core.ModelVersion
	Promoted bool
	Reason   string
}

// Trainer trains, evaluates and promotes model versions.
type Trainer struct {
	cfg TrainerConfig
	db  *store.Store
	log log.Logger
}

// NewTrainer creates a trainer.
func NewTrainer(cfg TrainerConfig, db *store.Store, logger log.Logger) *Trainer {
	return &Trainer{cfg: cfg, db: db, log: logger}
}

// ShouldRetrain reports whether enough new labeled data has accumulated:
// sample count over the minimum, and growth since the promoted model's
// training set beyond the configured share.
func (t *Trainer) ShouldRetrain() (bool, error) {
	count, err := t.db.EligibleOutcomeCount()
	if err != nil {
		return false, err
	}
	if count < t.cfg.RetrainMinSamples {
		return false, nil
	}
	current, err := t.db.CurrentModel()
	if errors.Is(err, store.ErrNoPromotedModel) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	growth := float64(count-current.Samples) / float64(current.Samples)
	return growth >= t.cfg.RetrainGrowthPct, nil
}

// Train fits a fresh logistic regression on the eligible labeled data
// and promotes it only if it clears the metric floors and improves on
// the currently promoted version. A rejected version is retained
// unpromoted for inspection; the prior version stays current.
func (t *Trainer) Train(rc core.RunContext) (TrainResult, error) {
	examples, err := t.db.TrainingData()
	if err != nil {
		return TrainResult{}, fmt.Errorf("load training data: %w", err)
	}
	if len(examples) < t.cfg.RetrainMinSamples {
		return TrainResult{}, fmt.Errorf("%w: %d < %d", ErrTooFewSamples, len(examples), t.cfg.RetrainMinSamples)
	}

	train, test := split(examples, t.cfg.TestSplit)
	if oneClass(train) || oneClass(test) {
		return TrainResult{}, ErrOneClassOnly
	}

	mean, std := fitScaler(train)
	weights, bias := fit(train, mean, std)

	fitted := &model.Model{Weights: weights, Bias: bias, ScalerMean: mean, ScalerStd: std}
	trainAcc := accuracy(fitted, train)
	testAcc := accuracy(fitted, test)
	auc := rankAUC(fitted, test)
	brier := brierScore(fitted, test)

	latest, err := t.db.LatestVersion()
	if err != nil {
		return TrainResult{}, fmt.Errorf("latest version: %w", err)
	}
	version := core.ModelVersion{
		Version:       latest + 1,
		Weights:       weights,
		Bias:          bias,
		ScalerMean:    mean,
		ScalerStd:     std,
		FeatureNames:  model.FeatureNames(),
		Samples:       len(examples),
		TrainAccuracy: trainAcc,
		TestAccuracy:  testAcc,
		AUC:           auc,
		Brier:         brier,
		TrainedAt:     rc.Clock(),
	}

	promote, reason := t.promotionDecision(version)
	if err := t.db.SaveModelVersion(version, promote, t.cfg.MaxVersions); err != nil {
		return TrainResult{}, fmt.Errorf("save version: %w", err)
	}
	version.Promoted = promote

	metrics.SetModelMetrics(strconv.Itoa(version.Version), auc, testAcc)
	t.log.Info("model trained",
		"version", version.Version, "samples", version.Samples,
		"test_accuracy", testAcc, "auc", auc, "brier", brier,
		"promoted", promote, "reason", reason)

	return TrainResult{Version: version, Promoted: promote, Reason: reason}, nil
}

func (t *Trainer) promotionDecision(v core.ModelVersion) (bool, string) {
	if v.AUC < t.cfg.MinAUC {
		return false, fmt.Sprintf("AUC %.3f below floor %.3f", v.AUC, t.cfg.MinAUC)
	}
	if v.TestAccuracy < t.cfg.MinAccuracy {
		return false, fmt.Sprintf("accuracy %.3f below floor %.3f", v.TestAccuracy, t.cfg.MinAccuracy)
	}
	current, err := t.db.CurrentModel()
	if errors.Is(err, store.ErrNoPromotedModel) {
		return true, "first promoted version"
	}
	if err != nil {
		return false, fmt.Sprintf("current model lookup failed: %v", err)
	}
	if v.AUC < current.AUC+t.cfg.MinImprovement {
		return false, fmt.Sprintf("AUC %.3f does not improve on v%d (%.3f) by %.3f",
			v.AUC, current.Version, current.AUC, t.cfg.MinImprovement)
	}
	return true, fmt.Sprintf("improves on v%d", current.Version)
}

// Rollback restores a retained older version as current.
func (t *Trainer) Rollback(target int) error {
	return t.db.RollbackTo(target)
}

// split deals every k-th example to the test set, deterministically, so
// repeated runs over the same data are reproducible.
func split(examples []store.TrainingExample, testShare float64) (train, test []store.TrainingExample) {
	k := int(math.Round(1 / testShare))
	if k < 2 {
		k = 2
	}
	for i, ex := range examples {
		if i%k == k-1 {
			test = append(test, ex)
		} else {
			train = append(train, ex)
		}
	}
	return train, test
}

func oneClass(examples []store.TrainingExample) bool {
	if len(examples) == 0 {
		return true
	}
	first := examples[0].Success
	for _, ex := range examples[1:] {
		if ex.Success != first {
			return false
		}
	}
	return true
}

func fitScaler(examples []store.TrainingExample) (mean, std []float64) {
	n := len(examples[0].Features)
	mean = make([]float64, n)
	std = make([]float64, n)
	for _, ex := range examples {
		for i, x := range ex.Features {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= float64(len(examples))
	}
	for _, ex := range examples {
		for i, x := range ex.Features {
			d := x - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(examples)))
	}
	return mean, std
}

// fit runs batch gradient descent on the standardized features.
func fit(examples []store.TrainingExample, mean, std []float64) (weights []float64, bias float64) {
	n := len(examples[0].Features)
	weights = make([]float64, n)
	scaled := make([][]float64, len(examples))
	for i, ex := range examples {
		row := make([]float64, n)
		for j, x := range ex.Features {
			if std[j] != 0 {
				row[j] = (x - mean[j]) / std[j]
			}
		}
		scaled[i] = row
	}

	m := float64(len(examples))
	for epoch := 0; epoch < epochs; epoch++ {
		gradW := make([]float64, n)
		var gradB float64
		for i, ex := range examples {
			z := bias
			for j, x := range scaled[i] {
				z += weights[j] * x
			}
			p := 1 / (1 + math.Exp(-z))
			y := 0.0
			if ex.Success {
				y = 1
			}
			diff := p - y
			for j, x := range scaled[i] {
				gradW[j] += diff * x
			}
			gradB += diff
		}
		for j := range weights {
			weights[j] -= learningRate * (gradW[j]/m + l2Penalty*weights[j])
		}
		bias -= learningRate * gradB / m
	}
	return weights, bias
}

func accuracy(m *model.Model, examples []store.TrainingExample) float64 {
	if len(examples) == 0 {
		return 0
	}
	correct := 0
	for _, ex := range examples {
		p, err := m.Predict(ex.Features)
		if err != nil {
			continue
		}
		if (p >= 0.5) == ex.Success {
			correct++
		}
	}
	return float64(correct) / float64(len(examples))
}

// rankAUC is the probability a random positive ranks above a random
// negative, computed from the sorted score list with tie handling.
func rankAUC(m *model.Model, examples []store.TrainingExample) float64 {
	type scored struct {
		p   float64
		pos bool
	}
	var items []scored
	var positives, negatives int
	for _, ex := range examples {
		p, err := m.Predict(ex.Features)
		if err != nil {
			continue
		}
		items = append(items, scored{p: p, pos: ex.Success})
		if ex.Success {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0
	}
	sort.Slice(items, func(i, j int) bool { return items[i].p < items[j].p })

	// Sum ranks of positives, averaging ranks across ties.
	ranks := make([]float64, len(items))
	for i := 0; i < len(items); {
		j := i
		for j < len(items) && items[j].p == items[i].p {
			j++
		}
		avg := float64(i+j+1) / 2 // 1-based average rank of the tie block
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}
	var posRankSum float64
	for i, it := range items {
		if it.pos {
			posRankSum += ranks[i]
		}
	}
	np := float64(positives)
	nn := float64(negatives)
	return (posRankSum - np*(np+1)/2) / (np * nn)
}

func brierScore(m *model.Model, examples []store.TrainingExample) float64 {
	if len(examples) == 0 {
		return 1
	}
	var sum float64
	for _, ex := range examples {
		p, err := m.Predict(ex.Features)
		if err != nil {
			continue
		}
		y := 0.0
		if ex.Success {
			y = 1
		}
		sum += (p - y) * (p - y)
	}
	return sum / float64(len(examples))
}
