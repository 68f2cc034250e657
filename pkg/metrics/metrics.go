// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes the engine's Prometheus telemetry:
//   - bidpilot_recommendations_total{entity_type}
//   - bidpilot_vetoes_total{reason}
//   - bidpilot_reentry_blocks_total{reason}
//   - bidpilot_skips_total{reason}
//   - bidpilot_bid_change_pct (histogram of accepted magnitudes)
//   - bidpilot_gate_actions_total{action}
//   - bidpilot_model_auc / bidpilot_model_accuracy {version}
//   - bidpilot_outcomes_total{label}
//   - bidpilot_commit_failures_total
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	recommendations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidpilot_recommendations_total",
			Help: "Recommendations generated, by entity type",
		},
		[]string{"entity_type"},
	)

	vetoes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidpilot_vetoes_total",
			Help: "Cycles blocked by a veto, by reason",
		},
		[]string{"reason"},
	)

	reentryBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidpilot_reentry_blocks_total",
			Help: "Cycles blocked by the re-entry controller, by check",
		},
		[]string{"reason"},
	)

	skips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidpilot_skips_total",
			Help: "Entities skipped, by reason (insufficient_data, paused, ...)",
		},
		[]string{"reason"},
	)

	bidChangePct = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bidpilot_bid_change_pct",
			Help:    "Absolute magnitude of accepted bid changes",
			Buckets: []float64{0.02, 0.05, 0.10, 0.15, 0.20, 0.30, 0.50},
		},
	)

	gateActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidpilot_gate_actions_total",
			Help: "ML gate outcomes (apply, damp, halve, cancel, bypass)",
		},
		[]string{"action"},
	)

	modelAUC = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidpilot_model_auc",
			Help: "Test AUC per model version",
		},
		[]string{"version"},
	)

	modelAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidpilot_model_accuracy",
			Help: "Test accuracy per model version",
		},
		[]string{"version"},
	)

	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidpilot_outcomes_total",
			Help: "Evaluated change outcomes, by label",
		},
		[]string{"label"},
	)

	commitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bidpilot_commit_failures_total",
			Help: "Rolled-back change/lock transactions",
		},
	)
)

func init() {
	prometheus.MustRegister(recommendations, vetoes, reentryBlocks, skips)
	prometheus.MustRegister(bidChangePct, gateActions)
	prometheus.MustRegister(modelAUC, modelAccuracy, outcomes, commitFailures)
}

func IncRecommendation(entityType string) { recommendations.WithLabelValues(entityType).Inc() }
func IncVeto(reason string)               { vetoes.WithLabelValues(reason).Inc() }
func IncReEntryBlock(reason string)       { reentryBlocks.WithLabelValues(reason).Inc() }
func IncSkip(reason string)               { skips.WithLabelValues(reason).Inc() }
func ObserveBidChange(absPct float64)     { bidChangePct.Observe(absPct) }
func IncGateAction(action string)         { gateActions.WithLabelValues(action).Inc() }
func IncOutcome(label string)             { outcomes.WithLabelValues(label).Inc() }
func IncCommitFailure()                   { commitFailures.Inc() }

// SetModelMetrics publishes a version's evaluation metrics.
func SetModelMetrics(version string, auc, accuracy float64) {
	modelAUC.WithLabelValues(version).Set(auc)
	modelAccuracy.WithLabelValues(version).Set(accuracy)
}
