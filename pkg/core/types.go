// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the level a bid applies to.
type EntityType string

const (
	EntityKeyword  EntityType = "keyword"
	EntityAdGroup  EntityType = "ad_group"
	EntityCampaign EntityType = "campaign"
)

// Entity is a biddable object owned by the external catalog store.
// Identity is stable across cycles.
type Entity struct {
	ID         string
	Type       EntityType
	CurrentBid decimal.Decimal
	Attributes EntityAttributes
}

// EntityAttributes carries catalog metadata used for feature building
// and per-category cap overrides.
type EntityAttributes struct {
	Category    string
	PriceTier   string
	Fulfillment string
	Extra       map[string]string
}

// PerformanceRecord is one day of delivery metrics for an entity.
// Immutable once ingested.
type PerformanceRecord struct {
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Date          time.Time  `json:"date"`
	Impressions   int64      `json:"impressions"`
	Clicks        int64      `json:"clicks"`
	Cost          float64    `json:"cost"`
	Conversions1D int64      `json:"conversions_1d"`
	Conversions7D int64      `json:"conversions_7d"`
	Sales1D       float64    `json:"sales_1d"`
	Sales7D       float64    `json:"sales_7d"`
}

// Priority orders proposal influence in the coordinator blend.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// AdjustmentProposal is one stage's vote on the bid change this cycle.
// A veto blocks the cycle regardless of every other proposal.
type AdjustmentProposal struct {
	Source     string
	Percentage float64
	Priority   Priority
	Confidence float64
	Veto       bool
	Reason     string
}

// Contribution records one proposal's share of a blended percentage.
type Contribution struct {
	Source     string  `json:"source"`
	Percentage float64 `json:"percentage"`
	Weight     float64 `json:"weight"`
}

// CoordinationResult is the coordinator's merged outcome.
type CoordinationResult struct {
	Allowed       bool
	Percentage    float64
	Contributions []Contribution
	VetoSource    string
	VetoReason    string
}

// MetricsSummary is the compact metric set persisted alongside a change
// and compared by the outcome evaluator.
type MetricsSummary struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Cost        float64 `json:"cost"`
	Sales       float64 `json:"sales"`
	ACOS        float64 `json:"acos"`
	ROAS        float64 `json:"roas"`
	CTR         float64 `json:"ctr"`
}

// BidChangeRecord is the persisted audit row for an applied adjustment.
// PerformanceAfter, OutcomeScore, OutcomeLabel and EvaluatedAt are filled
// exactly once by the evaluation step after the change matures.
type BidChangeRecord struct {
	ID                int64
	EntityType        EntityType
	EntityID          string
	ChangeDate        time.Time
	OldBid            decimal.Decimal
	NewBid            decimal.Decimal
	ChangeAmount      decimal.Decimal
	ChangePct         float64
	Reason            string
	StrategyID        string
	PolicyVariant     string
	PerformanceBefore MetricsSummary
	PerformanceAfter  *MetricsSummary
	OutcomeScore      *float64
	OutcomeLabel      string
	EvaluatedAt       *time.Time
}

// BidAdjustmentLock enforces the cooldown between changes to one entity.
// Unique per (entity_type, entity_id); written atomically with its change
// record; expires naturally when LockedUntil passes.
type BidAdjustmentLock struct {
	EntityType   EntityType
	EntityID     string
	LockedUntil  time.Time
	Reason       string
	LastChangeID int64
}

// OutcomeLabel classifies a matured change.
type OutcomeLabel string

const (
	OutcomeSuccess OutcomeLabel = "success"
	OutcomeNeutral OutcomeLabel = "neutral"
	OutcomeFailure OutcomeLabel = "failure"
)

// PerformanceOutcome is one labeled training example produced by the
// evaluation pipeline. Rows failing the quality gate stay recorded for
// auditing with EligibleForTraining=false.
type PerformanceOutcome struct {
	ChangeID            int64
	Before              MetricsSummary
	After               MetricsSummary
	Outcome             OutcomeLabel
	ImprovementPct      float64
	StrategyID          string
	PolicyVariant       string
	EligibleForTraining bool
	CreatedAt           time.Time
}

// ModelVersion is one trained model artifact plus its evaluation metrics.
type ModelVersion struct {
	Version       int
	Weights       []float64
	Bias          float64
	ScalerMean    []float64
	ScalerStd     []float64
	FeatureNames  []string
	Samples       int
	TrainAccuracy float64
	TestAccuracy  float64
	AUC           float64
	Brier         float64
	TrainedAt     time.Time
	Promoted      bool
}

// Recommendation is the engine's output for one entity in one cycle.
type Recommendation struct {
	ID                  string
	EntityType          EntityType
	EntityID            string
	AdjustmentType      string
	CurrentValue        decimal.Decimal
	RecommendedValue    decimal.Decimal
	AdjustmentPct       float64
	Confidence          float64
	Priority            Priority
	Reason              string
	ContributingFactors []string
	Metadata            RecommendationMetadata
}

// RecommendationMetadata carries the decision trail for auditing and
// for the learning loop.
type RecommendationMetadata struct {
	StrategyID      string         `json:"strategy_id"`
	PolicyVariant   string         `json:"policy_variant"`
	Contributions   []Contribution `json:"proposal_contributions"`
	GateAction      string         `json:"gate_action,omitempty"`
	GateProbability float64        `json:"gate_probability,omitempty"`
	CapApplied      string         `json:"cap_applied,omitempty"`
	Snapshot        MetricsSummary `json:"performance_snapshot"`
	ChangeID        int64          `json:"change_id,omitempty"`
}

// RunContext is the explicit per-run state threaded through the pipeline
// instead of module-level flags. Now is injectable for tests and backfills.
type RunContext struct {
	RunID     string
	StartedAt time.Time
	DryRun    bool
	Now       func() time.Time
}

// Clock returns the run's notion of now.
func (rc RunContext) Clock() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now().UTC()
}

// AdvisorySignal is the contract-only input from external signal
// producers. No ordering guarantee across producers.
type AdvisorySignal struct {
	EngineName         string
	EntityType         EntityType
	EntityID           string
	SignalType         SignalType
	Strength           float64
	RecommendationText string
	Metadata           map[string]string
}

// SignalType categorizes an advisory signal.
type SignalType string

const (
	SignalOpportunity  SignalType = "opportunity"
	SignalWarning      SignalType = "warning"
	SignalOptimization SignalType = "optimization"
)
