// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine runs the per-entity decision pipeline: aggregate,
// safety, classify, coordinate, gate, re-entry, clamp, persist. Every
// stage either passes an adjustment forward or ends the cycle with a
// named reason.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adxyz/bidpilot/pkg/abtest"
	"github.com/adxyz/bidpilot/pkg/classifier"
	"github.com/adxyz/bidpilot/pkg/config"
	"github.com/adxyz/bidpilot/pkg/coordinator"
	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/limits"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/metrics"
	"github.com/adxyz/bidpilot/pkg/model"
	"github.com/adxyz/bidpilot/pkg/perf"
	"github.com/adxyz/bidpilot/pkg/reentry"
	"github.com/adxyz/bidpilot/pkg/safety"
	"github.com/adxyz/bidpilot/pkg/signals"
	"github.com/adxyz/bidpilot/pkg/store"
)

// EntitySource supplies the biddable entities for a cycle. The catalog
// itself lives outside this engine.
type EntitySource interface {
	Entities(ctx context.Context) ([]core.Entity, error)
}

// Cycle end states, one per entity per run.
const (
	statusRecommended = "recommended"
	statusVetoed      = "vetoed"
	statusBlocked     = "blocked"
	statusSkipped     = "skipped"
	statusError       = "error"
)

// RunSummary aggregates one optimization cycle.
type RunSummary struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Processed   int
	Recommended int
	Applied     int
	Vetoed      int
	Blocked     int
	Skipped     int
	Errors      int
}

// Engine wires the pipeline stages together.
type Engine struct {
	cfg       *config.Config
	db        *store.Store
	source    EntitySource
	providers []signals.Provider

	agg        *perf.Aggregator
	safety     *safety.Checker
	classifier *classifier.Classifier
	coord      *coordinator.Coordinator
	reentry    *reentry.Controller
	limits     *limits.Resolver
	log        log.Logger
}

// New builds an engine from validated configuration.
func New(cfg *config.Config, db *store.Store, source EntitySource, providers []signals.Provider, logger log.Logger) *Engine {
	smoother := perf.NewSmoother(cfg.Smoothing.Strategy, cfg.Smoothing.Alpha)
	return &Engine{
		cfg:       cfg,
		db:        db,
		source:    source,
		providers: providers,
		agg: perf.NewAggregator(cfg.Engine.LookbackDays, cfg.Engine.Attribution,
			smoother, logger),
		safety: safety.NewChecker(safety.Config{
			SpikeWindowDays:     cfg.Safety.SpikeWindowDays,
			SpikeRatio:          cfg.Safety.SpikeRatio,
			SpikeCutPct:         cfg.Safety.SpikeCutPct,
			DailySpendLimit:     cfg.Safety.DailySpendLimit,
			DailyLimitAction:    cfg.Safety.DailyLimitAction,
			DailyLimitReduction: cfg.Safety.DailyLimitReduction,
		}, logger),
		classifier: classifier.New(classifier.Config{
			TargetACOS:         cfg.Classifier.TargetACOS,
			LowDataSpend:       cfg.Classifier.LowDataSpend,
			LowDataClicks:      cfg.Classifier.LowDataClicks,
			TrendNudgePct:      cfg.Classifier.TrendNudgePct,
			ACOSTrendVeto:      cfg.Classifier.ACOSTrendVeto,
			ACOSTrendThreshold: cfg.Classifier.ACOSTrendThreshold,
		}, logger),
		coord: coordinator.New(cfg.Coordinator.AllowedSources, logger),
		reentry: reentry.New(reentry.Config{
			CooldownDays:            cfg.ReEntry.CooldownDays,
			MinChangePct:            cfg.ReEntry.MinChangePct,
			StabilitySamples:        cfg.ReEntry.StabilitySamples,
			StabilityMaxCV:          cfg.ReEntry.StabilityMaxCV,
			HysteresisLowerPct:      cfg.ReEntry.HysteresisLowerPct,
			HysteresisUpperPct:      cfg.ReEntry.HysteresisUpperPct,
			OscillationLookbackDays: cfg.ReEntry.OscillationLookbackDays,
			OscillationMaxReversals: cfg.ReEntry.OscillationMaxReversals,
		}, db, logger),
		limits: limits.NewResolver(
			decimal.NewFromFloat(cfg.Engine.BidFloor),
			decimal.NewFromFloat(cfg.Engine.BidCap)),
		log: logger,
	}
}

// Limits exposes the clamp resolver so callers can install overrides.
func (e *Engine) Limits() *limits.Resolver { return e.limits }

// Run executes one full optimization cycle over every entity the source
// yields. A dry run walks the whole pipeline but persists nothing.
func (e *Engine) Run(ctx context.Context, rc core.RunContext) (*RunSummary, []core.Recommendation, error) {
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	now := rc.Clock()

	entities, err := e.source.Entities(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load entities: %w", err)
	}

	ledger := safety.NewSpendLedger(now, e.log)
	spend, err := e.db.SpendByLevel(now)
	if err != nil {
		// A missing ledger disables only the daily-limit check; the run
		// continues.
		e.log.Warn("daily spend lookup failed", "run", rc.RunID, "error", err)
	} else {
		for level, amount := range spend {
			if err := ledger.Record(level, amount); err != nil {
				e.log.Warn("spend ledger rejected amount",
					"level", string(level), "amount", amount, "error", err)
			}
		}
	}

	gate := e.buildGate()

	summary := &RunSummary{RunID: rc.RunID, StartedAt: now}
	var recs []core.Recommendation
	for _, entity := range entities {
		select {
		case <-ctx.Done():
			return summary, recs, ctx.Err()
		default:
		}

		rec, status := e.processEntity(ctx, rc, entity, ledger, gate, now)
		summary.Processed++
		switch status {
		case statusRecommended:
			summary.Recommended++
			if rec != nil && rec.Metadata.ChangeID != 0 {
				summary.Applied++
			}
		case statusVetoed:
			summary.Vetoed++
		case statusBlocked:
			summary.Blocked++
		case statusSkipped:
			summary.Skipped++
		case statusError:
			summary.Errors++
		}
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	summary.FinishedAt = time.Now().UTC()

	e.log.Info("optimization cycle finished",
		"run", rc.RunID, "dry_run", rc.DryRun,
		"processed", summary.Processed, "recommended", summary.Recommended,
		"applied", summary.Applied, "vetoed", summary.Vetoed,
		"blocked", summary.Blocked, "skipped", summary.Skipped,
		"errors", summary.Errors)
	return summary, recs, nil
}

// buildGate loads the promoted model, if any, and the labeled sample
// count for the warm-up decision.
func (e *Engine) buildGate() *model.Gate {
	gateCfg := model.GateConfig{
		Enabled:          e.cfg.Gate.Enabled,
		CancelBelow:      e.cfg.Gate.CancelBelow,
		HalveBelow:       e.cfg.Gate.HalveBelow,
		DampBelow:        e.cfg.Gate.DampBelow,
		DampFactor:       e.cfg.Gate.DampFactor,
		WarmupMinSamples: e.cfg.Gate.WarmupMinSamples,
	}

	mv, err := e.db.CurrentModel()
	if errors.Is(err, store.ErrNoPromotedModel) {
		return model.NewGate(gateCfg, nil, 0, e.log)
	}
	if err != nil {
		e.log.Error("current model lookup failed, gate bypassed", "error", err)
		return model.NewGate(gateCfg, nil, 0, e.log)
	}
	samples, err := e.db.EligibleOutcomeCount()
	if err != nil {
		e.log.Error("sample count lookup failed, gate bypassed", "error", err)
		return model.NewGate(gateCfg, nil, 0, e.log)
	}
	return model.NewGate(gateCfg, model.FromVersion(*mv), samples, e.log)
}

func (e *Engine) processEntity(
	ctx context.Context,
	rc core.RunContext,
	entity core.Entity,
	ledger *safety.SpendLedger,
	gate *model.Gate,
	now time.Time,
) (*core.Recommendation, string) {
	history, err := e.db.PerformanceHistory(entity.Type, entity.ID,
		now.AddDate(0, 0, -e.cfg.Engine.HistoryDays))
	if err != nil {
		e.log.Error("history load failed", "entity", entity.ID, "error", err)
		return nil, statusError
	}

	snap, err := e.agg.Aggregate(history, now)
	if errors.Is(err, perf.ErrInsufficientData) {
		metrics.IncSkip("insufficient_data")
		e.log.Debug("skipped: insufficient data", "entity", entity.ID)
		return nil, statusSkipped
	}
	if err != nil {
		e.log.Error("aggregation failed", "entity", entity.ID, "error", err)
		return nil, statusError
	}

	variant := abtest.Variant(entity.ID, e.cfg.Engine.StrategyID, e.cfg.Engine.TreatmentPct)

	if res := e.safety.Check(entity, history, ledger, e.cfg.Engine.Attribution, now); res.Triggered {
		if res.Action == safety.ActionPause {
			metrics.IncVeto(res.Proposal.Source)
			e.log.Warn("entity paused by safety check",
				"entity", entity.ID, "reason", res.Reason)
			return nil, statusVetoed
		}
		// Forced cuts and global reductions skip the blend, the gate and
		// the re-entry checks: a stop-loss is not advice.
		features := model.Features(model.FeatureInput{
			Snapshot:      snap,
			Entity:        entity,
			ProposedPct:   res.Percentage,
			PolicyVariant: variant,
			StrategyID:    e.cfg.Engine.StrategyID,
		})
		return e.emit(rc, entity, snap, cycleOutcome{
			pct:        res.Percentage,
			priority:   core.PriorityCritical,
			confidence: 1.0,
			reason:     res.Reason,
			factors:    []string{res.Proposal.Source},
			variant:    variant,
			features:   features,
		}, now)
	}

	decision := e.classifier.Classify(snap)
	proposals := []core.AdjustmentProposal{decision.Base}
	if decision.Trend != nil {
		proposals = append(proposals, *decision.Trend)
	}

	advisoryCount, advisoryStrength := 0, 0.0
	for _, p := range e.providers {
		sigs, err := p.Signals(ctx, entity.Type, entity.ID)
		if err != nil {
			// Advice is optional, decisions are not.
			e.log.Warn("signal provider failed, continuing without",
				"provider", p.Name(), "entity", entity.ID, "error", err)
			continue
		}
		for _, sig := range sigs {
			proposals = append(proposals, signals.ToProposal(sig))
			advisoryCount++
			advisoryStrength += sig.Strength
		}
	}
	if advisoryCount > 0 {
		advisoryStrength /= float64(advisoryCount)
	}

	result := e.coord.Resolve(proposals)
	if !result.Allowed {
		metrics.IncVeto(result.VetoSource)
		e.log.Info("cycle vetoed",
			"entity", entity.ID, "source", result.VetoSource, "reason", result.VetoReason)
		return nil, statusVetoed
	}
	pct := result.Percentage
	if pct == 0 {
		metrics.IncSkip("no_adjustment")
		return nil, statusSkipped
	}

	features := model.Features(model.FeatureInput{
		Snapshot:             snap,
		Entity:               entity,
		ProposedPct:          pct,
		PolicyVariant:        variant,
		StrategyID:           e.cfg.Engine.StrategyID,
		AdvisoryCount:        advisoryCount,
		AdvisoryMeanStrength: advisoryStrength,
	})

	var gateRes *model.GateResult
	if variant == abtest.Treatment {
		gr := gate.Apply(entity.ID, pct, features)
		metrics.IncGateAction(string(gr.Action))
		gateRes = &gr
		pct = gr.Percentage
		if pct == 0 {
			metrics.IncSkip("gate_cancel")
			return nil, statusSkipped
		}
	}

	if d := e.reentry.Evaluate(entity.Type, entity.ID, pct, snap.DailyACOS,
		e.cfg.Classifier.TargetACOS, now); !d.Allowed {
		metrics.IncReEntryBlock(d.BlockedBy)
		e.log.Info("cycle blocked by re-entry check",
			"entity", entity.ID, "check", d.BlockedBy, "reason", d.Reason)
		return nil, statusBlocked
	}

	return e.emit(rc, entity, snap, cycleOutcome{
		pct:           pct,
		priority:      decision.Base.Priority,
		confidence:    decision.Base.Confidence,
		reason:        decision.Base.Reason,
		factors:       contributionSources(result.Contributions),
		contributions: result.Contributions,
		variant:       variant,
		gate:          gateRes,
		features:      features,
	}, now)
}

// cycleOutcome carries everything a surviving adjustment needs to become
// a recommendation.
type cycleOutcome struct {
	pct           float64
	priority      core.Priority
	confidence    float64
	reason        string
	factors       []string
	contributions []core.Contribution
	variant       string
	gate          *model.GateResult
	features      []float64
}

// emit clamps the proposed bid, persists the change with its lock unless
// the run is dry, and produces the recommendation.
func (e *Engine) emit(
	rc core.RunContext,
	entity core.Entity,
	snap *perf.Snapshot,
	out cycleOutcome,
	now time.Time,
) (*core.Recommendation, string) {
	proposed := entity.CurrentBid.Mul(decimal.NewFromFloat(1 + out.pct)).Round(2)
	clamped := e.limits.Clamp(entity, proposed)

	finalPct := out.pct
	if entity.CurrentBid.IsPositive() {
		finalPct, _ = clamped.Bid.Sub(entity.CurrentBid).
			Div(entity.CurrentBid).Float64()
	}
	if clamped.Bid.Equal(entity.CurrentBid) {
		metrics.IncSkip("clamped_to_current")
		e.log.Debug("skipped: clamp left bid unchanged",
			"entity", entity.ID, "bid", entity.CurrentBid)
		return nil, statusSkipped
	}

	rec := &core.Recommendation{
		ID:                  uuid.NewString(),
		EntityType:          entity.Type,
		EntityID:            entity.ID,
		AdjustmentType:      adjustmentType(finalPct),
		CurrentValue:        entity.CurrentBid,
		RecommendedValue:    clamped.Bid,
		AdjustmentPct:       finalPct,
		Confidence:          out.confidence,
		Priority:            out.priority,
		Reason:              out.reason,
		ContributingFactors: out.factors,
		Metadata: core.RecommendationMetadata{
			StrategyID:    e.cfg.Engine.StrategyID,
			PolicyVariant: out.variant,
			Contributions: out.contributions,
			Snapshot:      snap.Summary(),
		},
	}
	if out.gate != nil {
		rec.Metadata.GateAction = string(out.gate.Action)
		rec.Metadata.GateProbability = out.gate.Probability
	}
	if clamped.Clamped {
		rec.Metadata.CapApplied = clamped.Detail
	}

	if !rc.DryRun {
		change := &core.BidChangeRecord{
			EntityType:        entity.Type,
			EntityID:          entity.ID,
			ChangeDate:        now,
			OldBid:            entity.CurrentBid,
			NewBid:            clamped.Bid,
			ChangeAmount:      clamped.Bid.Sub(entity.CurrentBid),
			ChangePct:         finalPct,
			Reason:            out.reason,
			StrategyID:        e.cfg.Engine.StrategyID,
			PolicyVariant:     out.variant,
			PerformanceBefore: snap.Summary(),
		}
		cooldown := time.Duration(e.cfg.ReEntry.CooldownDays) * 24 * time.Hour
		changeID, err := e.db.CommitChange(change, out.features, cooldown, now)
		if errors.Is(err, store.ErrLockConflict) {
			metrics.IncReEntryBlock(reentry.BlockCooldown)
			e.log.Info("commit blocked by active lock", "entity", entity.ID)
			return nil, statusBlocked
		}
		if err != nil {
			metrics.IncCommitFailure()
			e.log.Error("change commit failed", "entity", entity.ID, "error", err)
			return nil, statusError
		}
		rec.Metadata.ChangeID = changeID
	}

	metrics.IncRecommendation(string(entity.Type))
	metrics.ObserveBidChange(math.Abs(finalPct))
	e.log.Info("recommendation",
		"run", rc.RunID, "entity", entity.ID, "type", string(entity.Type),
		"old_bid", entity.CurrentBid, "new_bid", clamped.Bid,
		"pct", finalPct, "variant", out.variant, "reason", out.reason,
		"dry_run", rc.DryRun)
	return rec, statusRecommended
}

func adjustmentType(pct float64) string {
	if pct < 0 {
		return "bid_decrease"
	}
	return "bid_increase"
}

func contributionSources(contributions []core.Contribution) []string {
	out := make([]string, 0, len(contributions))
	for _, c := range contributions {
		out = append(out, c.Source)
	}
	return out
}
