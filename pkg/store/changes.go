// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/bidpilot/pkg/core"
)

// CommitChange writes the change record and creates/extends the cooldown
// lock as a single transaction: re-check the lock, insert the change,
// upsert the lock keyed to the change id, commit. Any failure rolls the
// whole unit back — a change record must never exist without its lock.
// Returns the new change id.
func (s *Store) CommitChange(
	rec *core.BidChangeRecord,
	features []float64,
	cooldown time.Duration,
	now time.Time,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Re-check under the transaction: a concurrent cycle (live run vs
	// backfill job) may have locked the entity since we last looked.
	lockedUntil := now.Add(cooldown)
	var existing int64
	err = tx.QueryRow(`SELECT locked_until FROM bid_locks
		WHERE entity_type = ? AND entity_id = ?`,
		string(rec.EntityType), rec.EntityID).Scan(&existing)
	switch {
	case err == nil:
		if existing > now.Unix() && existing >= lockedUntil.Unix() {
			return 0, ErrLockConflict
		}
	case errors.Is(err, sql.ErrNoRows):
		// No lock yet.
	default:
		return 0, fmt.Errorf("check lock: %w", err)
	}

	beforeJSON, err := json.Marshal(rec.PerformanceBefore)
	if err != nil {
		return 0, fmt.Errorf("marshal before metrics: %w", err)
	}
	featJSON, err := json.Marshal(features)
	if err != nil {
		return 0, fmt.Errorf("marshal features: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO bid_changes
		(entity_type, entity_id, change_date, old_bid, new_bid,
		 change_amount, change_pct, reason, strategy_id, policy_variant,
		 features, performance_before)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(rec.EntityType), rec.EntityID, rec.ChangeDate.Unix(),
		rec.OldBid.String(), rec.NewBid.String(),
		rec.ChangeAmount.String(), rec.ChangePct, rec.Reason,
		rec.StrategyID, rec.PolicyVariant,
		string(featJSON), string(beforeJSON))
	if err != nil {
		return 0, fmt.Errorf("insert change: %w", err)
	}
	changeID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("change id: %w", err)
	}

	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			return 0, fmt.Errorf("commit interrupted: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO bid_locks
		(entity_type, entity_id, locked_until, reason, last_change_id)
		VALUES (?,?,?,?,?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		 locked_until=excluded.locked_until, reason=excluded.reason,
		 last_change_id=excluded.last_change_id`,
		string(rec.EntityType), rec.EntityID, lockedUntil.Unix(),
		rec.Reason, changeID); err != nil {
		return 0, fmt.Errorf("upsert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	rec.ID = changeID
	return changeID, nil
}

// ActiveLock returns the entity's lock if it is still active at now,
// ErrNotFound otherwise.
func (s *Store) ActiveLock(entityType core.EntityType, entityID string, now time.Time) (*core.BidAdjustmentLock, error) {
	var lock core.BidAdjustmentLock
	var until int64
	var et string
	err := s.db.QueryRow(`SELECT entity_type, entity_id, locked_until, reason, last_change_id
		FROM bid_locks WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID).
		Scan(&et, &lock.EntityID, &until, &lock.Reason, &lock.LastChangeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	lock.EntityType = core.EntityType(et)
	lock.LockedUntil = time.Unix(until, 0).UTC()
	if !lock.LockedUntil.After(now) {
		// Expired locks are simply stale rows; no explicit deletion.
		return nil, ErrNotFound
	}
	return &lock, nil
}

// RecentChanges returns an entity's change records since the given time,
// oldest first. Satisfies reentry.HistoryReader.
func (s *Store) RecentChanges(entityType core.EntityType, entityID string, since time.Time) ([]core.BidChangeRecord, error) {
	rows, err := s.db.Query(changeColumns+`
		WHERE entity_type = ? AND entity_id = ? AND change_date >= ?
		ORDER BY change_date ASC`,
		string(entityType), entityID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// MaturedChanges returns unevaluated changes made at or before the
// maturity cutoff.
func (s *Store) MaturedChanges(cutoff time.Time) ([]core.BidChangeRecord, error) {
	rows, err := s.db.Query(changeColumns+`
		WHERE evaluated_at IS NULL AND change_date <= ?
		ORDER BY change_date ASC`,
		cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query matured changes: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

const changeColumns = `SELECT id, entity_type, entity_id, change_date, old_bid, new_bid,
	change_amount, change_pct, reason, strategy_id, policy_variant,
	performance_before, performance_after, outcome_score, outcome_label, evaluated_at
	FROM bid_changes`

func scanChanges(rows *sql.Rows) ([]core.BidChangeRecord, error) {
	var out []core.BidChangeRecord
	for rows.Next() {
		var (
			rec         core.BidChangeRecord
			et          string
			changeDate  int64
			oldBid      string
			newBid      string
			amount      string
			beforeJSON  string
			afterJSON   sql.NullString
			score       sql.NullFloat64
			label       sql.NullString
			evaluatedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &et, &rec.EntityID, &changeDate,
			&oldBid, &newBid, &amount, &rec.ChangePct, &rec.Reason,
			&rec.StrategyID, &rec.PolicyVariant,
			&beforeJSON, &afterJSON, &score, &label, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		rec.EntityType = core.EntityType(et)
		rec.ChangeDate = time.Unix(changeDate, 0).UTC()

		var err error
		if rec.OldBid, err = decimal.NewFromString(oldBid); err != nil {
			return nil, fmt.Errorf("parse old bid: %w", err)
		}
		if rec.NewBid, err = decimal.NewFromString(newBid); err != nil {
			return nil, fmt.Errorf("parse new bid: %w", err)
		}
		if rec.ChangeAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse change amount: %w", err)
		}
		if err := json.Unmarshal([]byte(beforeJSON), &rec.PerformanceBefore); err != nil {
			return nil, fmt.Errorf("unmarshal before metrics: %w", err)
		}
		if afterJSON.Valid {
			var after core.MetricsSummary
			if err := json.Unmarshal([]byte(afterJSON.String), &after); err != nil {
				return nil, fmt.Errorf("unmarshal after metrics: %w", err)
			}
			rec.PerformanceAfter = &after
		}
		if score.Valid {
			v := score.Float64
			rec.OutcomeScore = &v
		}
		if label.Valid {
			rec.OutcomeLabel = label.String
		}
		if evaluatedAt.Valid {
			t := time.Unix(evaluatedAt.Int64, 0).UTC()
			rec.EvaluatedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ChangeFeatures returns the feature vector stored with a change record.
func (s *Store) ChangeFeatures(changeID int64) ([]float64, error) {
	var featJSON string
	err := s.db.QueryRow(`SELECT features FROM bid_changes WHERE id = ?`, changeID).
		Scan(&featJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	var features []float64
	if err := json.Unmarshal([]byte(featJSON), &features); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}
	return features, nil
}

// RecordOutcome marks a change evaluated and stores its outcome row, as
// one transaction. The change row is mutated exactly once.
func (s *Store) RecordOutcome(o core.PerformanceOutcome, evaluatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	beforeJSON, err := json.Marshal(o.Before)
	if err != nil {
		return fmt.Errorf("marshal before: %w", err)
	}
	afterJSON, err := json.Marshal(o.After)
	if err != nil {
		return fmt.Errorf("marshal after: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE bid_changes SET
		performance_after = ?, outcome_score = ?, outcome_label = ?, evaluated_at = ?
		WHERE id = ? AND evaluated_at IS NULL`,
		string(afterJSON), o.ImprovementPct, string(o.Outcome), evaluatedAt.Unix(), o.ChangeID)
	if err != nil {
		return fmt.Errorf("update change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("change %d: %w", o.ChangeID, ErrNotFound)
	}

	eligible := 0
	if o.EligibleForTraining {
		eligible = 1
	}
	if _, err := tx.Exec(`INSERT INTO outcomes
		(change_id, before_metrics, after_metrics, outcome, improvement_pct,
		 strategy_id, policy_variant, eligible, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ChangeID, string(beforeJSON), string(afterJSON), string(o.Outcome),
		o.ImprovementPct, o.StrategyID, o.PolicyVariant, eligible,
		evaluatedAt.Unix()); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	return tx.Commit()
}

// TrainingExample is one labeled row for the trainer: the feature vector
// captured at decision time and the binary success label.
type TrainingExample struct {
	ChangeID int64
	Features []float64
	Success  bool
}

// TrainingData returns the eligible labeled examples, oldest first.
// Neutral outcomes are excluded: the model learns success vs failure.
func (s *Store) TrainingData() ([]TrainingExample, error) {
	rows, err := s.db.Query(`SELECT o.change_id, c.features, o.outcome
		FROM outcomes o JOIN bid_changes c ON c.id = o.change_id
		WHERE o.eligible = 1 AND o.outcome != 'neutral'
		ORDER BY o.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query training data: %w", err)
	}
	defer rows.Close()

	var out []TrainingExample
	for rows.Next() {
		var ex TrainingExample
		var featJSON, outcome string
		if err := rows.Scan(&ex.ChangeID, &featJSON, &outcome); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		if err := json.Unmarshal([]byte(featJSON), &ex.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
		ex.Success = outcome == string(core.OutcomeSuccess)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// EligibleOutcomeCount returns the labeled examples available for
// training (non-neutral, quality gate passed).
func (s *Store) EligibleOutcomeCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outcomes
		WHERE eligible = 1 AND outcome != 'neutral'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}
