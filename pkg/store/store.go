// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists performance records, bid changes, cooldown
// locks, outcomes and model versions in SQLite. The change record and
// its lock are committed as one transaction; see CommitChange.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

var (
	// ErrLockConflict means another process holds an active lock with a
	// later or equal expiry for this entity.
	ErrLockConflict = errors.New("active bid adjustment lock conflict")
	// ErrNotFound is returned for missing rows.
	ErrNotFound = errors.New("not found")
)

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log log.Logger

	// commitHook, when set, runs between the change insert and the lock
	// upsert inside CommitChange's transaction. Tests use it to prove
	// the rollback leaves neither row behind.
	commitHook func() error
}

// Open opens (or creates) the database and runs migrations.
func Open(path string, logger log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode: evaluation and retraining jobs read while a live run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, log: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("store opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS performance_records (
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			date           INTEGER NOT NULL,
			impressions    INTEGER NOT NULL DEFAULT 0,
			clicks         INTEGER NOT NULL DEFAULT 0,
			cost           REAL NOT NULL DEFAULT 0,
			conversions_1d INTEGER NOT NULL DEFAULT 0,
			conversions_7d INTEGER NOT NULL DEFAULT 0,
			sales_1d       REAL NOT NULL DEFAULT 0,
			sales_7d       REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, entity_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_date ON performance_records(date)`,

		`CREATE TABLE IF NOT EXISTS bid_changes (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type        TEXT NOT NULL,
			entity_id          TEXT NOT NULL,
			change_date        INTEGER NOT NULL,
			old_bid            TEXT NOT NULL,
			new_bid            TEXT NOT NULL,
			change_amount      TEXT NOT NULL,
			change_pct         REAL NOT NULL,
			reason             TEXT NOT NULL,
			strategy_id        TEXT NOT NULL DEFAULT '',
			policy_variant     TEXT NOT NULL DEFAULT '',
			features           TEXT NOT NULL DEFAULT '[]',
			performance_before TEXT NOT NULL,
			performance_after  TEXT,
			outcome_score      REAL,
			outcome_label      TEXT,
			evaluated_at       INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_entity
			ON bid_changes(entity_type, entity_id, change_date)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_pending
			ON bid_changes(evaluated_at) WHERE evaluated_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS bid_locks (
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			locked_until   INTEGER NOT NULL,
			reason         TEXT NOT NULL,
			last_change_id INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS outcomes (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			change_id       INTEGER NOT NULL REFERENCES bid_changes(id),
			before_metrics  TEXT NOT NULL,
			after_metrics   TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			improvement_pct REAL NOT NULL,
			strategy_id     TEXT NOT NULL DEFAULT '',
			policy_variant  TEXT NOT NULL DEFAULT '',
			eligible        INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_eligible ON outcomes(eligible)`,

		`CREATE TABLE IF NOT EXISTS model_versions (
			version        INTEGER PRIMARY KEY,
			artifact       TEXT NOT NULL,
			samples        INTEGER NOT NULL,
			train_accuracy REAL NOT NULL,
			test_accuracy  REAL NOT NULL,
			auc            REAL NOT NULL,
			brier          REAL NOT NULL,
			trained_at     INTEGER NOT NULL,
			promoted       INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.log.Info("closing store")
	return s.db.Close()
}

// AddPerformanceRecords upserts a batch of daily records.
func (s *Store) AddPerformanceRecords(records []core.PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO performance_records
		(entity_type, entity_id, date, impressions, clicks, cost,
		 conversions_1d, conversions_7d, sales_1d, sales_7d)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(entity_type, entity_id, date) DO UPDATE SET
		 impressions=excluded.impressions, clicks=excluded.clicks,
		 cost=excluded.cost, conversions_1d=excluded.conversions_1d,
		 conversions_7d=excluded.conversions_7d,
		 sales_1d=excluded.sales_1d, sales_7d=excluded.sales_7d`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(
			string(r.EntityType), r.EntityID, r.Date.Unix(),
			r.Impressions, r.Clicks, r.Cost,
			r.Conversions1D, r.Conversions7D, r.Sales1D, r.Sales7D,
		); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return tx.Commit()
}

// PerformanceHistory returns an entity's daily records since the given
// time, oldest first.
func (s *Store) PerformanceHistory(entityType core.EntityType, entityID string, since time.Time) ([]core.PerformanceRecord, error) {
	rows, err := s.db.Query(`SELECT entity_type, entity_id, date, impressions, clicks, cost,
			conversions_1d, conversions_7d, sales_1d, sales_7d
		FROM performance_records
		WHERE entity_type = ? AND entity_id = ? AND date >= ?
		ORDER BY date ASC`,
		string(entityType), entityID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []core.PerformanceRecord
	for rows.Next() {
		var r core.PerformanceRecord
		var et string
		var ts int64
		if err := rows.Scan(&et, &r.EntityID, &ts, &r.Impressions, &r.Clicks, &r.Cost,
			&r.Conversions1D, &r.Conversions7D, &r.Sales1D, &r.Sales7D); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.EntityType = core.EntityType(et)
		r.Date = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// SpendByLevel sums spend per entity level for one day, across all
// entities. Feeds the account-level daily-limit check.
func (s *Store) SpendByLevel(day time.Time) (map[core.EntityType]float64, error) {
	start := day.Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := s.db.Query(`SELECT entity_type, COALESCE(SUM(cost), 0)
		FROM performance_records
		WHERE date >= ? AND date < ?
		GROUP BY entity_type`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()

	out := make(map[core.EntityType]float64)
	for rows.Next() {
		var level string
		var spend float64
		if err := rows.Scan(&level, &spend); err != nil {
			return nil, fmt.Errorf("scan spend: %w", err)
		}
		out[core.EntityType(level)] = spend
	}
	return out, rows.Err()
}
