// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adxyz/bidpilot/pkg/core"
)

var (
	// ErrRollbackTarget means the requested rollback target is not older
	// than the currently promoted version.
	ErrRollbackTarget = errors.New("rollback target must be older than current version")
	// ErrNoPromotedModel means no model version is currently promoted.
	ErrNoPromotedModel = errors.New("no promoted model version")
)

// artifact is the JSON-persisted model blob.
type artifact struct {
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	ScalerMean   []float64 `json:"scaler_mean"`
	ScalerStd    []float64 `json:"scaler_std"`
	FeatureNames []string  `json:"feature_names"`
}

// SaveModelVersion inserts a trained version and, when promote is true,
// atomically makes it the only promoted one. Older unpromoted versions
// beyond maxVersions are pruned.
func (s *Store) SaveModelVersion(mv core.ModelVersion, promote bool, maxVersions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(artifact{
		Weights:      mv.Weights,
		Bias:         mv.Bias,
		ScalerMean:   mv.ScalerMean,
		ScalerStd:    mv.ScalerStd,
		FeatureNames: mv.FeatureNames,
	})
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	promoted := 0
	if promote {
		promoted = 1
		if _, err := tx.Exec(`UPDATE model_versions SET promoted = 0`); err != nil {
			return fmt.Errorf("demote current: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO model_versions
		(version, artifact, samples, train_accuracy, test_accuracy, auc, brier, trained_at, promoted)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		mv.Version, string(blob), mv.Samples,
		mv.TrainAccuracy, mv.TestAccuracy, mv.AUC, mv.Brier,
		mv.TrainedAt.Unix(), promoted); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	// Retain the newest maxVersions rows; the promoted one always stays.
	if _, err := tx.Exec(`DELETE FROM model_versions
		WHERE promoted = 0 AND version NOT IN (
			SELECT version FROM model_versions ORDER BY version DESC LIMIT ?
		)`, maxVersions); err != nil {
		return fmt.Errorf("prune versions: %w", err)
	}

	return tx.Commit()
}

// CurrentModel returns the promoted model version, ErrNoPromotedModel if
// none exists.
func (s *Store) CurrentModel() (*core.ModelVersion, error) {
	return s.modelWhere(`promoted = 1 ORDER BY version DESC`, ErrNoPromotedModel)
}

// ModelByVersion returns one retained version.
func (s *Store) ModelByVersion(version int) (*core.ModelVersion, error) {
	return s.modelWhere(fmt.Sprintf(`version = %d`, version), ErrNotFound)
}

// LatestVersion returns the highest retained version number, 0 if none.
func (s *Store) LatestVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM model_versions`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// RollbackTo promotes a retained older version as current. The target
// must be strictly older than the currently promoted version.
func (s *Store) RollbackTo(target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.CurrentModel()
	if err != nil {
		return err
	}
	if target >= current.Version {
		return ErrRollbackTarget
	}
	if _, err := s.ModelByVersion(target); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE model_versions SET promoted = 0`); err != nil {
		return fmt.Errorf("demote: %w", err)
	}
	if _, err := tx.Exec(`UPDATE model_versions SET promoted = 1 WHERE version = ?`, target); err != nil {
		return fmt.Errorf("promote target: %w", err)
	}

	s.log.Info("model rolled back", "from", current.Version, "to", target)
	return tx.Commit()
}

func (s *Store) modelWhere(where string, notFound error) (*core.ModelVersion, error) {
	row := s.db.QueryRow(`SELECT version, artifact, samples, train_accuracy,
		test_accuracy, auc, brier, trained_at, promoted
		FROM model_versions WHERE ` + where + ` LIMIT 1`)

	var (
		mv        core.ModelVersion
		blob      string
		trainedAt int64
		promoted  int
	)
	err := row.Scan(&mv.Version, &blob, &mv.Samples, &mv.TrainAccuracy,
		&mv.TestAccuracy, &mv.AUC, &mv.Brier, &trainedAt, &promoted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}

	var art artifact
	if err := json.Unmarshal([]byte(blob), &art); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	mv.Weights = art.Weights
	mv.Bias = art.Bias
	mv.ScalerMean = art.ScalerMean
	mv.ScalerStd = art.ScalerStd
	mv.FeatureNames = art.FeatureNames
	mv.TrainedAt = time.Unix(trainedAt, 0).UTC()
	mv.Promoted = promoted == 1
	return &mv, nil
}
