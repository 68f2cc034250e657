// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package safety

import (
	"errors"
	"sync"
	"time"

	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/log"
)

var ErrNegativeSpend = errors.New("negative spend amount")

// SpendLedger aggregates today's spend across all entity levels. It is the
// only state the safety layer reads that crosses entity boundaries.
type SpendLedger struct {
	mu      sync.RWMutex
	day     time.Time
	byLevel map[core.EntityType]float64
	total   float64
	log     log.Logger
}

// NewSpendLedger creates a ledger for the given day.
func NewSpendLedger(day time.Time, logger log.Logger) *SpendLedger {
	return &SpendLedger{
		day:     day.Truncate(24 * time.Hour),
		byLevel: make(map[core.EntityType]float64),
		log:     logger,
	}
}

// Record adds an entity's spend for the ledger day.
func (l *SpendLedger) Record(level core.EntityType, amount float64) error {
	if amount < 0 {
		return ErrNegativeSpend
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byLevel[level] += amount
	l.total += amount
	return nil
}

// Total returns the account-wide spend recorded for the day.
func (l *SpendLedger) Total() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Level returns the spend recorded at one entity level.
func (l *SpendLedger) Level(level core.EntityType) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byLevel[level]
}

// Day returns the ledger's day.
func (l *SpendLedger) Day() time.Time {
	return l.day
}
