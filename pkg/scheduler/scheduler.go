// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scheduler drives the recurring jobs: the daily optimization
// cycle, outcome evaluation, and weekly retraining.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/adxyz/bidpilot/pkg/log"
)

// Jobs are the three recurring entry points. Each runs to completion
// before its next tick; overlapping ticks are skipped.
type Jobs struct {
	Optimize func() error
	Evaluate func() error
	Retrain  func() error
}

// Scheduler owns the cron runner.
type Scheduler struct {
	c   *cron.Cron
	log log.Logger
}

// New wires the job functions to their cron expressions. Expressions use
// six fields with a leading seconds column.
func New(optimizeSpec, evaluateSpec, retrainSpec string, jobs Jobs, logger log.Logger) (*Scheduler, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	s := &Scheduler{c: c, log: logger}
	for _, j := range []struct {
		name string
		spec string
		fn   func() error
	}{
		{"optimize", optimizeSpec, jobs.Optimize},
		{"evaluate", evaluateSpec, jobs.Evaluate},
		{"retrain", retrainSpec, jobs.Retrain},
	} {
		if j.fn == nil {
			continue
		}
		name, fn := j.name, j.fn
		if _, err := c.AddFunc(j.spec, func() {
			logger.Info("scheduled job starting", "job", name)
			if err := fn(); err != nil {
				logger.Error("scheduled job failed", "job", name, "error", err)
				return
			}
			logger.Info("scheduled job finished", "job", name)
		}); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", name, j.spec, err)
		}
	}
	return s, nil
}

// Start begins dispatching jobs in the background.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started")
	s.c.Start()
}

// Stop halts dispatch and waits for running jobs.
func (s *Scheduler) Stop() context.Context {
	s.log.Info("scheduler stopping")
	return s.c.Stop()
}
