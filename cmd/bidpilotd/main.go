// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// bidpilotd is the bid optimization daemon. It runs one-shot cycles
// (run, evaluate, train, rollback) and a long-lived serve mode that
// schedules them and exposes the ops endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/adxyz/bidpilot/pkg/config"
	"github.com/adxyz/bidpilot/pkg/core"
	"github.com/adxyz/bidpilot/pkg/engine"
	"github.com/adxyz/bidpilot/pkg/learning"
	"github.com/adxyz/bidpilot/pkg/log"
	"github.com/adxyz/bidpilot/pkg/ops"
	"github.com/adxyz/bidpilot/pkg/scheduler"
	"github.com/adxyz/bidpilot/pkg/store"
)

var (
	cfgPath      string
	entitiesPath string
	dryRun       bool
	forceTrain   bool
	rollbackTo   int

	cfg    *config.Config
	logger log.Logger
)

func main() {
	root := &cobra.Command{
		Use:           "bidpilotd",
		Short:         "bid optimization engine daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger = log.NewWithLevel(cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "bidpilot.yaml", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "execute one optimization cycle",
		RunE:  runCycle,
	}
	runCmd.Flags().StringVar(&entitiesPath, "entities", "entities.json", "entity catalog file")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the pipeline without persisting changes")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "score matured bid changes",
		RunE:  runEvaluate,
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "retrain the success model if due",
		RunE:  runTrain,
	}
	trainCmd.Flags().BoolVar(&forceTrain, "force", false, "train even when retraining is not due")

	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "restore an older model version",
		RunE:  runRollback,
	}
	rollbackCmd.Flags().IntVar(&rollbackTo, "to", 0, "version to promote")
	rollbackCmd.MarkFlagRequired("to")

	ingestCmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "load daily performance records from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the scheduler and ops endpoints",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&entitiesPath, "entities", "entities.json", "entity catalog file")

	root.AddCommand(runCmd, evaluateCmd, trainCmd, rollbackCmd, ingestCmd, serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Database.Path, logger)
}

func runCycle(cmd *cobra.Command, _ []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	source, err := newFileSource(entitiesPath)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, s, source, nil, logger)
	rc := core.RunContext{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), DryRun: dryRun}
	_, _, err = eng.Run(cmd.Context(), rc)
	return err
}

func runEvaluate(*cobra.Command, []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	summary, err := newEvaluator(s).Run(core.RunContext{RunID: uuid.NewString()})
	if err != nil {
		return err
	}
	logger.Info("evaluation finished",
		"matured", summary.Matured, "evaluated", summary.Evaluated,
		"pending", summary.Pending)
	return nil
}

func runTrain(*cobra.Command, []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	tr := newTrainer(s)
	if !forceTrain {
		due, err := tr.ShouldRetrain()
		if err != nil {
			return err
		}
		if !due {
			logger.Info("retraining not due")
			return nil
		}
	}
	res, err := tr.Train(core.RunContext{RunID: uuid.NewString()})
	if err != nil {
		return err
	}
	logger.Info("training finished",
		"version", res.Version.Version, "promoted", res.Promoted, "reason", res.Reason)
	return nil
}

func runRollback(*cobra.Command, []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return newTrainer(s).Rollback(rollbackTo)
}

func runIngest(_ *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var records []core.PerformanceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse records: %w", err)
	}
	if err := s.AddPerformanceRecords(records); err != nil {
		return err
	}
	logger.Info("records ingested", "count", len(records), "file", args[0])
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	source, err := newFileSource(entitiesPath)
	if err != nil {
		return err
	}
	eng := engine.New(cfg, s, source, nil, logger)
	server := ops.NewServer(cfg.Ops.Listen, logger)

	jobs := scheduler.Jobs{
		Optimize: func() error {
			rc := core.RunContext{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
			summary, _, err := eng.Run(ctx, rc)
			if err != nil {
				return err
			}
			server.SetLastRun(summary)
			return nil
		},
		Evaluate: func() error {
			_, err := newEvaluator(s).Run(core.RunContext{RunID: uuid.NewString()})
			return err
		},
		Retrain: func() error {
			tr := newTrainer(s)
			due, err := tr.ShouldRetrain()
			if err != nil || !due {
				return err
			}
			res, err := tr.Train(core.RunContext{RunID: uuid.NewString()})
			if err != nil {
				return err
			}
			if res.Promoted {
				server.SetModelVersion(res.Version.Version)
			}
			return nil
		},
	}
	sched, err := scheduler.New(cfg.Schedule.OptimizeCron, cfg.Schedule.EvaluateCron,
		cfg.Schedule.RetrainCron, jobs, logger)
	if err != nil {
		return err
	}

	if mv, err := s.CurrentModel(); err == nil {
		server.SetModelVersion(mv.Version)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	sched.Start()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	<-sched.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newEvaluator(s *store.Store) *learning.Evaluator {
	return learning.NewEvaluator(learning.EvaluatorConfig{
		EvaluateAfterDays: cfg.Learning.EvaluateAfterDays,
		ACOSWeight:        cfg.Learning.ACOSWeight,
		ROASWeight:        cfg.Learning.ROASWeight,
		CTRWeight:         cfg.Learning.CTRWeight,
		SuccessThreshold:  cfg.Learning.SuccessThreshold,
		FailureThreshold:  cfg.Learning.FailureThreshold,
		MinSpend:          cfg.Learning.MinSpend,
		MinClicks:         cfg.Learning.MinClicks,
		Attribution:       cfg.Engine.Attribution,
	}, s, logger)
}

func newTrainer(s *store.Store) *learning.Trainer {
	return learning.NewTrainer(learning.TrainerConfig{
		RetrainMinSamples: cfg.Learning.RetrainMinSamples,
		RetrainGrowthPct:  cfg.Learning.RetrainGrowthPct,
		MinAUC:            cfg.Learning.MinAUC,
		MinAccuracy:       cfg.Learning.MinAccuracy,
		MinImprovement:    cfg.Learning.MinImprovement,
		MaxVersions:       cfg.Learning.MaxVersions,
		TestSplit:         cfg.Learning.TestSplit,
	}, s, logger)
}

// catalogEntry is one row of the JSON entity catalog file.
type catalogEntry struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	CurrentBid  decimal.Decimal `json:"current_bid"`
	Category    string          `json:"category,omitempty"`
	PriceTier   string          `json:"price_tier,omitempty"`
	Fulfillment string          `json:"fulfillment,omitempty"`
}

// fileSource reads the entity catalog from a JSON file once per cycle.
type fileSource struct {
	path string
}

func newFileSource(path string) (*fileSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("entity catalog: %w", err)
	}
	return &fileSource{path: path}, nil
}

func (f *fileSource) Entities(context.Context) ([]core.Entity, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	out := make([]core.Entity, 0, len(entries))
	for _, e := range entries {
		et := core.EntityType(strings.ToLower(e.Type))
		switch et {
		case core.EntityKeyword, core.EntityAdGroup, core.EntityCampaign:
		default:
			return nil, fmt.Errorf("entity %q: unknown type %q", e.ID, e.Type)
		}
		out = append(out, core.Entity{
			ID:         e.ID,
			Type:       et,
			CurrentBid: e.CurrentBid,
			Attributes: core.EntityAttributes{
				Category:    e.Category,
				PriceTier:   e.PriceTier,
				Fulfillment: e.Fulfillment,
			},
		})
	}
	return out, nil
}
