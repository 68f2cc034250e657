// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ops serves the operational HTTP surface: liveness, engine
// status and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adxyz/bidpilot/pkg/engine"
	"github.com/adxyz/bidpilot/pkg/log"
)

// Status is the /status payload.
type Status struct {
	StartedAt    time.Time          `json:"started_at"`
	ModelVersion int                `json:"model_version"`
	LastRun      *engine.RunSummary `json:"last_run,omitempty"`
}

// Server hosts the ops endpoints.
type Server struct {
	srv *http.Server
	log log.Logger

	mu     sync.RWMutex
	status Status
}

// NewServer creates the ops server on the given listen address.
func NewServer(listen string, logger log.Logger) *Server {
	s := &Server{
		log:    logger,
		status: Status{StartedAt: time.Now().UTC()},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetLastRun publishes the most recent cycle summary.
func (s *Server) SetLastRun(summary *engine.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastRun = summary
}

// SetModelVersion publishes the promoted model version.
func (s *Server) SetModelVersion(version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ModelVersion = version
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("ops server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("ops server shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("status encode failed", "error", err)
	}
}
