// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/bidpilot/pkg/engine"
	"github.com/adxyz/bidpilot/pkg/log"
)

func TestHealthz(t *testing.T) {
	require := require.New(t)
	s := NewServer(":0", log.NoOp())

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(http.StatusOK, rr.Code)
	require.Equal("ok", rr.Body.String())
}

func TestStatusReportsLastRun(t *testing.T) {
	require := require.New(t)
	s := NewServer(":0", log.NoOp())
	s.SetModelVersion(3)
	s.SetLastRun(&engine.RunSummary{
		RunID:       "run-1",
		StartedAt:   time.Date(2025, 6, 15, 6, 0, 0, 0, time.UTC),
		Processed:   10,
		Recommended: 4,
		Applied:     3,
	})

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(http.StatusOK, rr.Code)

	var status Status
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(3, status.ModelVersion)
	require.NotNil(status.LastRun)
	require.Equal("run-1", status.LastRun.RunID)
	require.Equal(4, status.LastRun.Recommended)
}

func TestMetricsEndpointServes(t *testing.T) {
	require := require.New(t)
	s := NewServer(":0", log.NoOp())

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(http.StatusOK, rr.Code)
	require.Contains(rr.Body.String(), "go_goroutines")
}
