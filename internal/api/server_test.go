package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetimmune/fleetimmune/internal/analytics"
	"github.com/fleetimmune/fleetimmune/internal/catalog"
	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/intake"
	"github.com/fleetimmune/fleetimmune/internal/metrics"
	"github.com/fleetimmune/fleetimmune/internal/model"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
	"github.com/fleetimmune/fleetimmune/internal/propagate"
	"github.com/fleetimmune/fleetimmune/internal/synth"
)

func newTestServer(t *testing.T) (*Server, *fleet.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())

	registry := fleet.NewRegistry(fleet.Config{
		DegradedThreshold: 0.7,
		HeartbeatTimeout:  time.Minute,
	}, logger, nil)
	cat := catalog.New(logger)
	store := patchstore.New(time.Hour, logger)
	synthesizer := synth.New(synth.Config{PatchTTL: time.Hour, Seed: 3}, logger)
	history := propagate.NewHistory(16)
	deliver := func(context.Context, string, *model.ImmunityPatch) error { return nil }
	coordinator := propagate.NewCoordinator(propagate.Config{DeliveryTimeout: time.Second},
		registry, store, deliver, history, logger, m, nil)
	gateway := intake.NewGateway(intake.Config{MaxDetectionHistory: 10},
		registry, cat, synthesizer, store, coordinator, logger, m, nil)
	schema, err := intake.NewSchemaValidator()
	require.NoError(t, err)
	view := analytics.NewView(registry, store, gateway, history)

	return NewServer(gateway, registry, store, view, history, schema, logger), registry
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServer_WorkerLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/workers", map[string]string{
		"worker_id": "worker-1", "region": "us-east",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var record model.WorkerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, model.WorkerActive, record.Status)

	rec = doJSON(t, h, http.MethodGet, "/workers/worker-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/workers?region=us-east", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var workers []model.WorkerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	assert.Len(t, workers, 1)

	// Listing without a region is a client error.
	rec = doJSON(t, h, http.MethodGet, "/workers", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A failing heartbeat degrades the worker in the response.
	rec = doJSON(t, h, http.MethodPost, "/workers/worker-1/heartbeat", map[string]float64{
		"health_score": 0.4,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, model.WorkerDegraded, record.Status)

	rec = doJSON(t, h, http.MethodDelete, "/workers/worker-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/workers/worker-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PostDetection(t *testing.T) {
	s, registry := newTestServer(t)
	h := s.Handler()
	_, err := registry.Register("worker-1", "us-east")
	require.NoError(t, err)

	body := map[string]any{
		"source":    "waf_block",
		"region":    "us-east",
		"worker_id": "worker-1",
		"severity":  "high",
		"evidence":  map[string]any{"fingerprint": "ja3-abc"},
	}
	rec := doJSON(t, h, http.MethodPost, "/detections", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result intake.IntakeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Patch)
	assert.Equal(t, model.PatchFingerprintRotation, result.Patch.Kind)
	assert.NotEmpty(t, result.PropagationID)

	// The stored artifacts are retrievable through the read API.
	rec = doJSON(t, h, http.MethodGet, "/patches/"+result.Patch.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/patches/active", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/propagations/"+result.PropagationID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/detections/recent?limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_PostDetectionAsync(t *testing.T) {
	s, registry := newTestServer(t)
	_, err := registry.Register("worker-1", "us-east")
	require.NoError(t, err)

	body := map[string]any{
		"source":    "rate_limit",
		"region":    "us-east",
		"worker_id": "worker-1",
		"severity":  "low",
		"evidence":  map[string]any{"triggers": []string{"429 burst"}},
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/detections?async=true", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_PostDetectionRejectsBadPayloads(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/detections", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Schema rejection happens before the gateway sees the report.
	rec = doJSON(t, h, http.MethodPost, "/detections", map[string]any{
		"source": "waf_block",
		"region": "us-east",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/detections", map[string]any{
		"source":    "crystal_ball",
		"region":    "us-east",
		"worker_id": "worker-1",
		"severity":  "high",
		"evidence":  map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Analytics(t *testing.T) {
	s, registry := newTestServer(t)
	for i := 0; i < 3; i++ {
		_, err := registry.Register(fmt.Sprintf("worker-%d", i), "us-east")
		require.NoError(t, err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap analytics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.FleetTotal)
	assert.Equal(t, 3, snap.FleetByRegion["us-east"])
}

func TestServer_NotFoundResponses(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for _, path := range []string{"/patches/ghost", "/propagations/ghost", "/workers/ghost"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
