package propagate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/metrics"
	"github.com/fleetimmune/fleetimmune/internal/model"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
)

type coordinatorFixture struct {
	registry *fleet.Registry
	store    *patchstore.Store
	history  *History
	coord    *Coordinator
}

func newFixture(t *testing.T, cfg Config, deliver DeliverFunc) *coordinatorFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := fleet.NewRegistry(fleet.Config{
		DegradedThreshold: 0.7,
		HeartbeatTimeout:  time.Minute,
	}, logger, nil)
	store := patchstore.New(time.Hour, logger)
	history := NewHistory(16)
	m := metrics.New(prometheus.NewRegistry())

	return &coordinatorFixture{
		registry: registry,
		store:    store,
		history:  history,
		coord:    NewCoordinator(cfg, registry, store, deliver, history, logger, m, nil),
	}
}

func (f *coordinatorFixture) registerWorkers(t *testing.T, region model.Region, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.registry.Register(id, region)
		require.NoError(t, err)
	}
}

func (f *coordinatorFixture) storePatch(t *testing.T, id string) *model.ImmunityPatch {
	t.Helper()
	now := time.Now().UTC()
	patch := &model.ImmunityPatch{
		ID:          id,
		DetectionID: "det-" + id,
		Kind:        model.PatchHeaderMutation,
		Config:      &model.HeaderMutationConfig{},
		Priority:    model.PriorityNormal,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Version:     1,
	}
	require.NoError(t, f.store.Insert(patch))
	return patch
}

func deliverOK(context.Context, string, *model.ImmunityPatch) error { return nil }

func TestCoordinator_DeliversToAllRegions(t *testing.T) {
	f := newFixture(t, Config{DeliveryTimeout: time.Second}, deliverOK)
	f.registerWorkers(t, "us-east", "ue-1", "ue-2", "ue-3")
	f.registerWorkers(t, "eu-west", "ew-1", "ew-2")
	f.storePatch(t, "patch-1")

	result, err := f.coord.Propagate(context.Background(), "patch-1")
	require.NoError(t, err)

	assert.Equal(t, 5, result.TotalWorkers)
	assert.Equal(t, 5, result.Delivered)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Partial)
	assert.Len(t, result.PerRegion, 2)
	for region, stats := range result.PerRegion {
		assert.True(t, stats.Settled, "region %s", region)
		assert.Equal(t, stats.WorkerCount, stats.Delivered)
	}

	// Successful delivery returns the worker to active with the patch applied.
	record, err := f.registry.Get("ue-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerActive, record.Status)
	assert.Contains(t, record.AppliedPatchIDs, "patch-1")

	// The result is retained and retrievable by id.
	stored, err := f.history.Get(result.PropagationID)
	require.NoError(t, err)
	assert.Equal(t, result, stored)
}

func TestCoordinator_OneFailureDoesNotAffectSiblings(t *testing.T) {
	deliver := func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
		if workerID == "w-2" {
			return errors.New("connection reset")
		}
		return nil
	}
	f := newFixture(t, Config{DeliveryTimeout: time.Second}, deliver)
	f.registerWorkers(t, "us-east", "w-1", "w-2", "w-3")
	f.storePatch(t, "patch-1")

	result, err := f.coord.Propagate(context.Background(), "patch-1")
	require.NoError(t, err, "worker failures are a reportable outcome, not an error")

	assert.Equal(t, 3, result.TotalWorkers)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)

	failed, _ := f.registry.Get("w-2")
	assert.Equal(t, model.WorkerDegraded, failed.Status)
	assert.Empty(t, failed.AppliedPatchIDs)

	for _, id := range []string{"w-1", "w-3"} {
		record, _ := f.registry.Get(id)
		assert.Equal(t, model.WorkerActive, record.Status)
		assert.Contains(t, record.AppliedPatchIDs, "patch-1")
	}
}

func TestCoordinator_StructuralErrors(t *testing.T) {
	f := newFixture(t, Config{}, deliverOK)

	// Unknown patch.
	f.registerWorkers(t, "us-east", "w-1")
	_, err := f.coord.Propagate(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrPropagationInput)

	// No workers anywhere.
	empty := newFixture(t, Config{}, deliverOK)
	empty.storePatch(t, "patch-1")
	_, err = empty.coord.Propagate(context.Background(), "patch-1")
	assert.ErrorIs(t, err, model.ErrPropagationInput)

	// Workers exist but not in the targeted region.
	f.storePatch(t, "patch-2")
	_, err = f.coord.Propagate(context.Background(), "patch-2", "antarctica")
	assert.ErrorIs(t, err, model.ErrPropagationInput)
}

func TestCoordinator_TargetedRegions(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	deliver := func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
		mu.Lock()
		seen[workerID] = true
		mu.Unlock()
		return nil
	}
	f := newFixture(t, Config{}, deliver)
	f.registerWorkers(t, "us-east", "ue-1")
	f.registerWorkers(t, "eu-west", "ew-1")
	f.storePatch(t, "patch-1")

	result, err := f.coord.Propagate(context.Background(), "patch-1", "eu-west")
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalWorkers)
	assert.True(t, seen["ew-1"])
	assert.False(t, seen["ue-1"])

	untouched, _ := f.registry.Get("ue-1")
	assert.Empty(t, untouched.AppliedPatchIDs)
}

func TestCoordinator_PerRegionLatencyIsIndependent(t *testing.T) {
	deliver := func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
		if strings.HasPrefix(workerID, "slow-") {
			time.Sleep(60 * time.Millisecond)
		} else {
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	}
	f := newFixture(t, Config{DeliveryTimeout: time.Second}, deliver)
	f.registerWorkers(t, "fast-region", "fast-1", "fast-2")
	f.registerWorkers(t, "slow-region", "slow-1", "slow-2")
	f.storePatch(t, "patch-1")

	result, err := f.coord.Propagate(context.Background(), "patch-1")
	require.NoError(t, err)

	fast := result.PerRegion["fast-region"]
	slow := result.PerRegion["slow-region"]
	require.NotNil(t, fast)
	require.NotNil(t, slow)

	assert.Less(t, fast.LatencyMs, slow.LatencyMs,
		"a slow region must not inflate a fast region's latency")
	assert.GreaterOrEqual(t, slow.LatencyMs, 60.0)
	assert.Less(t, fast.LatencyMs, 60.0)
	assert.GreaterOrEqual(t, result.MaxLatencyMs, slow.LatencyMs*0.99)
}

func TestCoordinator_CeilingProducesPartialResult(t *testing.T) {
	deliver := func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
		if workerID == "stuck-1" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	f := newFixture(t, Config{Ceiling: 50 * time.Millisecond}, deliver)
	f.registerWorkers(t, "us-east", "w-1", "w-2", "stuck-1")
	f.storePatch(t, "patch-1")

	result, err := f.coord.Propagate(context.Background(), "patch-1")
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Equal(t, 3, result.TotalWorkers)
	assert.Equal(t, result.TotalWorkers, result.Delivered+result.Failed,
		"unsettled workers count as failed in a partial result")
	assert.Equal(t, 2, result.Delivered)
}

func TestCoordinator_StrategyLabels(t *testing.T) {
	assert.Equal(t, "immediate-global", strategyFor(model.PriorityEmergency))
	assert.Equal(t, "urgent-global", strategyFor(model.PriorityUrgent))
	assert.Equal(t, "standard-global", strategyFor(model.PriorityNormal))
}

func TestPercentiles(t *testing.T) {
	p50, p99, max := percentiles(nil)
	assert.Zero(t, p50)
	assert.Zero(t, p99)
	assert.Zero(t, max)

	// A single sample collapses all three.
	p50, p99, max = percentiles([]float64{42})
	assert.Equal(t, 42.0, p50)
	assert.Equal(t, 42.0, p99)
	assert.Equal(t, 42.0, max)

	samples := make([]float64, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, float64(i))
	}
	p50, p99, max = percentiles(samples)
	assert.Equal(t, 51.0, p50)
	assert.Equal(t, 100.0, p99)
	assert.Equal(t, 100.0, max)
}

func TestHistory_BoundedEviction(t *testing.T) {
	h := NewHistory(2)

	for i := 1; i <= 3; i++ {
		h.Add(&model.PropagationResult{PropagationID: fmt.Sprintf("prop-%d", i)})
	}

	assert.Equal(t, 2, h.Len())
	_, err := h.Get("prop-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.Get("prop-3")
	assert.NoError(t, err)

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "prop-3", recent[0].PropagationID, "most recent first")
	assert.Equal(t, "prop-2", recent[1].PropagationID)

	limited := h.Recent(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "prop-3", limited[0].PropagationID)
}
