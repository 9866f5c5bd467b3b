package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetimmune/fleetimmune/internal/events"
	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/metrics"
	"github.com/fleetimmune/fleetimmune/internal/model"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
)

// DeliverFunc is the injected transport operation that pushes one patch to
// one worker. The engine is transport-agnostic; any error (including a
// deadline) counts as a delivery failure for that worker only.
type DeliverFunc func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error

// Config carries the coordinator's tunables.
type Config struct {
	// DeliveryTimeout bounds each per-worker delivery attempt.
	DeliveryTimeout time.Duration
	// Ceiling bounds the whole propagation. Zero means no ceiling beyond
	// the caller's context.
	Ceiling time.Duration
}

// Coordinator fans a patch out to all (or targeted) regions concurrently
// and aggregates latency and success statistics. Fan-out is
// independently-failing: one worker's failure never aborts or delays any
// other worker's delivery.
type Coordinator struct {
	cfg      Config
	registry *fleet.Registry
	store    *patchstore.Store
	deliver  DeliverFunc
	history  *History
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   events.Publisher
}

// NewCoordinator wires a coordinator. deliver is the external transport
// boundary and must be non-nil.
func NewCoordinator(cfg Config, registry *fleet.Registry, store *patchstore.Store, deliver DeliverFunc,
	history *History, logger *slog.Logger, m *metrics.Metrics, publisher events.Publisher) *Coordinator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		store:    store,
		deliver:  deliver,
		history:  history,
		logger:   logger,
		metrics:  m,
		events:   publisher,
	}
}

// regionProgress accumulates one region's delivery outcomes. Counts stay
// readable mid-flight so a ceiling timeout can report partial results.
type regionProgress struct {
	mu        sync.Mutex
	delivered int
	failed    int
	latencyMs float64
	settled   bool
}

func (rp *regionProgress) record(success bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if success {
		rp.delivered++
	} else {
		rp.failed++
	}
}

func (rp *regionProgress) settle(latency time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.latencyMs = float64(latency.Microseconds()) / 1000.0
	rp.settled = true
}

func (rp *regionProgress) snapshot() (delivered, failed int, latencyMs float64, settled bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.delivered, rp.failed, rp.latencyMs, rp.settled
}

// Propagate delivers the patch to every worker in the target regions (all
// registered regions when none are given). The call fails only on
// structural errors: unknown patch, or no workers in any target region.
// Partial worker failures are a normal, reportable outcome.
func (c *Coordinator) Propagate(ctx context.Context, patchID string, targetRegions ...model.Region) (*model.PropagationResult, error) {
	patch, err := c.store.Get(patchID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", model.ErrPropagationInput, err)
		}
		return nil, err
	}

	regions := targetRegions
	if len(regions) == 0 {
		regions = c.registry.Regions()
	}

	snapshots := make(map[model.Region][]model.WorkerRecord, len(regions))
	totalWorkers := 0
	for _, region := range regions {
		workers := c.registry.ListByRegion(region)
		snapshots[region] = workers
		totalWorkers += len(workers)
	}
	if totalWorkers == 0 {
		return nil, fmt.Errorf("%w: no registered workers in target regions", model.ErrPropagationInput)
	}

	if c.cfg.Ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Ceiling)
		defer cancel()
	}

	propagationID := uuid.NewString()
	startedAt := time.Now().UTC()
	c.logger.Info("Propagation started",
		"propagation_id", propagationID,
		"patch_id", patchID,
		"priority", patch.Priority,
		"regions", len(regions),
		"total_workers", totalWorkers)

	progress := make(map[model.Region]*regionProgress, len(regions))
	for _, region := range regions {
		progress[region] = &regionProgress{}
	}

	// All regions fan out concurrently regardless of priority; the
	// strategy label is carried on the result for observability only.
	var regionWG sync.WaitGroup
	for _, region := range regions {
		workers := snapshots[region]
		rp := progress[region]
		regionWG.Add(1)
		go func(region model.Region) {
			defer regionWG.Done()
			c.fanOutRegion(ctx, patch, workers, rp)
		}(region)
	}

	allSettled := make(chan struct{})
	go func() {
		regionWG.Wait()
		close(allSettled)
	}()

	partial := false
	select {
	case <-allSettled:
	case <-ctx.Done():
		partial = true
		c.logger.Warn("Propagation ceiling reached, returning partial result",
			"propagation_id", propagationID, "patch_id", patchID)
	}

	result := c.buildResult(propagationID, patch, startedAt, snapshots, progress, partial)
	c.history.Add(result)
	c.metrics.PropagationsTotal.Inc()
	c.metrics.PropagationLatency.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())
	c.events.PropagationCompleted(result)

	c.logger.Info("Propagation completed",
		"propagation_id", propagationID,
		"patch_id", patchID,
		"delivered", result.Delivered,
		"failed", result.Failed,
		"p50_ms", result.P50LatencyMs,
		"p99_ms", result.P99LatencyMs,
		"max_ms", result.MaxLatencyMs,
		"partial", partial)
	return result, nil
}

// fanOutRegion dispatches all of one region's deliveries concurrently and
// settles the region's join barrier once every attempt has finished.
// Latency is measured from dispatch of the region's batch to the last
// settle, so a slow region never inflates another region's number.
func (c *Coordinator) fanOutRegion(ctx context.Context, patch *model.ImmunityPatch, workers []model.WorkerRecord, rp *regionProgress) {
	dispatchedAt := time.Now()

	var workerWG sync.WaitGroup
	for _, worker := range workers {
		workerWG.Add(1)
		go func(workerID string) {
			defer workerWG.Done()
			rp.record(c.deliverToWorker(ctx, patch, workerID))
		}(worker.WorkerID)
	}
	workerWG.Wait()

	rp.settle(time.Since(dispatchedAt))
}

// deliverToWorker is one independent unit of work: transition the worker
// into patching, run the injected delivery, settle the worker state.
// Nothing here can abort a sibling delivery.
func (c *Coordinator) deliverToWorker(ctx context.Context, patch *model.ImmunityPatch, workerID string) bool {
	if err := c.registry.BeginDelivery(workerID); err != nil {
		c.logger.Debug("Worker cannot receive patch", "worker_id", workerID, "error", err)
		c.metrics.DeliveriesTotal.WithLabelValues("rejected").Inc()
		return false
	}

	deliverCtx := ctx
	if c.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
		defer cancel()
	}

	err := c.deliver(deliverCtx, workerID, patch)
	success := err == nil
	if finishErr := c.registry.FinishDelivery(workerID, patch.ID, success); finishErr != nil {
		c.logger.Warn("Failed to settle worker after delivery",
			"worker_id", workerID, "success", success, "error", finishErr)
	}

	if success {
		c.metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	} else {
		c.logger.Debug("Patch delivery failed", "worker_id", workerID, "patch_id", patch.ID, "error", err)
		c.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	}
	return success
}

func (c *Coordinator) buildResult(propagationID string, patch *model.ImmunityPatch, startedAt time.Time,
	snapshots map[model.Region][]model.WorkerRecord, progress map[model.Region]*regionProgress, partial bool) *model.PropagationResult {

	result := &model.PropagationResult{
		PropagationID: propagationID,
		PatchID:       patch.ID,
		Strategy:      strategyFor(patch.Priority),
		StartedAt:     startedAt,
		CompletedAt:   time.Now().UTC(),
		PerRegion:     make(map[model.Region]*model.RegionStats, len(progress)),
		Partial:       partial,
	}

	var samples []float64
	for region, rp := range progress {
		delivered, failed, latencyMs, settled := rp.snapshot()
		result.PerRegion[region] = &model.RegionStats{
			WorkerCount: len(snapshots[region]),
			Delivered:   delivered,
			Failed:      failed,
			LatencyMs:   latencyMs,
			Settled:     settled,
		}
		result.TotalWorkers += len(snapshots[region])
		result.Delivered += delivered
		result.Failed += failed
		if settled {
			samples = append(samples, latencyMs)
		}
	}
	if partial {
		// Unsettled workers are neither delivered nor failed; fold them
		// into the failure count so delivered+failed==totalWorkers holds.
		result.Failed += result.TotalWorkers - result.Delivered - result.Failed
	}

	result.P50LatencyMs, result.P99LatencyMs, result.MaxLatencyMs = percentiles(samples)
	return result
}

// percentiles computes p50/p99/max over one latency sample per region.
// With fewer than two samples all three collapse to the single sample.
func percentiles(samples []float64) (p50, p99, max float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(samples)
	n := len(samples)
	p50 = samples[n/2]
	p99 = samples[n*99/100]
	max = samples[n-1]
	return p50, p99, max
}

func strategyFor(priority model.PatchPriority) string {
	// Every priority currently uses full concurrency; the label is kept
	// for result consumers and future staged rollouts.
	switch priority {
	case model.PriorityEmergency:
		return "immediate-global"
	case model.PriorityUrgent:
		return "urgent-global"
	default:
		return "standard-global"
	}
}
