package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/fleetimmune/fleetimmune/internal/catalog"
	"github.com/fleetimmune/fleetimmune/internal/events"
	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/metrics"
	"github.com/fleetimmune/fleetimmune/internal/model"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
	"github.com/fleetimmune/fleetimmune/internal/propagate"
	"github.com/fleetimmune/fleetimmune/internal/synth"
)

// dedupeCacheSize bounds the dedupe LRU. Entries also age out via the
// cooldown check, so the cache only needs to cover the hot set.
const dedupeCacheSize = 4096

// RawDetection is the unauthenticated wire shape of a detection report.
type RawDetection struct {
	Source            string         `json:"source"`
	Region            string         `json:"region"`
	WorkerID          string         `json:"worker_id"`
	Severity          string         `json:"severity"`
	Evidence          model.Evidence `json:"evidence"`
	ObservedLatencyMs float64        `json:"observed_latency_ms"`
}

// IntakeResult is what a caller of ReportDetection receives. The
// propagation result itself is retrievable separately by its id.
type IntakeResult struct {
	Detection     *model.DetectionReport `json:"detection"`
	Patch         *model.ImmunityPatch   `json:"patch"`
	PropagationID string                 `json:"propagation_id,omitempty"`
	Deduped       bool                   `json:"deduped,omitempty"`
}

// dedupeEntry remembers the last synthesis for a (worker, fingerprint) key.
type dedupeEntry struct {
	result *IntakeResult
	at     time.Time
}

// Config carries the gateway's tunables.
type Config struct {
	DedupeCooldown      time.Duration
	MaxDetectionHistory int
}

// Gateway validates and classifies incoming detection reports and drives
// signature lookup, patch synthesis and propagation. It is the engine's
// sole write entry point.
type Gateway struct {
	cfg         Config
	registry    *fleet.Registry
	catalog     *catalog.Catalog
	synthesizer *synth.Synthesizer
	store       *patchstore.Store
	coordinator *propagate.Coordinator
	history     *DetectionHistory
	dedupe      *lru.Cache[string, dedupeEntry]
	logger      *slog.Logger
	metrics     *metrics.Metrics
	events      events.Publisher
}

// NewGateway wires an intake gateway.
func NewGateway(cfg Config, registry *fleet.Registry, cat *catalog.Catalog, synthesizer *synth.Synthesizer,
	store *patchstore.Store, coordinator *propagate.Coordinator, logger *slog.Logger,
	m *metrics.Metrics, publisher events.Publisher) *Gateway {

	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	dedupe, _ := lru.New[string, dedupeEntry](dedupeCacheSize)
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		catalog:     cat,
		synthesizer: synthesizer,
		store:       store,
		coordinator: coordinator,
		history:     NewDetectionHistory(cfg.MaxDetectionHistory),
		dedupe:      dedupe,
		logger:      logger,
		metrics:     m,
		events:      publisher,
	}
}

// ReportDetection ingests a raw report, synthesizes a patch and propagates
// it synchronously so the caller can retrieve delivery statistics.
// Validation failures happen before any side effect.
func (g *Gateway) ReportDetection(ctx context.Context, raw RawDetection) (*IntakeResult, error) {
	return g.report(ctx, raw, false)
}

// ReportDetectionAsync ingests a raw report and returns as soon as the
// patch is stored; propagation runs in the background. Patch insertion
// happens before propagation starts, so the ordering invariant holds.
func (g *Gateway) ReportDetectionAsync(ctx context.Context, raw RawDetection) (*IntakeResult, error) {
	return g.report(ctx, raw, true)
}

func (g *Gateway) report(ctx context.Context, raw RawDetection, async bool) (*IntakeResult, error) {
	detection, err := g.validate(raw)
	if err != nil {
		g.metrics.DetectionsInvalidTotal.Inc()
		return nil, err
	}

	if prior, ok := g.checkDedupe(detection); ok {
		g.metrics.DetectionsDedupedTotal.Inc()
		g.logger.Debug("Detection folded into prior report",
			"worker_id", detection.ReportingWorkerID, "fingerprint", detection.Evidence.Fingerprint)
		return prior, nil
	}

	g.metrics.DetectionsTotal.Inc()
	g.history.Add(detection)
	if err := g.registry.RecordDetection(detection.ReportingWorkerID); err != nil {
		// Reports from workers that registered elsewhere are still useful.
		g.logger.Warn("Reporting worker not in registry", "worker_id", detection.ReportingWorkerID)
	}

	var sig *model.Signature
	if matched, ok := g.catalog.Match(detection.Source, detection.Evidence); ok {
		sig = &matched
		if err := g.catalog.RecordUse(matched.ID); err != nil {
			g.logger.Warn("Failed to record signature use", "signature_id", matched.ID, "error", err)
		}
	}

	patch := g.synthesizer.Synthesize(detection, sig)
	if err := g.store.Insert(patch); err != nil {
		return nil, fmt.Errorf("store patch: %w", err)
	}
	g.metrics.PatchesGeneratedTotal.WithLabelValues(string(patch.Kind)).Inc()
	g.events.PatchCreated(patch)

	result := &IntakeResult{Detection: detection, Patch: patch}
	if async {
		go g.propagate(context.WithoutCancel(ctx), patch, sig, nil)
	} else {
		g.propagate(ctx, patch, sig, result)
	}

	g.storeDedupe(detection, result)
	return result, nil
}

// propagate runs the fan-out and folds its outcome back into the matched
// signature's success rate. Propagation errors are structural (no workers)
// and reported via logs; the intake result remains valid either way.
func (g *Gateway) propagate(ctx context.Context, patch *model.ImmunityPatch, sig *model.Signature, result *IntakeResult) {
	propResult, err := g.coordinator.Propagate(ctx, patch.ID)
	if err != nil {
		if errors.Is(err, model.ErrPropagationInput) {
			g.logger.Warn("Propagation skipped", "patch_id", patch.ID, "error", err)
			return
		}
		g.logger.Error("Propagation failed", "patch_id", patch.ID, "error", err)
		return
	}
	if result != nil {
		result.PropagationID = propResult.PropagationID
	}
	if sig != nil {
		success := propResult.Delivered > 0 && propResult.Failed == 0
		if err := g.catalog.RecordOutcome(sig.ID, success); err != nil {
			g.logger.Warn("Failed to record signature outcome", "signature_id", sig.ID, "error", err)
		}
	}
}

// validate builds an immutable DetectionReport from the raw wire shape.
func (g *Gateway) validate(raw RawDetection) (*model.DetectionReport, error) {
	source := model.DetectionSource(raw.Source)
	if raw.Source == "" {
		return nil, &model.ValidationError{Field: "source", Message: "source is required"}
	}
	if !source.Valid() {
		return nil, &model.ValidationError{Field: "source", Message: fmt.Sprintf("unknown source tag %q", raw.Source)}
	}
	if raw.Region == "" {
		return nil, &model.ValidationError{Field: "region", Message: "region is required"}
	}
	if raw.WorkerID == "" {
		return nil, &model.ValidationError{Field: "worker_id", Message: "worker id is required"}
	}
	severity := model.Severity(raw.Severity)
	if raw.Severity == "" {
		return nil, &model.ValidationError{Field: "severity", Message: "severity is required"}
	}
	if !severity.Valid() {
		return nil, &model.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", raw.Severity)}
	}
	if raw.Evidence.Fingerprint == "" && len(raw.Evidence.Triggers) == 0 &&
		!raw.Evidence.TimingAnomaly && raw.Evidence.ChallengeType == "" {
		return nil, &model.ValidationError{Field: "evidence", Message: "evidence must carry at least one observation"}
	}

	return &model.DetectionReport{
		ID:                uuid.NewString(),
		Source:            source,
		Region:            model.Region(raw.Region),
		ReportingWorkerID: raw.WorkerID,
		Severity:          severity,
		Evidence:          raw.Evidence,
		DetectedAt:        time.Now().UTC(),
		ObservedLatencyMs: raw.ObservedLatencyMs,
	}, nil
}

func dedupeKey(d *model.DetectionReport) string {
	return d.ReportingWorkerID + "|" + d.Evidence.Fingerprint
}

func (g *Gateway) checkDedupe(d *model.DetectionReport) (*IntakeResult, bool) {
	if g.cfg.DedupeCooldown <= 0 || d.Evidence.Fingerprint == "" {
		return nil, false
	}
	entry, ok := g.dedupe.Get(dedupeKey(d))
	if !ok || time.Since(entry.at) > g.cfg.DedupeCooldown {
		return nil, false
	}
	dup := *entry.result
	dup.Deduped = true
	return &dup, true
}

func (g *Gateway) storeDedupe(d *model.DetectionReport, result *IntakeResult) {
	if g.cfg.DedupeCooldown <= 0 || d.Evidence.Fingerprint == "" {
		return
	}
	g.dedupe.Add(dedupeKey(d), dedupeEntry{result: result, at: time.Now()})
}

// RecentDetections returns up to limit reports, most recent first.
func (g *Gateway) RecentDetections(limit int) []*model.DetectionReport {
	return g.history.Recent(limit)
}

// DetectionCountBySeverity aggregates the retained detection history.
func (g *Gateway) DetectionCountBySeverity() map[model.Severity]int {
	return g.history.CountBySeverity()
}
