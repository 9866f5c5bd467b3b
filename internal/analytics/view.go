package analytics

import (
	"time"

	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/intake"
	"github.com/fleetimmune/fleetimmune/internal/model"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
	"github.com/fleetimmune/fleetimmune/internal/propagate"
)

// Snapshot is a point-in-time, read-only aggregation over the engine.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	FleetTotal    int                        `json:"fleet_total"`
	FleetByStatus map[model.WorkerStatus]int `json:"fleet_by_status"`
	FleetByRegion map[model.Region]int       `json:"fleet_by_region"`

	ActivePatches int `json:"active_patches"`
	StoredPatches int `json:"stored_patches"`

	DetectionsBySeverity map[model.Severity]int `json:"detections_by_severity"`

	Propagations        int     `json:"propagations"`
	AvgDeliveredRatio   float64 `json:"avg_delivered_ratio"`
	LastPropagationP50  float64 `json:"last_propagation_p50_ms"`
	LastPropagationP99  float64 `json:"last_propagation_p99_ms"`
	LastPropagationMax  float64 `json:"last_propagation_max_ms"`
	LastPropagationTime string  `json:"last_propagation_time,omitempty"`
}

// View aggregates registry, store, detection and propagation state for
// observability. All reads are snapshots over immutable or copied data;
// the view never mutates anything.
type View struct {
	registry *fleet.Registry
	store    *patchstore.Store
	gateway  *intake.Gateway
	history  *propagate.History
}

// NewView wires a read-only analytics view.
func NewView(registry *fleet.Registry, store *patchstore.Store, gateway *intake.Gateway, history *propagate.History) *View {
	return &View{registry: registry, store: store, gateway: gateway, history: history}
}

// Snapshot builds the current aggregation.
func (v *View) Snapshot() Snapshot {
	now := time.Now().UTC()

	byStatus := v.registry.CountByStatus()
	total := 0
	for _, count := range byStatus {
		total += count
	}

	snap := Snapshot{
		GeneratedAt:          now,
		FleetTotal:           total,
		FleetByStatus:        byStatus,
		FleetByRegion:        v.registry.CountByRegion(),
		ActivePatches:        len(v.store.ActivePatches(now)),
		StoredPatches:        v.store.Count(),
		DetectionsBySeverity: v.gateway.DetectionCountBySeverity(),
	}

	recent := v.history.Recent(0)
	snap.Propagations = len(recent)
	if len(recent) > 0 {
		var ratioSum float64
		counted := 0
		for _, result := range recent {
			if result.TotalWorkers > 0 {
				ratioSum += float64(result.Delivered) / float64(result.TotalWorkers)
				counted++
			}
		}
		if counted > 0 {
			snap.AvgDeliveredRatio = ratioSum / float64(counted)
		}
		last := recent[0]
		snap.LastPropagationP50 = last.P50LatencyMs
		snap.LastPropagationP99 = last.P99LatencyMs
		snap.LastPropagationMax = last.MaxLatencyMs
		snap.LastPropagationTime = last.CompletedAt.Format(time.RFC3339)
	}
	return snap
}
