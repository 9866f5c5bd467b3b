package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the immunity engine.
type Metrics struct {
	DetectionsTotal        prometheus.Counter
	DetectionsInvalidTotal prometheus.Counter
	DetectionsDedupedTotal prometheus.Counter
	PatchesGeneratedTotal  *prometheus.CounterVec
	DeliveriesTotal        *prometheus.CounterVec
	PropagationsTotal      prometheus.Counter
	PropagationLatency     prometheus.Histogram
	EventPublishErrors     prometheus.Counter
}

// New registers all engine metrics against the given registerer. Tests pass
// a fresh prometheus.NewRegistry so instances never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DetectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "immunity_detections_total",
			Help: "Total number of detection reports accepted",
		}),
		DetectionsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "immunity_detections_invalid_total",
			Help: "Total number of malformed detection reports rejected",
		}),
		DetectionsDedupedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "immunity_detections_deduped_total",
			Help: "Total number of detection reports folded into a prior detection",
		}),
		PatchesGeneratedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "immunity_patches_generated_total",
			Help: "Total number of patches generated, by patch kind",
		}, []string{"kind"}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "immunity_deliveries_total",
			Help: "Total number of per-worker patch deliveries, by result",
		}, []string{"result"}),
		PropagationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "immunity_propagations_total",
			Help: "Total number of fan-out operations",
		}),
		PropagationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "immunity_propagation_latency_seconds",
			Help:    "Wall-clock duration of complete propagations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		EventPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "immunity_event_publish_errors_total",
			Help: "Total number of event bus publish failures",
		}),
	}
}
