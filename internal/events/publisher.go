package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetimmune/fleetimmune/internal/metrics"
	"github.com/fleetimmune/fleetimmune/internal/model"
)

// Subjects for engine events. One subject per event type so consumers can
// subscribe narrowly.
const (
	SubjectWorkerState          = "immunity.worker.state"
	SubjectPatchCreated         = "immunity.patch.created"
	SubjectPropagationCompleted = "immunity.propagation.completed"
)

// Publisher is the typed event contract of the engine. Publishing is
// best-effort: implementations log and count failures, never return them.
type Publisher interface {
	WorkerStateChanged(workerID string, from, to model.WorkerStatus, reason string)
	PatchCreated(patch *model.ImmunityPatch)
	PropagationCompleted(result *model.PropagationResult)
}

// WorkerStateEvent is the wire shape of a worker state transition.
type WorkerStateEvent struct {
	WorkerID  string             `json:"worker_id"`
	From      model.WorkerStatus `json:"from"`
	To        model.WorkerStatus `json:"to"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NATSPublisher publishes engine events as JSON over NATS.
type NATSPublisher struct {
	nc      *nats.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNATSPublisher creates a publisher bound to an established connection.
func NewNATSPublisher(nc *nats.Conn, logger *slog.Logger, m *metrics.Metrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, logger: logger, metrics: m}
}

func (p *NATSPublisher) WorkerStateChanged(workerID string, from, to model.WorkerStatus, reason string) {
	p.publish(SubjectWorkerState, WorkerStateEvent{
		WorkerID:  workerID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (p *NATSPublisher) PatchCreated(patch *model.ImmunityPatch) {
	p.publish(SubjectPatchCreated, patch)
}

func (p *NATSPublisher) PropagationCompleted(result *model.PropagationResult) {
	p.publish(SubjectPropagationCompleted, result)
}

func (p *NATSPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event", "subject", subject, "error", err)
		p.metrics.EventPublishErrors.Inc()
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event", "subject", subject, "error", err)
		p.metrics.EventPublishErrors.Inc()
	}
}

// NopPublisher discards all events. Used when NATS is not configured and in
// tests that do not assert on events.
type NopPublisher struct{}

func (NopPublisher) WorkerStateChanged(string, model.WorkerStatus, model.WorkerStatus, string) {}
func (NopPublisher) PatchCreated(*model.ImmunityPatch)                                        {}
func (NopPublisher) PropagationCompleted(*model.PropagationResult)                            {}
