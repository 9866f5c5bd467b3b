package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// SubjectPrefix is the per-worker delivery subject root. Workers subscribe
// to SubjectPrefix + "." + workerID and reply with a deliveryReply.
const SubjectPrefix = "immunity.deliver"

type deliveryReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSDeliverer pushes patches to workers over NATS request/reply with a
// zstd-compressed JSON payload.
type NATSDeliverer struct {
	nc      *nats.Conn
	encoder *zstd.Encoder
	logger  *slog.Logger
}

// NewNATSDeliverer creates a deliverer bound to an established connection.
func NewNATSDeliverer(nc *nats.Conn, logger *slog.Logger) (*NATSDeliverer, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &NATSDeliverer{nc: nc, encoder: encoder, logger: logger}, nil
}

// Deliver sends the patch to one worker and waits for its acknowledgement.
// The context deadline set by the coordinator bounds the round trip.
func (d *NATSDeliverer) Deliver(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch %s: %w", patch.ID, err)
	}
	payload := d.encoder.EncodeAll(data, nil)

	subject := SubjectPrefix + "." + workerID
	msg, err := d.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", workerID, err)
	}

	var reply deliveryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", workerID, err)
	}
	if !reply.OK {
		return fmt.Errorf("worker %s rejected patch: %s", workerID, reply.Error)
	}
	return nil
}

// Loopback returns a deliverer that acknowledges every patch locally.
// Used in dev mode when no NATS transport is configured.
func Loopback(logger *slog.Logger) func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
	return func(ctx context.Context, workerID string, patch *model.ImmunityPatch) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		logger.Debug("Loopback delivery", "worker_id", workerID, "patch_id", patch.ID)
		return nil
	}
}
