package workerrt

import (
	"context"

	"github.com/milvaion/jobscheduler/internal/bus"
)

// Outbox is the durable local write-ahead path the consumer hands every
// status update, heartbeat, and log line to before the bus ever sees them
// (spec.md §4.3). Owned here, consumer-side, per the same Interface
// Segregation Principle as dispatcher.Repository/Publisher — *outbox.Outbox
// satisfies this with its three Enqueue* methods.
type Outbox interface {
	EnqueueStatusUpdate(ctx context.Context, msg bus.StatusUpdateMessage) error
	EnqueueHeartbeat(ctx context.Context, msg bus.HeartbeatMessage) error
	EnqueueLog(ctx context.Context, msg bus.LogMessage) error
}
