// Package notify delivers lifecycle events to the platform's
// notification pipeline. Delivery is fire-and-forget: lifecycle
// handling never blocks on or fails with the sink.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names emitted by the lifecycle engine.
const (
	EventStarted          = "workload.started"
	EventStopped          = "workload.stopped"
	EventSleeping         = "workload.sleeping"
	EventRestartScheduled = "workload.restart_scheduled"
	EventRecovered        = "workload.recovered"
	EventLowTime          = "workload.low_time"
)

// Event is one lifecycle notification addressed to a workload owner.
type Event struct {
	ID         string                 `json:"id"`
	OwnerID    int64                  `json:"owner_id"`
	WorkloadID string                 `json:"workload_id"`
	Name       string                 `json:"name"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(name, workloadID string, ownerID int64, payload map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		WorkloadID: workloadID,
		Name:       name,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
}

// Sink accepts lifecycle events. Implementations must not block the
// caller beyond a publish attempt and must swallow delivery errors.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Notify(ctx context.Context, event Event) {}

var _ Sink = NopSink{}
