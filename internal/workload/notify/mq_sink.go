package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"warden/internal/common/mq"
	"warden/pkg/utils/logger"
)

const defaultEventTopic = "workload-events"

// MQSink publishes events to a Kafka topic. Messages are keyed by
// workload id, so consumers see each workload's events in order.
type MQSink struct {
	queue mq.MessageQueue
	topic string
}

// NewMQSink creates a Kafka-backed sink. An empty topic falls back to
// the default.
func NewMQSink(queue mq.MessageQueue, topic string) *MQSink {
	if topic == "" {
		topic = defaultEventTopic
	}
	return &MQSink{queue: queue, topic: topic}
}

// Notify publishes the event. Failures are logged and dropped.
func (s *MQSink) Notify(ctx context.Context, event Event) {
	if s == nil || s.queue == nil {
		return
	}
	if event.Name == "" || event.WorkloadID == "" {
		logger.Warn(ctx, "dropping malformed lifecycle event",
			zap.String("name", event.Name),
			zap.String("workload_id", event.WorkloadID))
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error(ctx, "encode lifecycle event failed",
			zap.String("name", event.Name),
			zap.String("workload_id", event.WorkloadID),
			zap.Error(err))
		return
	}

	message := mq.NewMessage(payload)
	message.ID = event.WorkloadID
	message.SetHeader("event-name", event.Name)
	message.SetHeader("owner-id", strconv.FormatInt(event.OwnerID, 10))

	if err := s.queue.Publish(ctx, s.topic, message); err != nil {
		logger.Error(ctx, "publish lifecycle event failed",
			zap.String("name", event.Name),
			zap.String("workload_id", event.WorkloadID),
			zap.String("topic", s.topic),
			zap.Error(err))
	}
}

var _ Sink = (*MQSink)(nil)
