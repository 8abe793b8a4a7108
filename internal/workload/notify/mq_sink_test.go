package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"warden/internal/common/mq"
	"warden/internal/workload/notify"
)

// recordingQueue captures published messages.
type recordingQueue struct {
	topics     []string
	messages   []*mq.Message
	publishErr error
}

func (q *recordingQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.topics = append(q.topics, topic)
	q.messages = append(q.messages, message)
	return nil
}

func (q *recordingQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := q.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (q *recordingQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return errors.New("not implemented")
}

func (q *recordingQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return errors.New("not implemented")
}

func (q *recordingQueue) Start() error                   { return nil }
func (q *recordingQueue) Stop() error                    { return nil }
func (q *recordingQueue) Ping(ctx context.Context) error { return nil }
func (q *recordingQueue) Close() error                   { return nil }

func TestMQSinkPublishesEvent(t *testing.T) {
	queue := &recordingQueue{}
	sink := notify.NewMQSink(queue, "")

	event := notify.NewEvent(notify.EventSleeping, "wl-1", 42, map[string]interface{}{
		"reason": "depleted",
	})
	sink.Notify(context.Background(), event)

	if len(queue.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(queue.messages))
	}
	if queue.topics[0] != "workload-events" {
		t.Fatalf("topic = %q, want workload-events", queue.topics[0])
	}

	msg := queue.messages[0]
	if msg.ID != "wl-1" {
		t.Fatalf("message id = %q, want wl-1 for per-workload ordering", msg.ID)
	}
	if got, _ := msg.GetHeader("event-name"); got != notify.EventSleeping {
		t.Fatalf("event-name header = %q, want %q", got, notify.EventSleeping)
	}
	if got, _ := msg.GetHeader("owner-id"); got != "42" {
		t.Fatalf("owner-id header = %q, want 42", got)
	}

	var decoded notify.Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode event body: %v", err)
	}
	if decoded.Name != notify.EventSleeping || decoded.WorkloadID != "wl-1" || decoded.OwnerID != 42 {
		t.Fatalf("decoded event = %+v", decoded)
	}
	if decoded.Payload["reason"] != "depleted" {
		t.Fatalf("payload reason = %v, want depleted", decoded.Payload["reason"])
	}
	if decoded.ID == "" || decoded.OccurredAt.IsZero() {
		t.Fatal("event id and timestamp must be populated")
	}
}

func TestMQSinkDropsMalformedEvent(t *testing.T) {
	queue := &recordingQueue{}
	sink := notify.NewMQSink(queue, "events")

	sink.Notify(context.Background(), notify.Event{OwnerID: 42})

	if len(queue.messages) != 0 {
		t.Fatalf("published %d messages, want 0 for nameless event", len(queue.messages))
	}
}

func TestMQSinkSwallowsPublishErrors(t *testing.T) {
	queue := &recordingQueue{publishErr: errors.New("broker down")}
	sink := notify.NewMQSink(queue, "events")

	// Must not panic or propagate.
	sink.Notify(context.Background(), notify.Event{
		Name:       notify.EventStarted,
		WorkloadID: "wl-1",
		OwnerID:    7,
		OccurredAt: time.Now(),
	})
}
