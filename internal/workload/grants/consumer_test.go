package grants_test

import (
	"context"
	"testing"

	"warden/internal/common/mq"
	"warden/internal/workload/grants"
	"warden/internal/workload/model"
	appErr "warden/pkg/errors"
)

type adjustment struct {
	workloadID   string
	deltaSeconds int64
	deltaPower   float64
	reason       string
}

type fakeAdjuster struct {
	applied []adjustment
	err     error
}

func (f *fakeAdjuster) AdjustLedger(ctx context.Context, id string, deltaSeconds int64, deltaPower float64, reason string) (*model.Workload, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, adjustment{id, deltaSeconds, deltaPower, reason})
	return &model.Workload{ID: id, RemainingSeconds: 90000, PowerRemaining: 35}, nil
}

type subscription struct {
	topic string
	opts  *mq.SubscribeOptions
}

type fakeQueue struct {
	subscriptions []subscription
	started       bool
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	return nil
}

func (f *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	f.subscriptions = append(f.subscriptions, subscription{topic: topic, opts: opts})
	return nil
}

func (f *fakeQueue) Start() error { f.started = true; return nil }

func (f *fakeQueue) Stop() error { return nil }

func (f *fakeQueue) Ping(ctx context.Context) error { return nil }

func (f *fakeQueue) Close() error { return nil }

func newConsumer(t *testing.T, queue mq.MessageQueue, adjuster grants.Adjuster) *grants.Consumer {
	t.Helper()
	c, err := grants.NewConsumer(grants.Config{Queue: queue, Engine: adjuster})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return c
}

func TestHandleMessageAppliesGrant(t *testing.T) {
	adjuster := &fakeAdjuster{}
	c := newConsumer(t, &fakeQueue{}, adjuster)

	body := `{"workloadId":"w-1","deltaSeconds":3600,"deltaPower":5.5,"reason":"plan upgrade"}`
	if err := c.HandleMessage(context.Background(), mq.NewMessage([]byte(body))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(adjuster.applied) != 1 {
		t.Fatalf("applied = %v", adjuster.applied)
	}
	got := adjuster.applied[0]
	want := adjustment{workloadID: "w-1", deltaSeconds: 3600, deltaPower: 5.5, reason: "plan upgrade"}
	if got != want {
		t.Fatalf("adjustment = %+v, want %+v", got, want)
	}
}

func TestHandleMessageDefaultsReason(t *testing.T) {
	adjuster := &fakeAdjuster{}
	c := newConsumer(t, &fakeQueue{}, adjuster)

	body := `{"workloadId":"w-1","deltaSeconds":600}`
	if err := c.HandleMessage(context.Background(), mq.NewMessage([]byte(body))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(adjuster.applied) != 1 || adjuster.applied[0].reason != "external grant" {
		t.Fatalf("applied = %v", adjuster.applied)
	}
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	adjuster := &fakeAdjuster{}
	c := newConsumer(t, &fakeQueue{}, adjuster)

	for _, body := range []string{`{not json`, `{"deltaSeconds":600}`, `{"workloadId":"w-1"}`} {
		if err := c.HandleMessage(context.Background(), mq.NewMessage([]byte(body))); err != nil {
			t.Fatalf("handle %q: %v", body, err)
		}
	}
	if len(adjuster.applied) != 0 {
		t.Fatalf("bad payloads reached the engine: %v", adjuster.applied)
	}
}

func TestHandleMessageDropsUnknownWorkload(t *testing.T) {
	adjuster := &fakeAdjuster{err: appErr.New(appErr.WorkloadNotFound)}
	c := newConsumer(t, &fakeQueue{}, adjuster)

	body := `{"workloadId":"w-gone","deltaSeconds":600}`
	if err := c.HandleMessage(context.Background(), mq.NewMessage([]byte(body))); err != nil {
		t.Fatalf("unknown workload should be dropped, got %v", err)
	}
}

func TestHandleMessageSurfacesTransientFailure(t *testing.T) {
	adjuster := &fakeAdjuster{err: appErr.Newf(appErr.DatabaseError, "connection refused")}
	c := newConsumer(t, &fakeQueue{}, adjuster)

	body := `{"workloadId":"w-1","deltaSeconds":600}`
	if err := c.HandleMessage(context.Background(), mq.NewMessage([]byte(body))); err == nil {
		t.Fatal("transient failure should surface for redelivery")
	}
}

func TestSubscribeRegistersConsumerGroup(t *testing.T) {
	queue := &fakeQueue{}
	c := newConsumer(t, queue, &fakeAdjuster{})

	if err := c.Subscribe(context.Background(), "", "custom-group"); err == nil {
		t.Fatal("empty topic should be rejected")
	}

	if err := c.Subscribe(context.Background(), "budget.grants", ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(queue.subscriptions) != 1 {
		t.Fatalf("subscriptions = %v", queue.subscriptions)
	}
	sub := queue.subscriptions[0]
	if sub.topic != "budget.grants" {
		t.Fatalf("topic = %q", sub.topic)
	}
	if sub.opts == nil || sub.opts.ConsumerGroup != grants.DefaultConsumerGroup {
		t.Fatalf("opts = %+v", sub.opts)
	}
	if sub.opts.Concurrency != 2 {
		t.Fatalf("concurrency = %d", sub.opts.Concurrency)
	}
	if !queue.started {
		t.Fatal("subscribe should start the consumer")
	}
}
