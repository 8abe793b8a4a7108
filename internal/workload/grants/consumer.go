// Package grants feeds externally issued budget grants into the engine.
// Billing and plan flows publish grant records to a Kafka topic; the
// consumer applies each one through the engine's ledger adjustment.
// Delivery is at-least-once, which is safe here only because operators
// treat grant messages as one-shot: the broker redelivers solely on
// handler error, and the handler never errors after a grant is applied.
package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"warden/internal/common/mq"
	"warden/internal/workload/model"
	appErr "warden/pkg/errors"
	"warden/pkg/utils/logger"
)

// DefaultConsumerGroup is the Kafka consumer group for grant intake.
const DefaultConsumerGroup = "warden-grants"

const defaultConcurrency = 2

// Event is one grant record from the external flow.
type Event struct {
	WorkloadID   string  `json:"workloadId"`
	DeltaSeconds int64   `json:"deltaSeconds"`
	DeltaPower   float64 `json:"deltaPower"`
	Reason       string  `json:"reason"`
}

// Adjuster is the slice of the engine the consumer needs.
type Adjuster interface {
	AdjustLedger(ctx context.Context, id string, deltaSeconds int64, deltaPower float64, reason string) (*model.Workload, error)
}

// Config holds grant consumer dependencies and settings.
type Config struct {
	Queue  mq.MessageQueue
	Engine Adjuster

	// Concurrency bounds the consumer worker pool. Defaults to 2.
	Concurrency int
}

// Consumer subscribes to the grants topic and applies each grant to the
// workload's ledger.
type Consumer struct {
	mqClient    mq.MessageQueue
	engine      Adjuster
	concurrency int
}

// NewConsumer creates a grant consumer.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("lifecycle engine is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Consumer{
		mqClient:    cfg.Queue,
		engine:      cfg.Engine,
		concurrency: cfg.Concurrency,
	}, nil
}

// Subscribe registers the grant handler and starts consuming.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string) error {
	if topic == "" {
		return errors.New("grants topic is required")
	}
	if group == "" {
		group = DefaultConsumerGroup
	}
	opts := &mq.SubscribeOptions{ConsumerGroup: group, Concurrency: c.concurrency}
	if err := c.mqClient.SubscribeWithOptions(ctx, topic, c.handleMessage, opts); err != nil {
		return err
	}
	return c.mqClient.Start()
}

// HandleMessage processes one grant message.
func (c *Consumer) HandleMessage(ctx context.Context, message *mq.Message) error {
	return c.handleMessage(ctx, message)
}

// handleMessage applies a grant. Malformed payloads and grants for
// unknown workloads are logged and dropped so a bad record cannot wedge
// the partition; everything else returns the error for redelivery.
func (c *Consumer) handleMessage(ctx context.Context, message *mq.Message) error {
	if message == nil {
		return nil
	}
	var event Event
	if err := json.Unmarshal(message.Body, &event); err != nil {
		logger.Warn(ctx, "parse grant event failed", zap.Error(err))
		return nil
	}
	if event.WorkloadID == "" {
		logger.Warn(ctx, "grant event missing workload id")
		return nil
	}
	if event.DeltaSeconds == 0 && event.DeltaPower == 0 {
		return nil
	}
	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "external grant"
	}

	w, err := c.engine.AdjustLedger(ctx, event.WorkloadID, event.DeltaSeconds, event.DeltaPower, reason)
	if err != nil {
		if appErr.Is(err, appErr.WorkloadNotFound) {
			logger.Warn(ctx, "dropping grant for unknown workload",
				zap.String("workload_id", event.WorkloadID),
				zap.String("reason", reason))
			return nil
		}
		return fmt.Errorf("apply grant failed: %w", err)
	}

	logger.Info(ctx, "grant applied",
		zap.String("workload_id", event.WorkloadID),
		zap.Int64("delta_seconds", event.DeltaSeconds),
		zap.Float64("delta_power", event.DeltaPower),
		zap.String("reason", reason),
		zap.Int64("remaining_seconds", w.RemainingSeconds),
		zap.Float64("power_remaining", w.PowerRemaining))
	return nil
}
