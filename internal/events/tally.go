// Package events carries tally deltas between service instances over Kafka so
// viewers connected to any instance see every vote.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"vote-service/internal/models"
)

const sourceHeader = "source"

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type consumer interface {
	ConsumeMessage(ctx context.Context) (*kafka.Message, error)
}

// Sink receives relayed deltas. The broadcast hub satisfies it.
type Sink interface {
	Publish(ctx context.Context, d models.TallyDelta) error
}

// KafkaEmitter publishes committed tally deltas keyed by project, so every
// delta for one project lands on one partition in version order.
type KafkaEmitter struct {
	producer producer
	topic    string
	source   string
}

func NewKafkaEmitter(p producer, topic, instanceID string) *KafkaEmitter {
	return &KafkaEmitter{producer: p, topic: topic, source: instanceID}
}

func (e *KafkaEmitter) Publish(ctx context.Context, d models.TallyDelta) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode tally delta: %w", err)
	}
	headers := map[string]string{sourceHeader: e.source, "type": "tally_delta"}
	if err := e.producer.ProduceMessage(ctx, e.topic, []byte(d.ProjectID), value, headers); err != nil {
		return fmt.Errorf("publish tally delta: %w", err)
	}
	return nil
}

// KafkaRelay feeds deltas produced by other instances into the local sink.
// Deltas this instance emitted already reached the sink directly and are
// skipped. Redelivered messages are harmless: the hub drops versions it has
// already passed on.
type KafkaRelay struct {
	consumer consumer
	sink     Sink
	self     string
	logger   *zap.Logger
	backoff  time.Duration
}

func NewKafkaRelay(c consumer, sink Sink, instanceID string, logger *zap.Logger) *KafkaRelay {
	return &KafkaRelay{consumer: c, sink: sink, self: instanceID, logger: logger, backoff: time.Second}
}

// Run consumes until ctx is done.
func (r *KafkaRelay) Run(ctx context.Context) error {
	r.logger.Info("tally relay started", zap.String("instance_id", r.self))
	for {
		msg, err := r.consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("tally relay stopped")
				return nil
			}
			r.logger.Warn("tally relay read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.backoff):
			}
			continue
		}
		r.handle(ctx, msg)
	}
}

func (r *KafkaRelay) handle(ctx context.Context, msg *kafka.Message) {
	for _, h := range msg.Headers {
		if h.Key == sourceHeader && string(h.Value) == r.self {
			return
		}
	}

	var d models.TallyDelta
	if err := json.Unmarshal(msg.Value, &d); err != nil || d.ProjectID == "" {
		r.logger.Warn("dropping malformed tally delta",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset))
		return
	}

	if err := r.sink.Publish(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("relayed tally delta not accepted",
			zap.String("project_id", d.ProjectID),
			zap.Int64("version", d.Version),
			zap.Error(err))
	}
}
