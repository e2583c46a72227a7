package delivery

import (
	"context"
	"encoding/json"
	"fmt"
)

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaGateway publishes delivery requests for a notification service that
// owns the topic. Messages are keyed by session so resends stay ordered.
type KafkaGateway struct {
	producer producer
	topic    string
}

func NewKafkaGateway(p producer, topic string) *KafkaGateway {
	return &KafkaGateway{producer: p, topic: topic}
}

func (g *KafkaGateway) Deliver(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode delivery message: %w", err)
	}
	headers := map[string]string{"channel": msg.Channel, "type": "otp"}
	if err := g.producer.ProduceMessage(ctx, g.topic, []byte(msg.SessionID), value, headers); err != nil {
		return fmt.Errorf("publish delivery message: %w", err)
	}
	return nil
}
