package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vote-service/internal/models"
)

// loopback is an in-memory topic: produced messages come back out of
// ConsumeMessage in order.
type loopback struct {
	msgs    chan *kafka.Message
	readErr chan error
}

func newLoopback() *loopback {
	return &loopback{msgs: make(chan *kafka.Message, 16), readErr: make(chan error, 1)}
}

func (l *loopback) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := &kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	l.msgs <- msg
	return nil
}

func (l *loopback) ConsumeMessage(ctx context.Context) (*kafka.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-l.readErr:
		return nil, err
	case m := <-l.msgs:
		return m, nil
	}
}

type collector struct {
	mu     sync.Mutex
	deltas []models.TallyDelta
}

func (c *collector) Publish(_ context.Context, d models.TallyDelta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
	return nil
}

func (c *collector) all() []models.TallyDelta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.TallyDelta(nil), c.deltas...)
}

func runRelay(t *testing.T, r *KafkaRelay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestEmitterKeysByProject(t *testing.T) {
	topic := newLoopback()
	e := NewKafkaEmitter(topic, "tallies", "node-a")

	d := models.TallyDelta{ProjectID: "P1", NewCount: 4, Version: 4, At: time.Unix(100, 0).UTC()}
	require.NoError(t, e.Publish(context.Background(), d))

	msg := <-topic.msgs
	assert.Equal(t, "tallies", msg.Topic)
	assert.Equal(t, "P1", string(msg.Key))

	var got models.TallyDelta
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, d, got)
}

func TestRelayForwardsOtherInstances(t *testing.T) {
	topic := newLoopback()
	sink := &collector{}
	runRelay(t, NewKafkaRelay(topic, sink, "node-b", zap.NewNop()))

	other := NewKafkaEmitter(topic, "tallies", "node-a")
	self := NewKafkaEmitter(topic, "tallies", "node-b")
	ctx := context.Background()

	require.NoError(t, self.Publish(ctx, models.TallyDelta{ProjectID: "P1", NewCount: 1, Version: 1}))
	require.NoError(t, other.Publish(ctx, models.TallyDelta{ProjectID: "P1", NewCount: 2, Version: 2}))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), sink.all()[0].Version)
}

func TestRelaySurvivesBadMessagesAndReadErrors(t *testing.T) {
	topic := newLoopback()
	sink := &collector{}
	r := NewKafkaRelay(topic, sink, "node-b", zap.NewNop())
	r.backoff = time.Millisecond
	runRelay(t, r)

	topic.readErr <- errors.New("broker went away")
	topic.msgs <- &kafka.Message{Key: []byte("P1"), Value: []byte("{not json")}
	topic.msgs <- &kafka.Message{Key: []byte("P1"), Value: []byte(`{"newCount":3}`)}
	require.NoError(t, NewKafkaEmitter(topic, "tallies", "node-a").
		Publish(context.Background(), models.TallyDelta{ProjectID: "P2", NewCount: 1, Version: 1}))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "P2", sink.all()[0].ProjectID)
}
