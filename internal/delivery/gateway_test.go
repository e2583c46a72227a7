package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testMessage = Message{
	SessionID: "sess-1",
	ProjectID: "P1",
	Channel:   "sms",
	To:        "+2348012345678",
	Code:      "482913",
	ExpiresAt: time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
}

func TestHTTPGatewayPostsMessage(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "secret", time.Second, zap.NewNop())
	require.NoError(t, g.Deliver(context.Background(), testMessage))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, testMessage.Code, got.Code)
	assert.Equal(t, testMessage.To, got.To)
}

func TestHTTPGatewayReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "", time.Second, zap.NewNop())
	err := g.Deliver(context.Background(), testMessage)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHTTPGatewayTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewHTTPGateway(srv.URL, "", 50*time.Millisecond, zap.NewNop())
	err := g.Deliver(context.Background(), testMessage)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}

type recordingProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *recordingProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return p.err
}

func TestKafkaGatewayKeysBySession(t *testing.T) {
	p := &recordingProducer{}
	g := NewKafkaGateway(p, "contest.otp-delivery")

	require.NoError(t, g.Deliver(context.Background(), testMessage))
	assert.Equal(t, "contest.otp-delivery", p.topic)
	assert.Equal(t, "sess-1", string(p.key))
	assert.Equal(t, "sms", p.headers["channel"])

	var decoded Message
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, "482913", decoded.Code)

	p.err = errors.New("broker down")
	assert.Error(t, g.Deliver(context.Background(), testMessage))
}
