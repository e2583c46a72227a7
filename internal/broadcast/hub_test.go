package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vote-service/internal/models"
)

type board struct {
	mu      sync.Mutex
	tallies []models.ProjectTally
}

func (b *board) Tallies(context.Context) ([]models.ProjectTally, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.ProjectTally(nil), b.tallies...), nil
}

func startHub(t *testing.T, snap Snapshotter, cfg Config) *Hub {
	t.Helper()
	h := NewHub(snap, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func delta(project string, count, version int64) models.TallyDelta {
	return models.TallyDelta{ProjectID: project, NewCount: count, Version: version}
}

func nextDelta(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		if ev.Type == EventDelta {
			return ev
		}
	}
}

func TestSubscribeReturnsSnapshotAndDeltas(t *testing.T) {
	snap := &board{tallies: []models.ProjectTally{{ProjectID: "P1", VoteCount: 3, Version: 3}}}
	h := startHub(t, snap, Config{HeartbeatInterval: time.Hour})
	ctx := context.Background()

	sub, tallies, err := h.Subscribe(ctx)
	require.NoError(t, err)
	require.Len(t, tallies, 1)
	assert.Equal(t, int64(3), tallies[0].VoteCount)

	require.NoError(t, h.Publish(ctx, delta("P1", 4, 4)))
	ev := nextDelta(t, sub)
	assert.Equal(t, Event{Type: EventDelta, ProjectID: "P1", NewCount: 4, Version: 4}, ev)
}

func TestDeltasCoveredBySnapshotAreSkipped(t *testing.T) {
	snap := &board{}
	h := startHub(t, snap, Config{HeartbeatInterval: time.Hour})
	ctx := context.Background()

	sub, _, err := h.Subscribe(ctx)
	require.NoError(t, err)

	// the viewer already saw version 5 in its snapshot
	sub.floor["P1"] = 5
	require.NoError(t, h.Publish(ctx, delta("P1", 5, 5)))
	require.NoError(t, h.Publish(ctx, delta("P1", 6, 6)))

	assert.Equal(t, int64(6), nextDelta(t, sub).Version)
}

func TestOutOfOrderDeltasLeaveInOrder(t *testing.T) {
	snap := &board{tallies: []models.ProjectTally{{ProjectID: "P1", VoteCount: 1, Version: 1}}}
	h := startHub(t, snap, Config{HeartbeatInterval: time.Hour, ReorderWindow: time.Hour})
	ctx := context.Background()

	sub, _, err := h.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, delta("P1", 4, 4)))
	require.NoError(t, h.Publish(ctx, delta("P1", 3, 3)))
	require.NoError(t, h.Publish(ctx, delta("P1", 2, 2)))
	require.NoError(t, h.Publish(ctx, delta("P1", 2, 2)))

	for _, want := range []int64{2, 3, 4} {
		assert.Equal(t, want, nextDelta(t, sub).Version)
	}
}

func TestGapIsSkippedAfterReorderWindow(t *testing.T) {
	snap := &board{tallies: []models.ProjectTally{{ProjectID: "P1", VoteCount: 1, Version: 1}}}
	h := startHub(t, snap, Config{HeartbeatInterval: time.Hour, ReorderWindow: 40 * time.Millisecond})
	ctx := context.Background()

	sub, _, err := h.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, delta("P1", 9, 9)))
	require.NoError(t, h.Publish(ctx, delta("P1", 10, 10)))

	assert.Equal(t, int64(9), nextDelta(t, sub).Version)
	assert.Equal(t, int64(10), nextDelta(t, sub).Version)

	// versions behind the skip are stale now
	require.NoError(t, h.Publish(ctx, delta("P1", 5, 5)))
	require.NoError(t, h.Publish(ctx, delta("P1", 11, 11)))
	assert.Equal(t, int64(11), nextDelta(t, sub).Version)
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	h := startHub(t, &board{}, Config{HeartbeatInterval: time.Hour, SubscriberBuffer: 2})
	ctx := context.Background()

	slow, _, err := h.Subscribe(ctx)
	require.NoError(t, err)
	fast, _, err := h.Subscribe(ctx)
	require.NoError(t, err)

	got := make(chan int64, 10)
	go func() {
		for {
			ev, err := fast.Next(ctx)
			if err != nil {
				return
			}
			got <- ev.Version
		}
	}()

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, h.Publish(ctx, delta("P1", v, v)))
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber not evicted")
	}

	n, err := h.Subscribers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSilentSubscriberIsEvictedAfterMissedHeartbeats(t *testing.T) {
	h := startHub(t, &board{}, Config{HeartbeatInterval: 10 * time.Millisecond, MaxMissedHeartbeats: 2, SubscriberBuffer: 64})

	sub, _, err := h.Subscribe(context.Background())
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("silent subscriber not evicted")
	}
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrEvicted)
}

func TestActiveSubscriberReceivesHeartbeats(t *testing.T) {
	h := startHub(t, &board{}, Config{HeartbeatInterval: 10 * time.Millisecond, MaxMissedHeartbeats: 2})

	sub, _, err := h.Subscribe(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 5 {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, EventHeartbeat, ev.Type)
		sub.Delivered(time.Now())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := startHub(t, &board{}, Config{HeartbeatInterval: time.Hour})
	ctx := context.Background()

	sub, _, err := h.Subscribe(ctx)
	require.NoError(t, err)

	h.Unsubscribe(sub.ID)
	h.Unsubscribe(sub.ID)
	h.Unsubscribe("never-existed")

	<-sub.Done()
	n, err := h.Subscribers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoppedHubRejectsCalls(t *testing.T) {
	h := NewHub(&board{}, Config{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	cancel()
	<-done

	_, _, err := h.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, h.Publish(context.Background(), delta("P1", 1, 1)), ErrHubClosed)
	h.Unsubscribe("x")
}

func TestStreamWritesServerSentEvents(t *testing.T) {
	snap := &board{tallies: []models.ProjectTally{{ProjectID: "P1", VoteCount: 2, Version: 2}}}
	h := startHub(t, snap, Config{HeartbeatInterval: time.Hour})

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, map[string]interface{}) {
		t.Helper()
		var name string
		var payload map[string]interface{}
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			case line == "":
				return name, payload
			}
		}
	}

	name, payload := readEvent()
	assert.Equal(t, EventSnapshot, name)
	assert.Len(t, payload["tallies"], 1)

	require.Eventually(t, func() bool {
		n, _ := h.Subscribers(context.Background())
		return n == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Publish(context.Background(), delta("P1", 3, 3)))

	name, payload = readEvent()
	assert.Equal(t, EventDelta, name)
	assert.Equal(t, "P1", payload["projectId"])
	assert.Equal(t, float64(3), payload["newCount"])
	assert.Equal(t, float64(3), payload["version"])
}

func TestEmptySnapshotStillCarriesTallies(t *testing.T) {
	h := startHub(t, &board{}, Config{HeartbeatInterval: time.Hour})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"snapshot\",\"tallies\":[]}\n", data)
}

func TestDeltaFrameKeepsZeroCount(t *testing.T) {
	h := NewHub(nil, Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	sub := newSubscription("s1", 1, time.Now())

	ev := Event{Type: EventDelta, ProjectID: "P1", NewCount: 0, Version: 4}
	require.NoError(t, h.write(rec, http.NewResponseController(rec), sub, ev))
	assert.Equal(t, "event: delta\ndata: {\"type\":\"delta\",\"projectId\":\"P1\",\"newCount\":0,\"version\":4}\n\n", rec.Body.String())
}
