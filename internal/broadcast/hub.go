// Package broadcast fans tally deltas out to live viewers.
//
// A single goroutine (Run) owns the subscriber registry and the per project
// reorder state. Subscribe, Unsubscribe and Publish only send it messages,
// so no lock is ever held while writing to a slow client.
package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/models"
	"vote-service/internal/util"
)

var (
	ErrHubClosed = errors.New("broadcast hub is not running")
	ErrEvicted   = errors.New("subscriber evicted")
)

const (
	EventSnapshot  = "snapshot"
	EventDelta     = "delta"
	EventHeartbeat = "heartbeat"
)

// Event is one message on the stream.
type Event struct {
	Type      string                `json:"type"`
	ProjectID string                `json:"projectId,omitempty"`
	NewCount  int64                 `json:"newCount,omitempty"`
	Version   int64                 `json:"version,omitempty"`
	Tallies   []models.ProjectTally `json:"tallies,omitempty"`
}

type Snapshotter interface {
	Tallies(ctx context.Context) ([]models.ProjectTally, error)
}

type Config struct {
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	SubscriberBuffer    int
	ReorderWindow       time.Duration
	WriteTimeout        time.Duration
	PublishTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = time.Second
	}
	return c
}

type registration struct {
	sub *Subscription
	ack chan struct{}
}

type Hub struct {
	cfg      Config
	snapshot Snapshotter
	logger   *zap.Logger
	now      func() time.Time

	register   chan registration
	unregister chan string
	publish    chan models.TallyDelta
	count      chan chan int
	stopped    chan struct{}
	running    atomic.Bool

	// owned by Run
	subs    map[string]*Subscription
	last    map[string]int64
	pending map[string]map[int64]pendingDelta
}

type pendingDelta struct {
	delta   models.TallyDelta
	arrived time.Time
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(snapshot Snapshotter, cfg Config, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = util.Get()
	}
	h := &Hub{
		cfg:        cfg.withDefaults(),
		snapshot:   snapshot,
		logger:     logger,
		now:        time.Now,
		register:   make(chan registration),
		unregister: make(chan string, 64),
		publish:    make(chan models.TallyDelta, 1024),
		count:      make(chan chan int),
		stopped:    make(chan struct{}),
		subs:       make(map[string]*Subscription),
		last:       make(map[string]int64),
		pending:    make(map[string]map[int64]pendingDelta),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Config() Config { return h.cfg }

// Run owns the hub until ctx is done. Every subscriber is released on exit.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("broadcast hub already running")
	}
	defer close(h.stopped)

	h.seed(ctx)

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	reorder := time.NewTicker(max(h.cfg.ReorderWindow/2, 10*time.Millisecond))
	defer reorder.Stop()

	h.logger.Info("broadcast hub started",
		zap.Duration("heartbeat_interval", h.cfg.HeartbeatInterval),
		zap.Int("subscriber_buffer", h.cfg.SubscriberBuffer))

	for {
		select {
		case <-ctx.Done():
			for id := range h.subs {
				h.evict(id, "shutdown")
			}
			h.logger.Info("broadcast hub stopped")
			return nil

		case reg := <-h.register:
			h.subs[reg.sub.ID] = reg.sub
			close(reg.ack)

		case id := <-h.unregister:
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				sub.close()
			}

		case d := <-h.publish:
			h.accept(d)

		case reply := <-h.count:
			reply <- len(h.subs)

		case <-heartbeat.C:
			h.heartbeat()

		case <-reorder.C:
			h.flushGaps()
		}
	}
}

// seed starts reorder tracking from what is already committed so the first
// live delta for a project is checked for gaps too.
func (h *Hub) seed(ctx context.Context) {
	if h.snapshot == nil {
		return
	}
	tallies, err := h.snapshot.Tallies(ctx)
	if err != nil {
		h.logger.Warn("broadcast hub could not seed versions", zap.Error(err))
		return
	}
	for _, t := range tallies {
		h.last[t.ProjectID] = t.Version
	}
}

// Subscribe registers a subscriber and then reads the snapshot. Deltas that
// race with the snapshot are queued already and are dropped by Next when the
// snapshot covers them.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, []models.ProjectTally, error) {
	sub := newSubscription(uuid.NewString(), h.cfg.SubscriberBuffer, h.now())
	reg := registration{sub: sub, ack: make(chan struct{})}

	select {
	case h.register <- reg:
	case <-h.stopped:
		return nil, nil, ErrHubClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	<-reg.ack

	var tallies []models.ProjectTally
	if h.snapshot != nil {
		var err error
		tallies, err = h.snapshot.Tallies(ctx)
		if err != nil {
			h.Unsubscribe(sub.ID)
			return nil, nil, err
		}
	}
	if tallies == nil {
		tallies = []models.ProjectTally{}
	}
	for _, t := range tallies {
		sub.floor[t.ProjectID] = t.Version
	}
	return sub, tallies, nil
}

// Unsubscribe is idempotent and never blocks on a stopped hub.
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.stopped:
	}
}

// Publish queues a delta for fan-out. It waits at most PublishTimeout so a
// stuck hub cannot stall the vote path.
func (h *Hub) Publish(ctx context.Context, d models.TallyDelta) error {
	select {
	case <-h.stopped:
		return ErrHubClosed
	default:
	}

	timer := time.NewTimer(h.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case h.publish <- d:
		return nil
	case <-h.stopped:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("broadcast hub publish timed out")
	}
}

// Subscribers reports the live subscriber count.
func (h *Hub) Subscribers(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.stopped:
		return 0, ErrHubClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-reply, nil
}

// accept passes deltas on in contiguous version order per project. Stale or
// repeated versions are dropped; a later version waits in the reorder buffer
// for the missing ones.
func (h *Hub) accept(d models.TallyDelta) {
	last, known := h.last[d.ProjectID]
	switch {
	case known && d.Version <= last:
		return
	case !known || d.Version == last+1:
		h.emit(d)
		h.drain(d.ProjectID)
	default:
		buf := h.pending[d.ProjectID]
		if buf == nil {
			buf = make(map[int64]pendingDelta)
			h.pending[d.ProjectID] = buf
		}
		if _, dup := buf[d.Version]; !dup {
			buf[d.Version] = pendingDelta{delta: d, arrived: h.now()}
		}
	}
}

func (h *Hub) drain(projectID string) {
	buf := h.pending[projectID]
	for len(buf) > 0 {
		next, ok := buf[h.last[projectID]+1]
		if !ok {
			break
		}
		delete(buf, next.delta.Version)
		h.emit(next.delta)
	}
	for v := range buf {
		if v <= h.last[projectID] {
			delete(buf, v)
		}
	}
	if len(buf) == 0 {
		delete(h.pending, projectID)
	}
}

// flushGaps gives up on versions missing for longer than the reorder window
// and moves on to the oldest buffered one.
func (h *Hub) flushGaps() {
	now := h.now()
	for project, buf := range h.pending {
		versions := make([]int64, 0, len(buf))
		stale := false
		for v, p := range buf {
			versions = append(versions, v)
			if now.Sub(p.arrived) >= h.cfg.ReorderWindow {
				stale = true
			}
		}
		if !stale {
			continue
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
		first := buf[versions[0]]
		h.logger.Warn("skipping tally version gap",
			zap.String("project_id", project),
			zap.Int64("last", h.last[project]),
			zap.Int64("next", versions[0]))
		delete(buf, versions[0])
		h.emit(first.delta)
		h.drain(project)
	}
}

func (h *Hub) emit(d models.TallyDelta) {
	h.last[d.ProjectID] = d.Version
	ev := Event{Type: EventDelta, ProjectID: d.ProjectID, NewCount: d.NewCount, Version: d.Version}
	for id, sub := range h.subs {
		if !sub.offer(ev) {
			h.evict(id, "buffer full")
		}
	}
}

func (h *Hub) heartbeat() {
	now := h.now()
	limit := time.Duration(h.cfg.MaxMissedHeartbeats) * h.cfg.HeartbeatInterval
	for id, sub := range h.subs {
		if now.Sub(sub.lastActive()) > limit {
			h.evict(id, "missed heartbeats")
			continue
		}
		if !sub.offer(Event{Type: EventHeartbeat}) {
			h.evict(id, "buffer full")
		}
	}
}

func (h *Hub) evict(id, reason string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	sub.close()
	h.logger.Info("broadcast subscriber evicted", zap.String("subscriber_id", id), zap.String("reason", reason))
}
