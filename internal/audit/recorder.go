// Package audit keeps an append-only trail of voter actions. Recording never
// blocks the request path: events are queued and written in batches by Run.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vote-service/internal/bucketing"
	"vote-service/internal/config"
	"vote-service/internal/models"
)

// Sink stores batches of audit events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.AuditEvent) error
}

type Recorder struct {
	events        chan models.AuditEvent
	sinks         []Sink
	buckets       *bucketing.BucketingManager
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time
	dropped       atomic.Int64
}

func NewRecorder(cfg config.AuditConfig, buckets *bucketing.BucketingManager, logger *zap.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		events:        make(chan models.AuditEvent, max(cfg.BufferSize, 1)),
		sinks:         sinks,
		buckets:       buckets,
		batchSize:     max(cfg.BatchSize, 1),
		flushInterval: max(cfg.FlushInterval, 10*time.Millisecond),
		logger:        logger,
		now:           time.Now,
	}
}

// Record queues evt. When the queue is full the event is dropped and counted.
func (r *Recorder) Record(evt models.AuditEvent) {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EventTime.IsZero() {
		evt.EventTime = r.now()
	}
	evt.EventTime = evt.EventTime.UTC()
	if r.buckets != nil {
		key := evt.IdentityKey
		if key == "" {
			key = evt.SessionID
		}
		evt.EventBucket = r.buckets.GetEventBucket(key)
		evt.EventDate = r.buckets.GetDateBucket(evt.EventTime)
	} else {
		evt.EventDate = evt.EventTime.Format("2006-01-02")
	}

	select {
	case r.events <- evt:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("audit queue full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events were lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued events until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.AuditEvent, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case evt := <-r.events:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.flush(flushCtx, batch)
			cancel()
			return nil

		case evt := <-r.events:
			batch = append(batch, evt)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch to every sink in parallel. A failing sink loses the
// batch but does not hold up the others.
func (r *Recorder) flush(ctx context.Context, batch []models.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	events := append([]models.AuditEvent(nil), batch...)

	var g errgroup.Group
	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, events); err != nil {
				r.logger.Error("audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("events", len(events)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
