package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one viewer. Only the hub sends on it; only its writer
// reads from it.
type Subscription struct {
	ID string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	active    atomic.Int64

	// floor is the newest version the viewer has per project. Writer only.
	floor map[string]int64
}

func newSubscription(id string, buffer int, now time.Time) *Subscription {
	s := &Subscription{
		ID:     id,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		floor:  make(map[string]int64),
	}
	s.active.Store(now.UnixNano())
	return s
}

// Next blocks for the next event the viewer has not seen. Deltas at or below
// the version already shown are skipped.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrEvicted
		case ev := <-s.events:
			if ev.Type == EventDelta {
				if ev.Version <= s.floor[ev.ProjectID] {
					continue
				}
				s.floor[ev.ProjectID] = ev.Version
			}
			return ev, nil
		}
	}
}

// Delivered records that the writer got an event out to the client.
func (s *Subscription) Delivered(now time.Time) {
	s.active.Store(now.UnixNano())
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) lastActive() time.Time {
	return time.Unix(0, s.active.Load())
}

func (s *Subscription) offer(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
