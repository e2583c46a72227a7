package guard

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local CounterStore for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	hits  map[string][]hit
	holds map[string]time.Time
}

type hit struct {
	id string
	at time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hits:  make(map[string][]hit),
		holds: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Take(_ context.Context, key, id string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.prune(key, now, window)
	if len(live) >= limit {
		return false, live[0].at, nil
	}
	m.hits[key] = append(live, hit{id: id, at: now})
	return true, time.Time{}, nil
}

func (m *MemoryStore) Release(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.hits[key]
	for i, h := range hits {
		if h.id == id {
			hits = append(hits[:i:i], hits[i+1:]...)
			break
		}
	}
	if len(hits) == 0 {
		delete(m.hits, key)
		return nil
	}
	m.hits[key] = hits
	return nil
}

func (m *MemoryStore) Acquire(_ context.Context, key string, now time.Time, ttl time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if until, ok := m.holds[key]; ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	m.holds[key] = now.Add(ttl)
	return true, 0, nil
}

// Purge drops every key with no live hits or holds at now. The longest
// window in use must be passed so no live hit is dropped early.
func (m *MemoryStore) Purge(now time.Time, maxWindow time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.hits {
		if len(m.prune(key, now, maxWindow)) == 0 {
			removed++
		}
	}
	for key, until := range m.holds {
		if !now.Before(until) {
			delete(m.holds, key)
			removed++
		}
	}
	return removed
}

// prune must be called with mu held.
func (m *MemoryStore) prune(key string, now time.Time, window time.Duration) []hit {
	hits := m.hits[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(hits) && !hits[i].at.After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(m.hits, key)
		return nil
	}
	m.hits[key] = hits
	return hits
}
