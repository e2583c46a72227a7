package otp

import (
	"context"
	"sync"
	"time"
)

// Store persists sessions. Implementations must make CreateOrGetActive atomic
// per (identity, project) and Update a compare-and-swap on Revision.
type Store interface {
	// CreateOrGetActive saves s unless a session active at now already
	// exists for s's identity and project; that session is returned instead
	// with created=false.
	CreateOrGetActive(ctx context.Context, s *Session, now time.Time) (existing *Session, created bool, err error)
	// FindActive returns the session active at now for the pair, or
	// ErrSessionNotFound.
	FindActive(ctx context.Context, identityKey, projectID string, now time.Time) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	// Update stores s if the stored revision still equals s.Revision, then
	// bumps s.Revision. A session that is no longer pending releases its
	// pair so a new one can be requested.
	Update(ctx context.Context, s *Session) error
	// Sweep expires overdue pending sessions and drops closed sessions
	// whose last update is older than grace.
	Sweep(ctx context.Context, now time.Time, grace time.Duration) (SweepResult, error)
}

type SweepResult struct {
	Expired int
	Removed int
}

func activeKey(identityKey, projectID string) string {
	return identityKey + "|" + projectID
}

// MemoryStore keeps sessions in process. Suitable for tests and single node
// development only.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateOrGetActive(_ context.Context, s *Session, now time.Time) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := activeKey(s.IdentityKey, s.ProjectID)
	if id, ok := m.active[key]; ok {
		if cur, ok := m.sessions[id]; ok && cur.Active(now) {
			return cur.Clone(), false, nil
		}
	}

	m.sessions[s.ID] = s.Clone()
	m.active[key] = s.ID
	return s.Clone(), true, nil
}

func (m *MemoryStore) FindActive(_ context.Context, identityKey, projectID string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.active[activeKey(identityKey, projectID)]; ok {
		if s, ok := m.sessions[id]; ok && s.Active(now) {
			return s.Clone(), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Revision != s.Revision {
		return ErrConflict
	}

	s.Revision++
	m.sessions[s.ID] = s.Clone()
	if s.State.Closed() {
		m.release(s)
	}
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time, grace time.Duration) (SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res SweepResult
	for id, s := range m.sessions {
		if s.Overdue(now) {
			if err := s.Expire(now); err == nil {
				s.Revision++
				m.release(s)
				res.Expired++
			}
			continue
		}
		if s.State.Closed() && now.Sub(s.UpdatedAt) > grace {
			delete(m.sessions, id)
			m.release(s)
			res.Removed++
		}
	}
	return res, nil
}

// release must be called with mu held.
func (m *MemoryStore) release(s *Session) {
	key := activeKey(s.IdentityKey, s.ProjectID)
	if m.active[key] == s.ID {
		delete(m.active, key)
	}
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
