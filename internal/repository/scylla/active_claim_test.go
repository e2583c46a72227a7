package scylla

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vote-service/internal/otp"
)

// lwtPairs mimics the session table and the otp_active lightweight
// transactions in memory. afterClaim runs outside the lock once a claim
// applies, so a test can slot another request in right there.
type lwtPairs struct {
	mu         sync.Mutex
	rows       map[string]*otp.Session
	holder     map[string]string
	afterClaim func(id string)
}

func newLWTPairs() *lwtPairs {
	return &lwtPairs{rows: map[string]*otp.Session{}, holder: map[string]string{}}
}

func pairKey(s *otp.Session) string { return s.IdentityKey + "|" + s.ProjectID }

func (p *lwtPairs) insertSession(_ context.Context, s *otp.Session, _ time.Time) error {
	runtime.Gosched()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[s.ID] = s.Clone()
	return nil
}

func (p *lwtPairs) deleteSession(_ context.Context, s *otp.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, s.ID)
	return nil
}

func (p *lwtPairs) claimPair(_ context.Context, s *otp.Session, _ int) (bool, string, error) {
	runtime.Gosched()
	p.mu.Lock()
	if cur, ok := p.holder[pairKey(s)]; ok {
		p.mu.Unlock()
		return false, cur, nil
	}
	p.holder[pairKey(s)] = s.ID
	p.mu.Unlock()

	if p.afterClaim != nil {
		hook := p.afterClaim
		p.afterClaim = nil
		hook(s.ID)
	}
	return true, "", nil
}

func (p *lwtPairs) replacePair(_ context.Context, s *otp.Session, holder string, _ int) (bool, error) {
	runtime.Gosched()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder[pairKey(s)] != holder {
		return false, nil
	}
	p.holder[pairKey(s)] = s.ID
	return true, nil
}

func (p *lwtPairs) Get(_ context.Context, id string) (*otp.Session, error) {
	runtime.Gosched()
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.rows[id]
	if !ok {
		return nil, otp.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func pending(id string, now time.Time) *otp.Session {
	return &otp.Session{
		ID:          id,
		IdentityKey: "ident",
		ProjectID:   "P1",
		State:       otp.StatePending,
		AttemptsMax: 3,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
		UpdatedAt:   now,
	}
}

func TestClaimedHolderIsNeverTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pairs := newLWTPairs()

	var (
		second        *otp.Session
		secondCreated bool
	)
	// the second request runs to completion between the first one's claim
	// and its return
	pairs.afterClaim = func(string) {
		var err error
		second, secondCreated, err = createOrGetActive(ctx, pairs, pending("B", now), now)
		require.NoError(t, err)
	}

	first, created, err := createOrGetActive(ctx, pairs, pending("A", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "A", first.ID)

	assert.False(t, secondCreated)
	assert.Equal(t, "A", second.ID)
	assert.Equal(t, "A", pairs.holder["ident|P1"])
	assert.NotContains(t, pairs.rows, "B", "the losing row is removed")
}

func TestStaleHolderIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pairs := newLWTPairs()

	// a holder whose row is gone
	pairs.holder["ident|P1"] = "ghost"
	s, created, err := createOrGetActive(ctx, pairs, pending("A", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "A", s.ID)

	// a holder whose session is closed
	closed := pending("B", now)
	require.NoError(t, closed.Verify(now))
	pairs.rows["B"] = closed
	pairs.holder["ident|P2"] = "B"
	c := pending("C", now)
	c.ProjectID = "P2"
	s, created, err = createOrGetActive(ctx, pairs, c, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "C", pairs.holder["ident|P2"])
}

func TestConcurrentCreatesYieldOneActiveSession(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pairs := newLWTPairs()

	const n = 32
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, ok, err := createOrGetActive(ctx, pairs, pending(fmt.Sprintf("s%d", i), now), now)
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[s.ID] = true
			if ok {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Len(t, pairs.rows, 1)
}
