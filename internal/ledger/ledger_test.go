package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vote-service/internal/ledger"
	"vote-service/internal/models"
	"vote-service/internal/repository/sqldb"
)

type recordingPublisher struct {
	mu     sync.Mutex
	deltas []models.TallyDelta
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, d models.TallyDelta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
	return p.err
}

func (p *recordingPublisher) all() []models.TallyDelta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TallyDelta(nil), p.deltas...)
}

type consumedSessions struct {
	mu  sync.Mutex
	ids []string
}

func (c *consumedSessions) MarkConsumed(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

type auditTrail struct {
	mu    sync.Mutex
	types []string
}

func (a *auditTrail) Record(evt models.AuditEvent) {
	a.mu.Lock()
	a.types = append(a.types, evt.EventType)
	a.mu.Unlock()
}

type fixture struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	store    *sqldb.LedgerStore
	pub      *recordingPublisher
	sessions *consumedSessions
	audit    *auditTrail
}

func newFixture(t *testing.T, extra ...ledger.Publisher) *fixture {
	t.Helper()

	db, err := sqldb.Open(context.Background(), sqldb.DriverSQLite,
		"file:"+filepath.Join(t.TempDir(), "votes.db")+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqldb.CreateSchema(context.Background(), db))

	f := &fixture{
		db:       db,
		store:    sqldb.NewLedgerStore(db, sqldb.DriverSQLite),
		pub:      &recordingPublisher{},
		sessions: &consumedSessions{},
		audit:    &auditTrail{},
	}
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.ledger = ledger.New(f.store, f.sessions, zap.NewNop(),
		ledger.WithPublishers(append([]ledger.Publisher{f.pub}, extra...)...),
		ledger.WithAuditor(f.audit),
		ledger.WithClock(func() time.Time { return clock }))
	return f
}

func token(identity, project, session string) models.VerifiedToken {
	return models.VerifiedToken{SessionID: session, IdentityKey: identity, ProjectID: project}
}

func TestCastVotePublishesAndConsumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tally, err := f.ledger.CastVote(ctx, token("alice", "P1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.VoteCount)

	deltas := f.pub.all()
	require.Len(t, deltas, 1)
	assert.Equal(t, models.TallyDelta{ProjectID: "P1", NewCount: 1, Version: 1, At: deltas[0].At}, deltas[0])
	assert.Equal(t, []string{"s1"}, f.sessions.ids)
	assert.Contains(t, f.audit.types, models.EventVoteCast)
}

func TestDuplicateVoteConsumesWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CastVote(ctx, token("alice", "P1", "s1"))
	require.NoError(t, err)

	_, err = f.ledger.CastVote(ctx, token("alice", "P1", "s2"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateVote)

	assert.Len(t, f.pub.all(), 1)
	assert.Equal(t, []string{"s1", "s2"}, f.sessions.ids)
	assert.Contains(t, f.audit.types, models.EventVoteDuplicate)
}

func TestReplayedTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CastVote(ctx, token("alice", "P1", "s1"))
	require.NoError(t, err)
	_, err = f.ledger.CastVote(ctx, token("alice", "P1", "s1"))
	assert.ErrorIs(t, err, ledger.ErrTokenAlreadyConsumed)
	assert.Contains(t, f.audit.types, models.EventTokenReplayed)
}

func TestIncompleteTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CastVote(context.Background(), token("", "P1", "s1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidVote)
}

func TestPublisherFailureDoesNotFailVote(t *testing.T) {
	broken := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, broken)

	tally, err := f.ledger.CastVote(context.Background(), token("alice", "P1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.VoteCount)
	assert.Len(t, f.pub.all(), 1)
	assert.Len(t, broken.all(), 1)
}

func TestTallyIsMonotonicUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const voters = 10
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			_, err := f.ledger.CastVote(ctx, token(id, "P1", "s-"+id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	deltas := f.pub.all()
	require.Len(t, deltas, voters)
	seen := map[int64]bool{}
	for _, d := range deltas {
		assert.Equal(t, d.Version, d.NewCount)
		seen[d.Version] = true
	}
	assert.Len(t, seen, voters)

	tallies, err := f.ledger.Tallies(ctx)
	require.NoError(t, err)
	require.Len(t, tallies, 1)
	assert.Equal(t, int64(voters), tallies[0].VoteCount)
}

func TestReconcilePublishesRepairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CastVote(ctx, token("alice", "P1", "s1"))
	require.NoError(t, err)

	drifts, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
	assert.Len(t, f.pub.all(), 1)

	_, err = f.db.Exec(`UPDATE project_tallies SET vote_count = 5 WHERE project_id = 'P1'`)
	require.NoError(t, err)

	drifts, err = f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Drift{{ProjectID: "P1", Stored: 5, Counted: 1}}, drifts)

	deltas := f.pub.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, int64(1), deltas[1].NewCount)
	assert.Equal(t, int64(2), deltas[1].Version)
	assert.Contains(t, f.audit.types, models.EventTallyReconciled)
}
