package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vote-service/internal/client"
	"vote-service/internal/hashing"
	"vote-service/internal/otp"
	"vote-service/internal/util"
)

func TestMain(m *testing.M) {
	util.Replace(zap.NewNop())
	os.Exit(m.Run())
}

func newTestClient(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.WrapRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func pendingSession(id string, now time.Time) *otp.Session {
	return &otp.Session{
		ID:          id,
		IdentityKey: "ident",
		ProjectID:   "P1",
		CodeHash:    hashing.HashResult{Hash: "h", Salt: "s", PepperVersion: 1, Algorithm: "argon2id-v1"},
		Channel:     otp.ChannelSMS,
		State:       otp.StatePending,
		AttemptsMax: 3,
		SendCount:   1,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
		LastSentAt:  now,
		UpdatedAt:   now,
	}
}

func TestOTPCacheCreateOrGetActive(t *testing.T) {
	_, rc := newTestClient(t)
	store := NewOTPCache(rc, time.Minute)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	first, created, err := store.CreateOrGetActive(ctx, pendingSession("s1", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s1", first.ID)

	second, created, err := store.CreateOrGetActive(ctx, pendingSession("s2", now), now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s1", second.ID)

	_, err = store.Get(ctx, "s2")
	assert.ErrorIs(t, err, otp.ErrSessionNotFound)

	found, err := store.FindActive(ctx, "ident", "P1", now)
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)
	assert.True(t, found.ExpiresAt.Equal(first.ExpiresAt))

	// past the deadline the pair is free again
	later := now.Add(6 * time.Minute)
	_, err = store.FindActive(ctx, "ident", "P1", later)
	assert.ErrorIs(t, err, otp.ErrSessionNotFound)

	third, created, err := store.CreateOrGetActive(ctx, pendingSession("s3", later), later)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s3", third.ID)
}

func TestOTPCacheUpdateIsCompareAndSwap(t *testing.T) {
	_, rc := newTestClient(t)
	store := NewOTPCache(rc, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, _, err := store.CreateOrGetActive(ctx, pendingSession("s1", now), now)
	require.NoError(t, err)

	a, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	b, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	_, err = a.RecordMismatch(now)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, int64(1), a.Revision)

	require.NoError(t, b.Verify(now))
	assert.ErrorIs(t, store.Update(ctx, b), otp.ErrConflict)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptsUsed)
	assert.Equal(t, otp.StatePending, got.State)

	assert.ErrorIs(t, store.Update(ctx, pendingSession("missing", now)), otp.ErrSessionNotFound)
}

func TestOTPCacheClosingReleasesPair(t *testing.T) {
	mr, rc := newTestClient(t)
	store := NewOTPCache(rc, time.Minute)
	ctx := context.Background()
	now := time.Now()

	s, _, err := store.CreateOrGetActive(ctx, pendingSession("s1", now), now)
	require.NoError(t, err)
	require.NoError(t, s.Verify(now))
	require.NoError(t, store.Update(ctx, s))

	assert.False(t, mr.Exists(otpActivePrefix+activeKey("ident", "P1")))
	_, err = store.FindActive(ctx, "ident", "P1", now)
	assert.ErrorIs(t, err, otp.ErrSessionNotFound)

	// closed sessions stay readable for the grace period only
	assert.Equal(t, time.Minute, mr.TTL(otpSessionPrefix+"s1"))
	mr.FastForward(time.Minute + time.Second)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, otp.ErrSessionNotFound)
}

func TestOTPCacheSweepExpiresOverdue(t *testing.T) {
	_, rc := newTestClient(t)
	store := NewOTPCache(rc, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, _, err := store.CreateOrGetActive(ctx, pendingSession("s1", now), now)
	require.NoError(t, err)

	res, err := store.Sweep(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	res, err = store.Sweep(ctx, now.Add(6*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, otp.StateExpired, got.State)
}
