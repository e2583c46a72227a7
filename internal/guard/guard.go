// Package guard caps how often an identity may ask for codes and how many
// guesses a session may make.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrRateLimited = errors.New("rate limited")

// LimitError reports which limit tripped and when the caller may retry.
type LimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit reached, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error {
	return ErrRateLimited
}

// CounterStore keeps identified hits per key. Implementations must expire a
// key no later than window after its newest hit.
type CounterStore interface {
	// Take records hit id on key only if fewer than limit hits fall inside
	// (now-window, now]. Counting and recording happen as one step. When the
	// window is full it records nothing and returns the oldest live hit.
	Take(ctx context.Context, key, id string, now time.Time, window time.Duration, limit int) (bool, time.Time, error)
	// Release drops hit id from key. Unknown ids are ignored.
	Release(ctx context.Context, key, id string) error
	// Acquire sets key for ttl unless it is already set, in which case it
	// reports the time left on the existing hold.
	Acquire(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, time.Duration, error)
}

// Slot is a hit taken from a window. A nil Slot means no limit applied.
type Slot struct {
	key string
	id  string
}

type Limits struct {
	RequestLimit   int
	RequestWindow  time.Duration
	AttemptLimit   int
	AttemptWindow  time.Duration
	ResendCooldown time.Duration
}

const (
	requestKeyPrefix = "req:"
	attemptKeyPrefix = "att:"
	resendKeyPrefix  = "resend:"
)

type AbuseGuard struct {
	store  CounterStore
	limits Limits
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*AbuseGuard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *AbuseGuard) { g.now = now }
}

func NewAbuseGuard(store CounterStore, limits Limits, logger *zap.Logger, opts ...Option) *AbuseGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &AbuseGuard{
		store:  store,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *AbuseGuard) Limits() Limits {
	return g.limits
}

// TakeRequest claims one of identity's requests for the current window. It
// returns a *LimitError when the window is already full.
func (g *AbuseGuard) TakeRequest(ctx context.Context, identity string) (*Slot, error) {
	return g.take(ctx, "request", requestKeyPrefix+identity, g.limits.RequestLimit, g.limits.RequestWindow)
}

// TakeAttempt claims one wrong guess for sessionID.
func (g *AbuseGuard) TakeAttempt(ctx context.Context, sessionID string) (*Slot, error) {
	return g.take(ctx, "attempt", attemptKeyPrefix+sessionID, g.limits.AttemptLimit, g.limits.AttemptWindow)
}

// Release hands a slot back when the work it was taken for did not happen.
func (g *AbuseGuard) Release(ctx context.Context, slot *Slot) error {
	if slot == nil {
		return nil
	}
	if err := g.store.Release(ctx, slot.key, slot.id); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// AllowResend starts the resend cooldown for sessionID. When a cooldown is
// already running it returns false and the time left on it.
func (g *AbuseGuard) AllowResend(ctx context.Context, sessionID string) (bool, time.Duration, error) {
	if g.limits.ResendCooldown <= 0 {
		return true, 0, nil
	}
	ok, remaining, err := g.store.Acquire(ctx, resendKeyPrefix+sessionID, g.now(), g.limits.ResendCooldown)
	if err != nil {
		return false, 0, fmt.Errorf("resend cooldown: %w", err)
	}
	return ok, remaining, nil
}

func (g *AbuseGuard) take(ctx context.Context, scope, key string, limit int, window time.Duration) (*Slot, error) {
	if limit <= 0 || window <= 0 {
		return nil, nil
	}
	now := g.now()
	slot := &Slot{key: key, id: uuid.NewString()}
	ok, oldest, err := g.store.Take(ctx, key, slot.id, now, window, limit)
	if err != nil {
		return nil, fmt.Errorf("%s limit: %w", scope, err)
	}
	if ok {
		return slot, nil
	}

	retryAfter := oldest.Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	g.logger.Debug("limit reached",
		zap.String("scope", scope),
		zap.Int("limit", limit),
		zap.Duration("retry_after", retryAfter))
	return nil, &LimitError{Scope: scope, RetryAfter: retryAfter}
}

type purger interface {
	Purge(now time.Time, maxWindow time.Duration) int
}

// Purge reclaims idle keys when the store cannot expire them itself.
func (g *AbuseGuard) Purge() int {
	p, ok := g.store.(purger)
	if !ok {
		return 0
	}
	window := max(g.limits.RequestWindow, g.limits.AttemptWindow, g.limits.ResendCooldown)
	return p.Purge(g.now(), window)
}
