package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vote-service/internal/client"
	"vote-service/internal/otp"
	"vote-service/internal/util"
)

const (
	otpSessionPrefix = "otp_session:"
	otpActivePrefix  = "otp_active:"
)

// Each session is a hash: the JSON record in "data" plus the few fields the
// scripts need to decide without decoding it.
var (
	createOrGetActive = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local current = redis.call('GET', KEYS[1])
		if current then
			local found = redis.call('HMGET', ARGV[8] .. current, 'state', 'expires_at_ms', 'data')
			if found[1] == 'pending' and tonumber(found[2]) >= now then
				return {0, found[3]}
			end
		end

		redis.call('HSET', KEYS[2], 'data', ARGV[3], 'state', ARGV[4], 'revision', ARGV[5], 'expires_at_ms', ARGV[6])
		redis.call('PEXPIRE', KEYS[2], ARGV[7])
		redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[9])
		return {1, ARGV[3]}
	`)

	compareAndSwap = redis.NewScript(`
		local rev = redis.call('HGET', KEYS[1], 'revision')
		if not rev then
			return -1
		end
		if rev ~= ARGV[1] then
			return 0
		end

		redis.call('HSET', KEYS[1], 'data', ARGV[2], 'state', ARGV[3], 'revision', ARGV[4], 'expires_at_ms', ARGV[5])
		redis.call('PEXPIRE', KEYS[1], ARGV[6])
		if ARGV[3] ~= 'pending' and redis.call('GET', KEYS[2]) == ARGV[7] then
			redis.call('DEL', KEYS[2])
		end
		return 1
	`)
)

// OTPCache is the Redis backed otp.Store. Closed sessions are dropped by key
// expiry once grace has passed, so Sweep only has to expire overdue ones.
type OTPCache struct {
	client *client.RedisClient
	grace  time.Duration
}

func NewOTPCache(client *client.RedisClient, grace time.Duration) *OTPCache {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &OTPCache{client: client, grace: grace}
}

func (c *OTPCache) CreateOrGetActive(ctx context.Context, s *otp.Session, now time.Time) (*otp.Session, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode session: %w", err)
	}

	activeTTL := max(s.ExpiresAt.Sub(now), 0) + time.Second
	result, err := c.client.RunScript(ctx, createOrGetActive,
		[]string{otpActivePrefix + activeKey(s.IdentityKey, s.ProjectID), otpSessionPrefix + s.ID},
		now.UnixMilli(),
		s.ID,
		string(data),
		string(s.State),
		s.Revision,
		s.ExpiresAt.UnixMilli(),
		c.ttl(s, now).Milliseconds(),
		otpSessionPrefix,
		activeTTL.Milliseconds(),
	)
	if err != nil {
		util.Error("Failed to create otp session",
			zap.String("session_id", s.ID),
			zap.String("project_id", s.ProjectID),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to create otp session: %w", err)
	}

	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, false, fmt.Errorf("unexpected result format from create script")
	}
	created, _ := pair[0].(int64)
	raw, _ := pair[1].(string)

	stored, err := decodeSession(raw)
	if err != nil {
		return nil, false, err
	}
	if created == 1 {
		util.Debug("OTP session stored", zap.String("session_id", s.ID), zap.Time("expires_at", s.ExpiresAt))
	}
	return stored, created == 1, nil
}

func (c *OTPCache) FindActive(ctx context.Context, identityKey, projectID string, now time.Time) (*otp.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id, err := c.client.Get(ctx, otpActivePrefix+activeKey(identityKey, projectID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, otp.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read active session: %w", err)
	}

	s, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Active(now) {
		return nil, otp.ErrSessionNotFound
	}
	return s, nil
}

func (c *OTPCache) Get(ctx context.Context, id string) (*otp.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.HGet(ctx, otpSessionPrefix+id, "data")
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, otp.ErrSessionNotFound
		}
		util.Error("Failed to get otp session", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get otp session: %w", err)
	}
	return decodeSession(raw)
}

func (c *OTPCache) Update(ctx context.Context, s *otp.Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	next := s.Clone()
	next.Revision++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	result, err := c.client.RunScript(ctx, compareAndSwap,
		[]string{otpSessionPrefix + s.ID, otpActivePrefix + activeKey(s.IdentityKey, s.ProjectID)},
		strconv.FormatInt(s.Revision, 10),
		string(data),
		string(next.State),
		strconv.FormatInt(next.Revision, 10),
		next.ExpiresAt.UnixMilli(),
		c.ttl(next, next.UpdatedAt).Milliseconds(),
		s.ID,
	)
	if err != nil {
		util.Error("Failed to update otp session", zap.String("session_id", s.ID), zap.Error(err))
		return fmt.Errorf("failed to update otp session: %w", err)
	}

	n, _ := result.(int64)
	switch n {
	case -1:
		return otp.ErrSessionNotFound
	case 0:
		return otp.ErrConflict
	}
	s.Revision = next.Revision
	return nil
}

func (c *OTPCache) Sweep(ctx context.Context, now time.Time, _ time.Duration) (otp.SweepResult, error) {
	var res otp.SweepResult

	err := c.client.Scan(ctx, otpSessionPrefix+"*", 100, func(key string) error {
		s, err := c.Get(ctx, key[len(otpSessionPrefix):])
		if errors.Is(err, otp.ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !s.Overdue(now) {
			return nil
		}
		if err := s.Expire(now); err != nil {
			return nil
		}
		switch err := c.Update(ctx, s); {
		case err == nil:
			res.Expired++
		case errors.Is(err, otp.ErrConflict), errors.Is(err, otp.ErrSessionNotFound):
		default:
			return err
		}
		return nil
	})
	if err != nil {
		util.Warn("OTP session sweep stopped early", zap.Int("expired", res.Expired), zap.Error(err))
		return res, fmt.Errorf("failed to sweep otp sessions: %w", err)
	}
	return res, nil
}

// ttl keeps a pending session until grace after its deadline and a closed one
// until grace after it closed.
func (c *OTPCache) ttl(s *otp.Session, now time.Time) time.Duration {
	until := s.ExpiresAt
	if s.State.Closed() {
		until = s.UpdatedAt
	}
	return max(until.Add(c.grace).Sub(now), time.Second)
}

func activeKey(identityKey, projectID string) string {
	return identityKey + "|" + projectID
}

func decodeSession(raw string) (*otp.Session, error) {
	var s otp.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode otp session: %w", err)
	}
	return &s, nil
}
