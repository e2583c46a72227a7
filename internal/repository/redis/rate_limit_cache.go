package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vote-service/internal/client"
	"vote-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	tempLockPrefix  = "temp_lock:"
)

// Hits live in a sorted set scored by unix milliseconds and named by the
// caller's hit id. The take script prunes, counts and adds in one step so
// concurrent callers cannot all squeeze into the last slot.
var slidingWindowTake = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local window_ms = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {0, tonumber(oldest[2])}
	end

	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, window_ms)
	return {1, 0}
`)

// RateLimitCache is the Redis backed guard.CounterStore.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) Take(ctx context.Context, key, id string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := c.client.RunScript(ctx, slidingWindowTake, []string{rateLimitPrefix + key},
		now.UnixMilli(), now.Add(-window).UnixMilli(), window.Milliseconds(), limit, id)
	if err != nil {
		util.Error("Failed to take sliding window slot",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return false, time.Time{}, fmt.Errorf("failed to take sliding window slot: %w", err)
	}

	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return false, time.Time{}, fmt.Errorf("unexpected result format from sliding window script")
	}
	taken, _ := pair[0].(int64)
	if taken == 1 {
		util.Debug("Sliding window slot taken", zap.String("key", key))
		return true, time.Time{}, nil
	}
	oldestMs, _ := pair[1].(int64)
	return false, time.UnixMilli(oldestMs), nil
}

func (c *RateLimitCache) Release(ctx context.Context, key, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.ZRem(ctx, rateLimitPrefix+key, id); err != nil {
		util.Error("Failed to release sliding window slot", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to release sliding window slot: %w", err)
	}
	return nil
}

func (c *RateLimitCache) Acquire(ctx context.Context, key string, _ time.Time, ttl time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	lockKey := tempLockPrefix + key
	success, err := c.client.SetNX(ctx, lockKey, "locked", ttl)
	if err != nil {
		util.Error("Failed to set temporary lock", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return false, 0, fmt.Errorf("failed to set temporary lock: %w", err)
	}
	if success {
		util.Debug("Temporary lock set", zap.String("key", key), zap.Duration("ttl", ttl))
		return true, 0, nil
	}

	remaining, err := c.client.PTTL(ctx, lockKey)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read lock ttl: %w", err)
	}
	if remaining < 0 {
		remaining = ttl
	}
	return false, remaining, nil
}
