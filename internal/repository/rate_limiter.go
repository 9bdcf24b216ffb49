package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims hits older than the window, then admits the new
// hit only if the window still has room. It returns {allowed, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

type redisRateLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimiter stores one sorted set per key under prefix.
func NewRedisRateLimiter(client *redis.Client, prefix string) RateLimiter {
	return &redisRateLimiter{client: client, prefix: prefix}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		nowMs, window.Milliseconds(), limit, fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limiter reply %v", res)
	}

	if res[0] == 1 {
		return true, 0, nil
	}

	retryAfter := time.Duration(res[1]+window.Milliseconds()-nowMs) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}
