// Package ratelimit implements gateway-wide and per-virtual-key rate limiting
// using Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	globalKey     = "gproxy:ratelimit:rpm"
	perKeyKeyBase = "gproxy:ratelimit:vk:"
)

// RPMLimiter checks requests-per-minute limits using Redis sliding windows:
// one gateway-wide window plus one window per virtual key.
type RPMLimiter struct {
	rdb         *redis.Client
	globalLimit int
	perKeyLimit int
}

// NewRPMLimiter creates an RPMLimiter. A limit of 0 disables that window.
func NewRPMLimiter(rdb *redis.Client, globalLimit, perKeyLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, globalLimit: globalLimit, perKeyLimit: perKeyLimit}
}

// Allow returns true if the request fits both the global window and, for
// virtualKeyID > 0, the per-key window.
func (r *RPMLimiter) Allow(ctx context.Context, virtualKeyID int64) (bool, error) {
	if r.globalLimit > 0 {
		ok, err := r.check(ctx, globalKey, r.globalLimit)
		if err != nil || !ok {
			return ok, err
		}
	}
	if r.perKeyLimit > 0 && virtualKeyID > 0 {
		return r.check(ctx, perKeyKeyBase+strconv.FormatInt(virtualKeyID, 10), r.perKeyLimit)
	}
	return true, nil
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
