package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps the queries an owner may dispatch per clock hour.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
}

func NewRateLimiter(rdb *redis.Client, prefix string, limit int64) *RateLimiter {
	if prefix == "" {
		prefix = "parley"
	}
	return &RateLimiter{redis: rdb, prefix: prefix, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, owner string, now time.Time) (bool, error) {
	allowed, _, _, err := r.Check(ctx, owner, now)
	return allowed, err
}

// Check counts one query for owner and reports the window usage.
func (r *RateLimiter) Check(ctx context.Context, owner string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:ratelimit:%s:%s", r.prefix, owner, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}
