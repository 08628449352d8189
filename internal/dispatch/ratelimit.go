package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

// Limiter gates outbound sends. Acquire reports whether n sends may go
// now and, if not, how long to wait before asking again.
type Limiter interface {
	Acquire(ctx context.Context, n int) (allowed bool, wait time.Duration, err error)
}

// Lua keeps the check-then-increment atomic across dispatch workers and
// processes; a plain GET/INCR pair would double-count under contention.
const sendLimitScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secondLimit > 0 and secCurrent + increment > secondLimit then
    return {0, 1}
end
if minuteLimit > 0 and minCurrent + increment > minuteLimit then
    return {0, 2}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, 2)
end
local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end

return {1, 0}
`

// RedisLimiter enforces per-second and per-minute send caps with
// time-bucketed Redis counters shared by every worker process.
type RedisLimiter struct {
	client    *redis.Client
	script    *redis.Script
	name      string
	perSecond int
	perMinute int
}

// NewRedisLimiter creates a limiter. name namespaces the counters so the
// primary and fallback transports meter independently.
func NewRedisLimiter(client *redis.Client, name string, perSecond, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		script:    redis.NewScript(sendLimitScript),
		name:      name,
		perSecond: perSecond,
		perMinute: perMinute,
	}
}

// Acquire atomically reserves n sends against both windows. Redis being
// unreachable fails open: a burst of unmetered sends beats a stalled
// queue.
func (l *RedisLimiter) Acquire(ctx context.Context, n int) (bool, time.Duration, error) {
	now := time.Now()
	secondKey := fmt.Sprintf("sendlimit:%s:sec:%d", l.name, now.Unix())
	minuteKey := fmt.Sprintf("sendlimit:%s:min:%d", l.name, now.Unix()/60)

	result, err := l.script.Run(ctx, l.client,
		[]string{secondKey, minuteKey},
		n, l.perSecond, l.perMinute,
	).Slice()
	if err != nil {
		logger.Warn("rate limiter unavailable, allowing send", "error", err.Error())
		return true, 0, nil
	}

	allowed := result[0].(int64) == 1
	if allowed {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1:
		return false, time.Second, nil
	default:
		return false, time.Duration(60-now.Second()) * time.Second, nil
	}
}

// WaitAcquire blocks until the limiter admits n sends or the context ends.
func WaitAcquire(ctx context.Context, l Limiter, n int) error {
	for {
		allowed, wait, err := l.Acquire(ctx, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
