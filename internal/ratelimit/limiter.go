// Package ratelimit enforces per-channel send caps over wall-clock
// aligned minute, hour, and day windows. Counters live in Redis and the
// check-and-increment is a single Lua script, so concurrent dispatch
// workers can never race a counter past its cap.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
)

// Limiter hands out send permits per channel. A permit consumes one unit
// in all three windows atomically; a permit released before the message
// reached the gateway credits all three back.
type Limiter struct {
	redis *redis.Client
	caps  config.RateLimitConfig

	acquireScript *redis.Script
	releaseScript *redis.Script

	now func() time.Time
}

// Permit is a granted send slot. It remembers the exact window keys it
// was counted against so a release after a window boundary still credits
// the right buckets.
type Permit struct {
	keys []string
}

// The script checks every window before incrementing any, and reports
// each exhausted window so the caller can compute the earliest time a
// permit becomes available again.
const acquireLua = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local minuteCap = tonumber(ARGV[1])
local hourCap = tonumber(ARGV[2])
local dayCap = tonumber(ARGV[3])

local minCur = tonumber(redis.call("GET", minuteKey) or "0")
local hrCur = tonumber(redis.call("GET", hourKey) or "0")
local dayCur = tonumber(redis.call("GET", dayKey) or "0")

local minFull = 0
local hrFull = 0
local dayFull = 0
if minuteCap > 0 and minCur + 1 > minuteCap then minFull = 1 end
if hourCap > 0 and hrCur + 1 > hourCap then hrFull = 1 end
if dayCap > 0 and dayCur + 1 > dayCap then dayFull = 1 end

if minFull + hrFull + dayFull > 0 then
    return {0, minFull, hrFull, dayFull}
end

local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end
local newHr = redis.call("INCR", hourKey)
if newHr == 1 then
    redis.call("EXPIRE", hourKey, 7200)
end
local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
    redis.call("EXPIRE", dayKey, 90000)
end

return {1, 0, 0, 0}
`

// Releases never push a counter below zero: the key may have expired
// between acquire and release.
const releaseLua = `
for i = 1, #KEYS do
    local cur = tonumber(redis.call("GET", KEYS[i]) or "0")
    if cur > 0 then
        redis.call("DECR", KEYS[i])
    end
end
return 1
`

// NewLimiter creates a limiter over the given Redis client and caps.
func NewLimiter(redisClient *redis.Client, caps config.RateLimitConfig) *Limiter {
	return &Limiter{
		redis:         redisClient,
		caps:          caps,
		acquireScript: redis.NewScript(acquireLua),
		releaseScript: redis.NewScript(releaseLua),
		now:           time.Now,
	}
}

func (l *Limiter) windowKeys(ch domain.Channel, now time.Time) []string {
	return []string{
		fmt.Sprintf("ratelimit:%s:min:%d", ch, now.Unix()/60),
		fmt.Sprintf("ratelimit:%s:hr:%d", ch, now.Unix()/3600),
		fmt.Sprintf("ratelimit:%s:day:%s", ch, now.UTC().Format("2006-01-02")),
	}
}

// Acquire attempts to take one send permit for the channel. When denied
// it returns wait: the duration until every exhausted window has rolled
// over, which is when the next attempt can succeed.
func (l *Limiter) Acquire(ctx context.Context, ch domain.Channel) (*Permit, time.Duration, error) {
	now := l.now()
	keys := l.windowKeys(ch, now)
	caps := l.caps.Caps(ch)

	result, err := l.acquireScript.Run(ctx, l.redis, keys,
		caps.PerMinute, caps.PerHour, caps.PerDay).Slice()
	if err != nil {
		return nil, 0, fmt.Errorf("rate limit check for %s: %w", ch, err)
	}

	if result[0].(int64) == 1 {
		return &Permit{keys: keys}, 0, nil
	}

	var wait time.Duration
	if result[1].(int64) == 1 {
		wait = maxDuration(wait, untilNextMinute(now))
	}
	if result[2].(int64) == 1 {
		wait = maxDuration(wait, untilNextHour(now))
	}
	if result[3].(int64) == 1 {
		wait = maxDuration(wait, untilNextUTCDay(now))
	}
	return nil, wait, nil
}

// Release credits an unused permit back to the windows it was taken
// from. Only call this when the message never reached the gateway.
func (l *Limiter) Release(ctx context.Context, p *Permit) error {
	if p == nil {
		return nil
	}
	if err := l.releaseScript.Run(ctx, l.redis, p.keys).Err(); err != nil {
		return fmt.Errorf("rate limit release: %w", err)
	}
	return nil
}

// Usage reports the current counter values and caps for a channel.
func (l *Limiter) Usage(ctx context.Context, ch domain.Channel) (map[string]int64, error) {
	keys := l.windowKeys(ch, l.now())

	pipe := l.redis.Pipeline()
	minCmd := pipe.Get(ctx, keys[0])
	hrCmd := pipe.Get(ctx, keys[1])
	dayCmd := pipe.Get(ctx, keys[2])
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("rate limit usage for %s: %w", ch, err)
	}

	minCur, _ := minCmd.Int64()
	hrCur, _ := hrCmd.Int64()
	dayCur, _ := dayCmd.Int64()

	caps := l.caps.Caps(ch)
	return map[string]int64{
		"minute_current": minCur,
		"minute_cap":     int64(caps.PerMinute),
		"hour_current":   hrCur,
		"hour_cap":       int64(caps.PerHour),
		"day_current":    dayCur,
		"day_cap":        int64(caps.PerDay),
	}, nil
}

func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

func untilNextUTCDay(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(utc)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
