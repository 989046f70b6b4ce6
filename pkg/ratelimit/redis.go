package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// One INCR plus conditional PEXPIRE keeps the window atomic across processes.
var callWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares call-start windows across instances. On Redis failure it
// degrades to the in-process limiter rather than refusing calls.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Limit    int
	Prefix   string
	Fallback *MemoryLimiter
	Timeout  time.Duration
}

func NewRedis(client *redis.Client, limit int, windowSize time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   windowSize,
		Limit:    limit,
		Prefix:   "callrl:",
		Fallback: NewMemory(limit, windowSize),
		Timeout:  2 * time.Second,
	}
}

func (l *RedisLimiter) AllowCall(phone string) Verdict {
	if l.Client == nil {
		return l.fallback(phone)
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()

	res, err := callWindowScript.Run(ctx, l.Client, []string{l.Prefix + phone}, l.Window.Milliseconds()).Result()
	if err != nil {
		log.Printf("rate limit script failed, using local window: %v", err)
		return l.fallback(phone)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(phone)
	}
	attempts, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}

	v := Verdict{
		Allowed:  int(attempts) <= l.Limit,
		Attempts: int(attempts),
		Limit:    l.Limit,
	}
	if !v.Allowed {
		v.RetryAfter = time.Duration(ttlMs) * time.Millisecond
	}
	return v
}

func (l *RedisLimiter) fallback(phone string) Verdict {
	if l.Fallback != nil {
		return l.Fallback.AllowCall(phone)
	}
	return Verdict{Allowed: true, Limit: l.Limit}
}
