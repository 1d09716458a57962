package middleware

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key fits the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one token bucket per key in process.
type MemoryLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
	ttl      time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(perMinute float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Cleanup drops buckets idle for longer than the ttl.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.ttl)
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// tokenBucketScript runs the bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)

return {allowed, math.floor(tokens)}
`)

// RedisLimiter shares token buckets across instances.
type RedisLimiter struct {
	client    *redis.Client
	perSecond float64
	burst     int
	prefix    string
}

func NewRedisLimiter(client *redis.Client, perMinute float64, burst int) *RedisLimiter {
	perSecond := perMinute / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	return &RedisLimiter{client: client, perSecond: perSecond, burst: burst, prefix: "signbounty:ratelimit:"}
}

// NewRedisLimiterFromURL parses a redis:// URL.
func NewRedisLimiterFromURL(url string, perMinute float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), perMinute, burst), nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.perSecond, l.burst, now).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	return res[0] == 1, nil
}

// RateLimit rejects requests over budget with 429. The key defaults to the
// client IP. Limiter errors fail open.
func RateLimit(l Limiter, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = func(c *fiber.Ctx) string { return c.IP() }
	}
	return func(c *fiber.Ctx) error {
		key := keyFn(c)
		ok, err := l.Allow(c.UserContext(), key)
		if err != nil {
			log.Printf("⚠️ [RATE_LIMIT] limiter unavailable, allowing %s: %v", key, err)
			return c.Next()
		}
		if !ok {
			log.Printf("🚫 [RATE_LIMIT] %s over budget on %s", key, c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many reports, try again shortly",
			})
		}
		return c.Next()
	}
}
