package signing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether a tenant may sign one more hash.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// MemoryLimiter keeps one token bucket per tenant in this process.
type MemoryLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewMemoryLimiter allows perHour signatures per tenant with the given burst.
func NewMemoryLimiter(perHour, burst int) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MemoryLimiter{
		limit:    rate.Limit(float64(perHour) / time.Hour.Seconds()),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, tenantID string) (bool, error) {
	m.mu.Lock()
	l, ok := m.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[tenantID] = l
	}
	m.mu.Unlock()
	return l.Allow(), nil
}

// tokenBucketScript refills and consumes atomically.
// KEYS[1] bucket key, ARGV: rate (tokens/s), capacity, cost, now (s), ttl (s).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

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
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares per-tenant buckets across worker processes.
type RedisLimiter struct {
	client  redis.UniversalClient
	perHour int
	burst   int
	prefix  string
	clock   func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, perHour, burst int) *RedisLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{client: client, perHour: perHour, burst: burst, prefix: "xase:sign_limit:", clock: time.Now}
}

func (r *RedisLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	ratePerSec := float64(r.perHour) / time.Hour.Seconds()
	if ratePerSec <= 0 {
		ratePerSec = 1.0 / time.Hour.Seconds()
	}
	// keep the key long enough for the bucket to refill completely
	ttl := int(float64(r.burst)/ratePerSec) + 60
	now := float64(r.clock().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + tenantID},
		ratePerSec, r.burst, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("signing: redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("signing: redis limiter: unexpected reply %v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
