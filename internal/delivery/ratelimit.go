package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendRateLimiter caps outbound delivery calls per second across every
// worker process, using an atomic Redis Lua check-and-increment. A plain
// GET then INCR would race between workers and overshoot the cap.
type SendRateLimiter struct {
	redis       *redis.Client
	limitScript *redis.Script
	perSecond   int
	now         func() time.Time
}

// Lua script: check the per-second counter against the limit and only
// increment when the call still fits. The key is bucketed on the unix
// second, so expired buckets age out on their own.
const sendLimitLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewSendRateLimiter wraps an existing Redis client.
func NewSendRateLimiter(client *redis.Client, perSecond int) *SendRateLimiter {
	if perSecond <= 0 {
		perSecond = 50
	}
	return &SendRateLimiter{
		redis:       client,
		limitScript: redis.NewScript(sendLimitLuaScript),
		perSecond:   perSecond,
		now:         time.Now,
	}
}

// NewSendRateLimiterFromURL connects to Redis and verifies the connection.
func NewSendRateLimiterFromURL(redisURL string, perSecond int) (*SendRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[SendRateLimiter] Connected to Redis at %s", opts.Addr)

	return NewSendRateLimiter(client, perSecond), nil
}

// Allow atomically claims one slot in the current second's bucket.
func (r *SendRateLimiter) Allow(ctx context.Context) (bool, error) {
	key := fmt.Sprintf("greetings:send_rate:%d", r.now().Unix())

	result, err := r.limitScript.Run(ctx, r.redis,
		[]string{key},
		1,
		r.perSecond,
		2, // TTL: the bucket only matters for its own second
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return result[0].(int64) == 1, nil
}

// Wait blocks until a send slot is available or the context ends. When
// Redis itself is failing the limiter degrades open so a cache outage
// cannot stall greeting delivery.
func (r *SendRateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, err := r.Allow(ctx)
		if err != nil {
			log.Printf("[SendRateLimiter] check error, allowing send: %v", err)
			return nil
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Close releases the Redis connection.
func (r *SendRateLimiter) Close() error {
	return r.redis.Close()
}
