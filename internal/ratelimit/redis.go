package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/cppnexus/rpc-shield/internal/config"
)

// redisLimiter is the optional distributed rate limiter backend,
// sharing bucket state across every rpc-shield process pointed at the
// same Redis instance. It implements the identical token-bucket
// contract as memoryLimiter via a single atomic Lua script per check.
type redisLimiter struct {
	rdb    *redis.Client
	logger *slog.Logger

	fallbackLogged boolOnce
}

// NewRedisLimiter connects to the configured Redis instance.
func NewRedisLimiter(cfg config.RedisConfig, logger *slog.Logger) (Limiter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("rate_limits.redis.addr is required for the redis backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisLimiter{rdb: client, logger: logger}, nil
}

// luaCheckAndConsume implements a token bucket atomically: refill by
// elapsed time since the last touch, then attempt to consume one token.
// KEYS[1] is the bucket hash (fields "tokens", "ts"). ARGV: rate
// (tokens/sec), burst (capacity), now (unix seconds, float).
var luaCheckAndConsume = redis.NewScript(`
local key = KEYS[1]
local rateps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local ts = tonumber(redis.call('HGET', key, 'ts'))
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(burst, tokens + elapsed * rateps)
  ts = now
end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  if rateps > 0 then
    retry_after = math.ceil((1 - tokens) / rateps)
  else
    retry_after = 1
  end
  if retry_after < 1 then retry_after = 1 end
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('EXPIRE', key, 3600)

return {allowed, retry_after}
`)

// Check implements Limiter.
func (r *redisLimiter) Check(ctx context.Context, key string, rule config.LimitRule) (Decision, error) {
	q, _ := quotaOrFallback(r.logger, &r.fallbackLogged, rule)

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := luaCheckAndConsume.Run(ctx, r.rdb, []string{"rl:" + key}, q.Rate, q.Burst, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit check failed: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Decision{}, fmt.Errorf("unexpected redis script result: %v", res)
	}

	allowed := toInt64(arr[0]) == 1
	retryAfter := int(math.Max(1, float64(toInt64(arr[1]))))

	if allowed {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
