// Package ratelimit implements the rate limiter: a per-key token
// bucket keyed by "<identity-canonical>:<method>", with an
// in-memory backend (the default, backed by golang.org/x/time/rate) and
// an optional Redis-backed backend for sharing bucket state across
// multiple rpc-shield processes.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/quota"
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is only meaningful when Allowed is false: the
	// integer number of seconds to wait, floor 1.
	RetryAfterSeconds int
}

// Limiter maintains per-key quota buckets and decides allow/deny.
type Limiter interface {
	// Check attempts to consume one token from the bucket for key,
	// lazily instantiating it from rule on first use.
	Check(ctx context.Context, key string, rule config.LimitRule) (Decision, error)
}

// fallbackRule is used when a rule fails to parse inside the limiter;
// the substitution is logged once.
var fallbackRule = config.LimitRule{Requests: 100, Period: "1m"}

func quotaOrFallback(logger *slog.Logger, logOnce *boolOnce, rule config.LimitRule) (quota.Quota, config.LimitRule) {
	q, err := quota.Parse(rule.Requests, rule.Period)
	if err != nil {
		if logOnce.trigger() {
			logger.Warn("rate limit rule failed to parse, falling back to 100 req/min",
				"requests", rule.Requests, "period", rule.Period, "error", err)
		}
		fq, _ := quota.Parse(fallbackRule.Requests, fallbackRule.Period)
		return fq, fallbackRule
	}
	return q, rule
}

// boolOnce is a tiny race-tolerant "log this only once" latch; losing
// the race just means logging twice under contention, which is
// harmless for a one-time startup-adjacent warning.
type boolOnce struct {
	done bool
}

func (b *boolOnce) trigger() bool {
	if b.done {
		return false
	}
	b.done = true
	return true
}

// New builds the configured Limiter backend ("memory", the default, or
// "redis").
func New(cfg config.RateLimitConfig, logger *slog.Logger) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(logger), nil
	case "redis":
		return NewRedisLimiter(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.Backend)
	}
}
