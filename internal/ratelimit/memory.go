package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cppnexus/rpc-shield/internal/config"
)

// memoryLimiter is the in-memory, single-process Rate Limiter backend.
// Buckets are created lazily on first use of a key and live for the
// process. Map insertion is guarded by a mutex
// (single-writer); each golang.org/x/time/rate.Limiter is safe for
// concurrent use on its own once obtained, so lookups that hit an
// existing bucket never block on each other.
type memoryLimiter struct {
	logger *slog.Logger

	mu      sync.RWMutex
	buckets map[string]*rate.Limiter

	fallbackLogged boolOnce
}

// NewMemoryLimiter builds the default in-memory Limiter backend.
func NewMemoryLimiter(logger *slog.Logger) Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &memoryLimiter{
		logger:  logger,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Check implements Limiter.
func (m *memoryLimiter) Check(_ context.Context, key string, rule config.LimitRule) (Decision, error) {
	limiter := m.bucketFor(key, rule)

	reservation := limiter.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		// Should not happen: burst is always >= 1 by construction.
		return Decision{Allowed: false, RetryAfterSeconds: 1}, nil
	}

	delay := reservation.Delay()
	if delay <= 0 {
		return Decision{Allowed: true}, nil
	}

	// The token wasn't actually available yet; undo the reservation so
	// it doesn't eat into future capacity, and report denial with the
	// wait time rounded up, floor 1 second.
	reservation.Cancel()
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
}

func (m *memoryLimiter) bucketFor(key string, rule config.LimitRule) *rate.Limiter {
	m.mu.RLock()
	b, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	q, _ := quotaOrFallback(m.logger, &m.fallbackLogged, rule)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock: another goroutine may have
	// inserted the bucket between the RUnlock above and this Lock.
	if b, ok := m.buckets[key]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(q.Rate), q.Burst)
	m.buckets[key] = b
	return b
}
