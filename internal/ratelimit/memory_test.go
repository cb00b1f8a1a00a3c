package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cppnexus/rpc-shield/internal/config"
)

func TestMemoryLimiterBurst(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	rule := config.LimitRule{Requests: 5, Period: "1m"}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.Check(ctx, "ip:10.0.0.1:eth_call", rule)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d, err := limiter.Check(ctx, "ip:10.0.0.1:eth_call", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request should be denied")
	}
	if d.RetryAfterSeconds < 1 {
		t.Errorf("retry after = %d, want >= 1", d.RetryAfterSeconds)
	}
}

func TestMemoryLimiterSeparateKeys(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	rule := config.LimitRule{Requests: 1, Period: "1m"}
	ctx := context.Background()

	d1, _ := limiter.Check(ctx, "apikey:fp_aaaa:eth_call", rule)
	d2, _ := limiter.Check(ctx, "apikey:fp_bbbb:eth_call", rule)

	if !d1.Allowed || !d2.Allowed {
		t.Fatal("distinct keys must have independent buckets")
	}
}

func TestMemoryLimiterConcurrentChecksAdmitExactlyBurst(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	rule := config.LimitRule{Requests: 10, Period: "1h"}
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(ctx, "ip:10.0.0.9:eth_call", rule)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// With 10 tokens and a refill period of an hour, exactly 10 of the
	// 50 concurrent checks may pass.
	if got := allowed.Load(); got != 10 {
		t.Fatalf("allowed = %d, want exactly 10", got)
	}
}

func TestMemoryLimiterFallbackOnBadRule(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	ctx := context.Background()

	d, err := limiter.Check(ctx, "ip:10.0.0.2:eth_call", config.LimitRule{Requests: 5, Period: "bogus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("fallback rule should allow the first request")
	}
}
