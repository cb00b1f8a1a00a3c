package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecordIncrementsRequestsTotal(t *testing.T) {
	sink := New(nil)

	sink.Record(Allowed, 5*time.Millisecond)
	sink.Record(RateLimited, 2*time.Millisecond)
	sink.Record(Blocked, time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	sink.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "rpc_shield_requests_total 3") {
		t.Errorf("expected requests_total to be 3, body:\n%s", body)
	}
	if !strings.Contains(body, "rpc_shield_requests_allowed_total 1") {
		t.Errorf("expected allowed_total to be 1, body:\n%s", body)
	}
}

func TestOutcomeCountersSumToTotalUnderConcurrentLoad(t *testing.T) {
	sink := New(nil)
	outcomes := []Outcome{Allowed, RateLimited, Blocked, AuthFailed, UpstreamFail, InternalFail}

	var wg sync.WaitGroup
	for _, o := range outcomes {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(o Outcome) {
				defer wg.Done()
				sink.Record(o, time.Millisecond)
			}(o)
		}
	}
	wg.Wait()

	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "rpc_shield_requests_total 150") {
		t.Errorf("expected requests_total to be 150, body:\n%s", body)
	}
	for _, name := range []string{
		"rpc_shield_requests_allowed_total 25",
		"rpc_shield_requests_rate_limited_total 25",
		"rpc_shield_requests_blocked_total 25",
		"rpc_shield_requests_auth_failed_total 25",
		"rpc_shield_requests_upstream_fail_total 25",
		"rpc_shield_requests_internal_fail_total 25",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in scrape body:\n%s", name, body)
		}
	}
}
