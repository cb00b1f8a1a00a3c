package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cppnexus/rpc-shield/internal/blocklist"
	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/credentials"
	"github.com/cppnexus/rpc-shield/internal/forwarder"
	"github.com/cppnexus/rpc-shield/internal/jsonrpc"
	"github.com/cppnexus/rpc-shield/internal/metrics"
	"github.com/cppnexus/rpc-shield/internal/policy"
	"github.com/cppnexus/rpc-shield/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id,omitempty"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"result":  "0x1",
			"id":      json.RawMessage(req.ID),
		})
	}))
}

func newTestPipeline(t *testing.T, cfg *config.Config, upstreamURL string) *Pipeline {
	t.Helper()
	cfg.RPCBackend.URL = upstreamURL
	cfg.RPCBackend.TimeoutSeconds = 2

	bl := blocklist.Load(cfg.Blocklist.IPs, testLogger())
	credStore := credentials.NewMemoryStore(cfg.APIKeys)
	pol := policy.New(cfg.RateLimits, cfg.APIKeyTiers)
	limiter, err := ratelimit.New(cfg.RateLimits, testLogger())
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	fwd := forwarder.New(cfg.RPCBackend.URL, 2*time.Second)
	sink := metrics.New(nil)

	return New(bl, credStore, pol, limiter, fwd, sink, testLogger(), nil)
}

// IP identities fall back to the default limit.
func TestScenarioIPFallbackUnderDefaultLimit(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.RateLimits.DefaultIPLimit = config.LimitRule{Requests: 2, Period: "1s"}
	p := newTestPipeline(t, cfg, upstream.URL)

	req := requestFor("eth_blockNumber", `1`)
	for i := 0; i < 2; i++ {
		res := p.Process(context.Background(), "10.0.0.1", http.Header{}, req)
		if res.HTTPStatus != 200 {
			t.Fatalf("request %d: status = %d, want 200", i+1, res.HTTPStatus)
		}
	}

	res := p.Process(context.Background(), "10.0.0.1", http.Header{}, req)
	if res.HTTPStatus != 429 {
		t.Fatalf("3rd request: status = %d, want 429", res.HTTPStatus)
	}
	if res.Response.Error == nil || res.Response.Error.Code != -32005 {
		t.Fatalf("expected error code -32005, got %+v", res.Response.Error)
	}
	if res.RetryAfter < 1 {
		t.Errorf("retry after = %d, want >= 1", res.RetryAfter)
	}
}

// A non-Bearer Authorization header is an invalid scheme.
func TestScenarioInvalidScheme(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	p := newTestPipeline(t, cfg, upstream.URL)

	h := http.Header{}
	h.Set("Authorization", "Basic xyz")

	res := p.Process(context.Background(), "10.0.0.2", h, requestFor("eth_call", `2`))
	if res.HTTPStatus != 401 {
		t.Fatalf("status = %d, want 401", res.HTTPStatus)
	}
	if res.Response.Error == nil || res.Response.Error.Code != -32000 {
		t.Fatalf("expected error code -32000, got %+v", res.Response.Error)
	}
	if res.Response.Error.Message != "Invalid authorization scheme" {
		t.Errorf("message = %q", res.Response.Error.Message)
	}
	if res.Outcome != metrics.AuthFailed {
		t.Errorf("outcome = %v, want AuthFailed", res.Outcome)
	}
}

// A blocked IP beats a valid credential; no token is consumed.
func TestScenarioBlockedIPBeatsCredential(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.Blocklist.IPs = []string{"1.2.3.4"}
	cfg.APIKeys = map[string]config.ApiKeyConfig{
		"k": {Tier: config.TierFree, Enabled: true, Limits: map[string]config.LimitRule{"eth_call": {Requests: 1, Period: "1m"}}},
	}
	p := newTestPipeline(t, cfg, upstream.URL)

	h := http.Header{}
	h.Set("Authorization", "Bearer k")

	res := p.Process(context.Background(), "1.2.3.4", h, requestFor("eth_call", `3`))
	if res.HTTPStatus != 403 {
		t.Fatalf("status = %d, want 403", res.HTTPStatus)
	}
	if res.Response.Error == nil || res.Response.Error.Code != -32001 {
		t.Fatalf("expected error code -32001, got %+v", res.Response.Error)
	}

	// The token for key k must still be unconsumed: a subsequent call
	// from a non-blocked peer with the same key must succeed.
	res2 := p.Process(context.Background(), "9.9.9.9", h, requestFor("eth_call", `4`))
	if res2.HTTPStatus != 200 {
		t.Fatalf("follow-up request status = %d, want 200 (token should not have been consumed)", res2.HTTPStatus)
	}
}

// Tier rules override the looser per-method defaults.
func TestScenarioTierOverridePrecedence(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.RateLimits.MethodLimits = map[string]config.LimitRule{
		"eth_call": {Requests: 100, Period: "1s"},
	}
	cfg.APIKeyTiers = map[config.SubscriptionTier]map[string]config.LimitRule{
		config.TierPro: {"eth_call": {Requests: 1, Period: "1m"}},
	}
	cfg.APIKeys = map[string]config.ApiKeyConfig{
		"k": {Tier: config.TierPro, Enabled: true, Limits: map[string]config.LimitRule{}},
	}
	p := newTestPipeline(t, cfg, upstream.URL)

	h := http.Header{}
	h.Set("Authorization", "Bearer k")

	res1 := p.Process(context.Background(), "10.0.0.3", h, requestFor("eth_call", `5`))
	if res1.HTTPStatus != 200 {
		t.Fatalf("first call status = %d, want 200", res1.HTTPStatus)
	}

	res2 := p.Process(context.Background(), "10.0.0.3", h, requestFor("eth_call", `6`))
	if res2.HTTPStatus != 429 {
		t.Fatalf("second call status = %d, want 429 (tier rule should govern, not the looser method default)", res2.HTTPStatus)
	}
}

// An upstream failure still consumes the rate-limit token.
func TestScenarioUpstreamFailureStillConsumesToken(t *testing.T) {
	failingUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failingUpstream.Close()

	cfg := config.GetDefaultConfig()
	cfg.RateLimits.DefaultIPLimit = config.LimitRule{Requests: 1, Period: "1m"}
	p := newTestPipeline(t, cfg, failingUpstream.URL)

	res := p.Process(context.Background(), "10.0.0.4", http.Header{}, requestFor("eth_call", `7`))
	if res.HTTPStatus != 502 {
		t.Fatalf("status = %d, want 502", res.HTTPStatus)
	}
	if res.Response.Error == nil || res.Response.Error.Code != -32007 {
		t.Fatalf("expected error code -32007, got %+v", res.Response.Error)
	}
	if res.Outcome != metrics.UpstreamFail {
		t.Errorf("outcome = %v, want UpstreamFail", res.Outcome)
	}

	res2 := p.Process(context.Background(), "10.0.0.4", http.Header{}, requestFor("eth_call", `8`))
	if res2.HTTPStatus != 429 {
		t.Fatalf("follow-up status = %d, want 429 (token should have been consumed by the failed call)", res2.HTTPStatus)
	}
}

func requestFor(method, id string) jsonrpc.Request {
	return jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  method,
		ID:      json.RawMessage(id),
	}
}
