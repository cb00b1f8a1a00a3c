// Package pipeline implements the admission pipeline: the fixed-order
// chain of blocklist, identity, credential, policy, rate limit, and
// upstream-forward checks that together decide the fate of one inbound
// JSON-RPC call.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hbollon/go-edlib"

	"github.com/cppnexus/rpc-shield/internal/blocklist"
	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/credentials"
	"github.com/cppnexus/rpc-shield/internal/forwarder"
	"github.com/cppnexus/rpc-shield/internal/identity"
	"github.com/cppnexus/rpc-shield/internal/jsonrpc"
	"github.com/cppnexus/rpc-shield/internal/metrics"
	"github.com/cppnexus/rpc-shield/internal/policy"
	"github.com/cppnexus/rpc-shield/internal/ratelimit"
)

// Result is what the HTTP layer needs to write a response.
type Result struct {
	HTTPStatus int
	Response   jsonrpc.Response
	RetryAfter int // seconds; 0 unless Outcome == metrics.RateLimited
	Outcome    metrics.Outcome
}

// Pipeline wires together the components loaded once at startup.
type Pipeline struct {
	Blocklist   *blocklist.Set
	Credentials credentials.Store
	Policy      *policy.Resolver
	Limiter     ratelimit.Limiter
	Forwarder   *forwarder.Forwarder
	Metrics     *metrics.Sink
	Logger      *slog.Logger

	// knownMethods feeds the fuzzy method-name suggestion enrichment;
	// it is not consulted for admission decisions, only for the log
	// line emitted on an upstream method-not-found error.
	knownMethods []string
}

// New builds a Pipeline. knownMethods should list every method named in
// rate_limits.method_limits and api_key_tiers, used only to suggest a
// likely intended method name when the upstream rejects one as unknown.
func New(bl *blocklist.Set, cred credentials.Store, pol *policy.Resolver, limiter ratelimit.Limiter, fwd *forwarder.Forwarder, sink *metrics.Sink, logger *slog.Logger, knownMethods []string) *Pipeline {
	return &Pipeline{
		Blocklist:    bl,
		Credentials:  cred,
		Policy:       pol,
		Limiter:      limiter,
		Forwarder:    fwd,
		Metrics:      sink,
		Logger:       logger,
		knownMethods: knownMethods,
	}
}

// Process runs the fixed-order admission chain for one inbound request
// and records exactly one outcome and one duration observation.
func (p *Pipeline) Process(ctx context.Context, peerIP string, headers http.Header, req jsonrpc.Request) Result {
	start := time.Now()
	result := p.process(ctx, peerIP, headers, req)
	p.Metrics.Record(result.Outcome, time.Since(start))
	return result
}

func (p *Pipeline) process(ctx context.Context, peerIP string, headers http.Header, req jsonrpc.Request) Result {
	// Step 1: Blocklist. A blocked peer never reaches identity
	// resolution.
	if p.Blocklist.Contains(peerIP) {
		p.Logger.Warn("blocked request", "peer", peerIP, "method", req.Method)
		return Result{
			HTTPStatus: 403,
			Response:   jsonrpc.BlockedResponse(req.ID),
			Outcome:    metrics.Blocked,
		}
	}

	// Step 2: Identity resolution.
	id, err := identity.Resolve(headers, peerIP)
	if err != nil {
		p.Logger.Warn("invalid authorization scheme", "peer", peerIP)
		return Result{
			HTTPStatus: 401,
			Response:   jsonrpc.InvalidSchemeResponse(req.ID),
			Outcome:    metrics.AuthFailed,
		}
	}

	// Step 3: Credential validation (ApiKey identities only).
	var keyRecord credentials.Record
	var hasKeyRecord bool
	if id.Kind == identity.KindApiKey {
		keyRecord, hasKeyRecord = p.Credentials.Lookup(id.RawKey)
		if !hasKeyRecord {
			p.Logger.Warn("invalid or disabled api key", "fingerprint", id.Fingerprint)
			return Result{
				HTTPStatus: 401,
				Response:   jsonrpc.InvalidKeyResponse(req.ID),
				Outcome:    metrics.AuthFailed,
			}
		}
	}

	// Step 4: Policy resolution (always succeeds).
	rule := p.Policy.Resolve(id, req.Method, keyRecord, hasKeyRecord)

	// Step 5: Rate limit check.
	bucketKey := id.Canonical() + ":" + req.Method
	decision, err := p.Limiter.Check(ctx, bucketKey, rule)
	if err != nil {
		p.Logger.Error("rate limiter fault", "error", err)
		return Result{
			HTTPStatus: 500,
			Response:   jsonrpc.InternalErrorResponse(req.ID),
			Outcome:    metrics.InternalFail,
		}
	}
	if !decision.Allowed {
		p.Logger.Warn("rate limit exceeded", "identity", id.Canonical(), "method", req.Method)
		return Result{
			HTTPStatus: 429,
			Response:   jsonrpc.RateLimitedResponse(req.ID),
			RetryAfter: decision.RetryAfterSeconds,
			Outcome:    metrics.RateLimited,
		}
	}

	// Step 6: Upstream forward.
	resp, err := p.Forwarder.Forward(ctx, req)
	if err != nil {
		p.Logger.Error("upstream forward failed", "method", req.Method, "error", err)
		return Result{
			HTTPStatus: 502,
			Response:   jsonrpc.UpstreamErrorResponse(req.ID),
			Outcome:    metrics.UpstreamFail,
		}
	}

	// The backend rejecting the method is still a forwarded reply, but
	// it's worth a hint in the log when the name looks like a typo.
	if resp.Error != nil && resp.Error.Code == jsonrpc.CodeMethodNotFound {
		p.suggestMethod(req.Method)
	}

	return Result{
		HTTPStatus: 200,
		Response:   resp,
		Outcome:    metrics.Allowed,
	}
}

// suggestMethod logs a likely intended method name via edit-distance
// matching against the methods the policy tables know about. This is a
// log-line enrichment only; it never changes wire behavior.
func (p *Pipeline) suggestMethod(method string) {
	if len(p.knownMethods) == 0 {
		return
	}
	match, err := edlib.FuzzySearchThreshold(method, p.knownMethods, 0.7, edlib.Levenshtein)
	if err != nil || match == "" {
		return
	}
	p.Logger.Warn("method may be a typo of a known method", "method", method, "suggestion", match)
}

// KnownMethodsFrom collects every method name referenced in rate_limits
// and api_key_tiers, for use as the fuzzy-suggestion candidate set.
func KnownMethodsFrom(rl config.RateLimitConfig, tiers map[config.SubscriptionTier]map[string]config.LimitRule) []string {
	seen := map[string]struct{}{}
	for m := range rl.MethodLimits {
		seen[m] = struct{}{}
	}
	for _, methods := range tiers {
		for m := range methods {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	return out
}
