package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/credentials"
	"github.com/cppnexus/rpc-shield/internal/identity"
)

func TestResolvePrecedence(t *testing.T) {
	rateLimits := config.RateLimitConfig{
		DefaultIPLimit: config.LimitRule{Requests: 10, Period: "1s"},
		MethodLimits: map[string]config.LimitRule{
			"eth_call": {Requests: 100, Period: "1s"},
		},
	}
	tiers := map[config.SubscriptionTier]map[string]config.LimitRule{
		config.TierPro: {
			"eth_call": {Requests: 1, Period: "1m"},
		},
	}
	r := New(rateLimits, tiers)

	ipIdentity := identity.Identity{Kind: identity.KindIPAddress, IP: "1.2.3.4"}
	rule := r.Resolve(ipIdentity, "eth_call", credentials.Record{}, false)
	assert.Equal(t, uint32(100), rule.Requests, "IP identity falls to method_limits")

	rule = r.Resolve(ipIdentity, "unconfigured_method", credentials.Record{}, false)
	assert.Equal(t, rateLimits.DefaultIPLimit, rule, "unconfigured method falls to default_ip_limit")

	apiIdentity := identity.Identity{Kind: identity.KindApiKey, Fingerprint: "fp_xxxx"}
	proRecord := credentials.Record{Tier: config.TierPro, Limits: map[string]config.LimitRule{}}
	rule = r.Resolve(apiIdentity, "eth_call", proRecord, true)
	assert.Equal(t, uint32(1), rule.Requests, "tier rule governs when no per-key override exists")

	keyOverrideRecord := credentials.Record{
		Tier:   config.TierPro,
		Limits: map[string]config.LimitRule{"eth_call": {Requests: 7, Period: "1s"}},
	}
	rule = r.Resolve(apiIdentity, "eth_call", keyOverrideRecord, true)
	assert.Equal(t, uint32(7), rule.Requests, "per-key override takes top precedence")
}
