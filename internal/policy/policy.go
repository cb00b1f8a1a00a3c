// Package policy implements the policy resolver: given an identity
// and a method, select the effective LimitRule across the four-tier
// precedence. The resolver is pure; it never mutates state.
package policy

import (
	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/credentials"
	"github.com/cppnexus/rpc-shield/internal/identity"
)

// Resolver holds the immutable, startup-loaded policy tables.
type Resolver struct {
	methodLimits   map[string]config.LimitRule
	defaultIPLimit config.LimitRule
	apiKeyTiers    map[config.SubscriptionTier]map[string]config.LimitRule
}

// New builds a Resolver from the rate_limits and api_key_tiers sections
// of the configuration document.
func New(rateLimits config.RateLimitConfig, apiKeyTiers map[config.SubscriptionTier]map[string]config.LimitRule) *Resolver {
	return &Resolver{
		methodLimits:   rateLimits.MethodLimits,
		defaultIPLimit: rateLimits.DefaultIPLimit,
		apiKeyTiers:    apiKeyTiers,
	}
}

// Resolve picks the effective LimitRule for (id, method); first match
// wins:
//  1. identity is ApiKey and its own per-key Limits[method] exists.
//  2. identity is ApiKey and api_key_tiers[tier][method] exists.
//  3. method_limits[method] exists.
//  4. default_ip_limit.
func (r *Resolver) Resolve(id identity.Identity, method string, keyRecord credentials.Record, hasKeyRecord bool) config.LimitRule {
	if id.Kind == identity.KindApiKey && hasKeyRecord {
		if rule, ok := keyRecord.Limits[method]; ok {
			return rule
		}
		if tierRules, ok := r.apiKeyTiers[keyRecord.Tier]; ok {
			if rule, ok := tierRules[method]; ok {
				return rule
			}
		}
	}

	if rule, ok := r.methodLimits[method]; ok {
		return rule
	}

	return r.defaultIPLimit
}
