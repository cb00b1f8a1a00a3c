// Package credentials implements the credential store: looking up a
// raw API key and reporting its tier, per-method limit overrides, and
// enabled flag.
package credentials

import "github.com/cppnexus/rpc-shield/internal/config"

// Record is what the store returns for a known key.
type Record struct {
	Tier    config.SubscriptionTier
	Limits  map[string]config.LimitRule
	Enabled bool
}

// Store resolves a raw API key to a Record. A disabled key must be
// indistinguishable from an unknown one, so Lookup's bool reports
// "usable", folding the enabled check in.
type Store interface {
	// Lookup reports (record, true) only for a known AND enabled key;
	// an unknown or disabled key reports (Record{}, false).
	Lookup(rawKey string) (Record, bool)
}

// MemoryStore is the default Credential Store backend, backed by the
// api_keys map loaded from the configuration document.
type MemoryStore struct {
	keys map[string]config.ApiKeyConfig
}

// NewMemoryStore builds a Store over the given api_keys configuration
// section.
func NewMemoryStore(keys map[string]config.ApiKeyConfig) *MemoryStore {
	return &MemoryStore{keys: keys}
}

// Lookup implements Store with a plain map lookup.
func (s *MemoryStore) Lookup(rawKey string) (Record, bool) {
	akc, ok := s.keys[rawKey]
	if !ok || !akc.Enabled {
		return Record{}, false
	}
	return Record{Tier: akc.Tier, Limits: akc.Limits, Enabled: akc.Enabled}, true
}
