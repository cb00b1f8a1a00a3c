// Package config loads and validates the rpc-shield configuration
// document: server bind address, upstream backend, rate limit rules,
// API key credentials and tiers, the IP blocklist, and monitoring
// settings.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cppnexus/rpc-shield/internal/quota"
)

// LimitRule denotes a token bucket of capacity Requests refilling
// uniformly to full over Period ("1s", "5m", "2h", ...).
type LimitRule struct {
	Requests uint32 `yaml:"requests"`
	Period   string `yaml:"period"`
}

// SubscriptionTier is one of the named tiers an API key can carry.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// ApiKeyConfig is an individual credential record. Enabled=false behaves
// identically to the key being unknown.
type ApiKeyConfig struct {
	Tier    SubscriptionTier     `yaml:"tier"`
	Limits  map[string]LimitRule `yaml:"limits"`
	Enabled bool                 `yaml:"enabled"`
}

// ServerConfig is the bind address of the request listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RPCBackendConfig is the upstream JSON-RPC endpoint.
type RPCBackendConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RateLimitConfig is the default and per-method fallback rules.
type RateLimitConfig struct {
	DefaultIPLimit LimitRule            `yaml:"default_ip_limit"`
	MethodLimits   map[string]LimitRule `yaml:"method_limits"`
	// Backend selects the Limiter implementation: "memory" (default) or
	// "redis" for a shared/distributed bucket store.
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional distributed rate limiter backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BlocklistConfig is the static IP denylist. EnableAutoBan and
// AutoBanThreshold are recorded for external auto-ban subsystems; the
// proxy itself does not act on them.
type BlocklistConfig struct {
	IPs              []string `yaml:"ips"`
	EnableAutoBan    bool     `yaml:"enable_auto_ban"`
	AutoBanThreshold uint32   `yaml:"auto_ban_threshold"`
}

// DatadogConfig configures the optional secondary push-based metrics
// sink. It mirrors the primary Prometheus counters; neither replaces
// the other.
type DatadogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MonitoringConfig is the metrics bind port and logger verbosity.
type MonitoringConfig struct {
	PrometheusPort int           `yaml:"prometheus_port"`
	LogLevel       string        `yaml:"log_level"`
	Datadog        DatadogConfig `yaml:"datadog"`
}

// CredentialsConfig selects the Credential Store backend.
type CredentialsConfig struct {
	// Backend is "memory" (default, backed by ApiKeys below) or
	// "dynamodb" for an out-of-band-provisioned key store.
	Backend  string         `yaml:"backend"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig configures the optional DynamoDB-backed credential store.
type DynamoDBConfig struct {
	TableName string `yaml:"table_name"`
	Region    string `yaml:"region"`
}

// Config is the full configuration document.
type Config struct {
	Server      ServerConfig                              `yaml:"server"`
	RPCBackend  RPCBackendConfig                          `yaml:"rpc_backend"`
	RateLimits  RateLimitConfig                           `yaml:"rate_limits"`
	APIKeys     map[string]ApiKeyConfig                   `yaml:"api_keys"`
	APIKeyTiers map[SubscriptionTier]map[string]LimitRule `yaml:"api_key_tiers"`
	Blocklist   BlocklistConfig                           `yaml:"blocklist"`
	Monitoring  MonitoringConfig                          `yaml:"monitoring"`
	Credentials CredentialsConfig                         `yaml:"credentials"`
}

// Load reads and validates the configuration document at filename. A
// missing file is not an error: the built-in default is returned
// instead.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the structural invariants the admission pipeline
// depends on at startup: a bindable server address, a usable backend
// URL, and well-formed limit rules. Bad blocklist entries are a warning
// at load time, not a validation failure.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.RPCBackend.URL == "" {
		return fmt.Errorf("rpc_backend.url is required")
	}
	if c.RPCBackend.TimeoutSeconds <= 0 {
		return fmt.Errorf("rpc_backend.timeout_seconds must be > 0")
	}
	if c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0")
	}

	if err := validateRule("rate_limits.default_ip_limit", c.RateLimits.DefaultIPLimit); err != nil {
		return err
	}
	for method, rule := range c.RateLimits.MethodLimits {
		if err := validateRule(fmt.Sprintf("rate_limits.method_limits.%s", method), rule); err != nil {
			return err
		}
	}
	for key, akc := range c.APIKeys {
		for method, rule := range akc.Limits {
			if err := validateRule(fmt.Sprintf("api_keys.<redacted>.limits.%s", method), rule); err != nil {
				return fmt.Errorf("api key %s: %w", fingerprintForError(key), err)
			}
		}
	}
	for tier, methods := range c.APIKeyTiers {
		for method, rule := range methods {
			if err := validateRule(fmt.Sprintf("api_key_tiers.%s.%s", tier, method), rule); err != nil {
				return err
			}
		}
	}

	switch c.RateLimits.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported rate_limits.backend: %s", c.RateLimits.Backend)
	}

	switch c.Credentials.Backend {
	case "", "memory", "dynamodb":
	default:
		return fmt.Errorf("unsupported credentials.backend: %s", c.Credentials.Backend)
	}

	return nil
}

func validateRule(path string, rule LimitRule) error {
	if rule.Requests == 0 && rule.Period == "" {
		// unset rule, not referenced; skip
		return nil
	}
	if _, err := quota.Parse(rule.Requests, rule.Period); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// fingerprintForError avoids ever putting a raw API key into an error
// message; it's deliberately crude (just a length tag) since full
// fingerprinting lives in internal/identity and config has no reason to
// import it.
func fingerprintForError(rawKey string) string {
	return fmt.Sprintf("<key len=%d>", len(rawKey))
}

// GetDefaultConfig returns a conservative built-in default used when no
// config file is present.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8545},
		RPCBackend: RPCBackendConfig{
			URL:            "http://127.0.0.1:8546",
			TimeoutSeconds: 5,
		},
		RateLimits: RateLimitConfig{
			DefaultIPLimit: LimitRule{Requests: 10, Period: "1s"},
			MethodLimits:   map[string]LimitRule{},
			Backend:        "memory",
		},
		APIKeys:     map[string]ApiKeyConfig{},
		APIKeyTiers: map[SubscriptionTier]map[string]LimitRule{},
		Blocklist:   BlocklistConfig{},
		Monitoring: MonitoringConfig{
			PrometheusPort: 9090,
			LogLevel:       "info",
		},
	}
}

// Log emits a startup configuration summary. Raw API keys are never
// logged, only counts.
func (c *Config) Log(logger *slog.Logger) {
	logger.Info("📋 configuration summary",
		"server", fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port),
		"rpc_backend", c.RPCBackend.URL,
		"timeout_seconds", c.RPCBackend.TimeoutSeconds,
		"api_keys_configured", len(c.APIKeys),
		"tiers_configured", len(c.APIKeyTiers),
		"method_limits_configured", len(c.RateLimits.MethodLimits),
		"blocklist_entries", len(c.Blocklist.IPs),
		"rate_limit_backend", firstNonEmpty(c.RateLimits.Backend, "memory"),
		"credentials_backend", firstNonEmpty(c.Credentials.Backend, "memory"),
		"prometheus_port", c.Monitoring.PrometheusPort,
	)

	if c.Monitoring.Datadog.Enabled {
		logger.Info("datadog secondary metrics sink enabled", "addr", c.Monitoring.Datadog.Addr)
	}
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
