package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// outcomeTag mirrors each Outcome constant to the dogstatsd tag value
// used below.
var outcomeTag = map[Outcome]string{
	Allowed:      "allowed",
	RateLimited:  "rate_limited",
	Blocked:      "blocked",
	AuthFailed:   "auth_failed",
	UpstreamFail: "upstream_fail",
	InternalFail: "internal_fail",
}

// DatadogConfig configures the optional secondary push-based sink.
type DatadogConfig struct {
	Host      string
	Port      string
	Namespace string
	Tags      []string
	Logger    *slog.Logger
}

// DatadogSecondary mirrors admission outcomes to DogStatsD alongside
// the primary Prometheus sink.
type DatadogSecondary struct {
	client *statsd.Client
	tags   []string
	logger *slog.Logger
}

// NewDatadogSecondary builds a DatadogSecondary.
func NewDatadogSecondary(cfg DatadogConfig) (*DatadogSecondary, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "8125"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "rpc_shield"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	client, err := statsd.New(addr, statsd.WithNamespace(cfg.Namespace), statsd.WithTags(cfg.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to create DogStatsD client: %w", err)
	}

	return &DatadogSecondary{client: client, tags: cfg.Tags, logger: logger}, nil
}

// Observe implements Secondary.
func (d *DatadogSecondary) Observe(outcome Outcome, duration time.Duration) {
	tags := append(append([]string{}, d.tags...), fmt.Sprintf("outcome:%s", outcomeTag[outcome]))

	if err := d.client.Incr("requests.count", tags, 1.0); err != nil {
		d.logger.Warn("failed to send request count metric to datadog", "error", err)
	}
	if err := d.client.Histogram("request.duration_seconds", duration.Seconds(), tags, 1.0); err != nil {
		d.logger.Warn("failed to send duration metric to datadog", "error", err)
	}
}

// Close releases the underlying statsd client.
func (d *DatadogSecondary) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
