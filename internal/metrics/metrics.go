// Package metrics implements the metrics sink: per-outcome monotonic
// counters and a request duration histogram, exposed in Prometheus
// text format on a separately bound listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome is the single terminal classification of a processed
// request.
type Outcome int

const (
	Allowed Outcome = iota
	RateLimited
	Blocked
	AuthFailed
	UpstreamFail
	InternalFail
)

// Sink records outcomes and durations and serves the /metrics scrape
// endpoint.
type Sink struct {
	registry *prometheus.Registry

	requestsTotal     prometheus.Counter
	allowedTotal      prometheus.Counter
	rateLimitedTotal  prometheus.Counter
	blockedTotal      prometheus.Counter
	authFailedTotal   prometheus.Counter
	upstreamFailTotal prometheus.Counter
	internalFailTotal prometheus.Counter
	requestDuration   prometheus.Histogram

	secondary Secondary
}

// Secondary is an optional push-based sink mirrored alongside the
// primary pull-based one (e.g. the Datadog sink in datadog.go).
type Secondary interface {
	Observe(outcome Outcome, duration time.Duration)
}

// New builds a Sink and registers its collectors on a fresh registry.
func New(secondary Secondary) *Sink {
	registry := prometheus.NewRegistry()

	s := &Sink{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_total",
			Help: "Total RPC requests",
		}),
		allowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_allowed_total",
			Help: "Allowed RPC requests",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_rate_limited_total",
			Help: "Requests rejected by rate limiter",
		}),
		blockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_blocked_total",
			Help: "Requests blocked by IP blocklist",
		}),
		authFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_auth_failed_total",
			Help: "Requests rejected due to invalid API key or auth scheme",
		}),
		upstreamFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_upstream_fail_total",
			Help: "Requests failed due to upstream errors",
		}),
		internalFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_shield_requests_internal_fail_total",
			Help: "Requests failed due to internal errors",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "rpc_shield_request_duration_seconds",
			Help: "Proxy request duration in seconds",
			// 1ms .. ~16s, spanning the whole expected latency range.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		secondary: secondary,
	}

	registry.MustRegister(
		s.requestsTotal,
		s.allowedTotal,
		s.rateLimitedTotal,
		s.blockedTotal,
		s.authFailedTotal,
		s.upstreamFailTotal,
		s.internalFailTotal,
		s.requestDuration,
	)

	return s
}

// Record registers one outcome and one duration observation; the
// pipeline calls it exactly once per processed request.
func (s *Sink) Record(outcome Outcome, duration time.Duration) {
	s.requestsTotal.Inc()
	s.requestDuration.Observe(duration.Seconds())

	switch outcome {
	case Allowed:
		s.allowedTotal.Inc()
	case RateLimited:
		s.rateLimitedTotal.Inc()
	case Blocked:
		s.blockedTotal.Inc()
	case AuthFailed:
		s.authFailedTotal.Inc()
	case UpstreamFail:
		s.upstreamFailTotal.Inc()
	case InternalFail:
		s.internalFailTotal.Inc()
	}

	if s.secondary != nil {
		s.secondary.Observe(outcome, duration)
	}
}

// Handler returns the GET /metrics HTTP handler.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
