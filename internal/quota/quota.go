// Package quota translates the human-readable {requests, period} rules
// read from configuration into token-bucket quota descriptors.
package quota

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// periodPattern is the accepted period grammar: an integer followed
// by one of s, m, h. No whitespace, no fractional values.
var periodPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// Quota is the descriptor consumed by the rate limiter: a bucket of
// capacity Burst that refills at Rate tokens per second.
type Quota struct {
	Rate  float64
	Burst int
}

// ConfigError signals a malformed LimitRule: bad unit, unparseable
// integer, or a zero request count.
type ConfigError struct {
	Rule string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid limit rule %q: %s", e.Rule, e.Msg)
}

// Parse converts requests/period into a Quota. period must match
// ^\d+[smh]$; requests must be > 0.
func Parse(requests uint32, period string) (Quota, error) {
	if requests == 0 {
		return Quota{}, &ConfigError{Rule: period, Msg: "requests must be > 0"}
	}

	m := periodPattern.FindStringSubmatch(period)
	if m == nil {
		return Quota{}, &ConfigError{Rule: period, Msg: "period must match ^\\d+[smh]$"}
	}

	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return Quota{}, &ConfigError{Rule: period, Msg: "period integer failed to parse"}
	}
	if n == 0 {
		return Quota{}, &ConfigError{Rule: period, Msg: "period must be >= 1"}
	}

	var seconds uint64
	switch m[2] {
	case "s":
		seconds = n
	case "m":
		seconds = n * 60
	case "h":
		seconds = n * 3600
	default:
		// unreachable given periodPattern, kept for exhaustiveness
		return Quota{}, &ConfigError{Rule: period, Msg: "unknown unit"}
	}

	return Quota{
		Rate:  float64(requests) / float64(seconds),
		Burst: int(requests),
	}, nil
}

// Duration returns the refill period as a time.Duration, used by
// implementations that want the raw window rather than a rate.
func Duration(period string) (time.Duration, error) {
	m := periodPattern.FindStringSubmatch(period)
	if m == nil {
		return 0, &ConfigError{Rule: period, Msg: "period must match ^\\d+[smh]$"}
	}
	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, &ConfigError{Rule: period, Msg: "period integer failed to parse"}
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	}
	return 0, &ConfigError{Rule: period, Msg: "unknown unit"}
}
