package quota

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		requests uint32
		period   string
		wantRate float64
		wantErr  bool
	}{
		{"seconds", 10, "1s", 10.0, false},
		{"minutes", 60, "1m", 1.0, false},
		{"hours", 3600, "1h", 1.0, false},
		{"multi-unit minutes", 5, "5m", 1.0 / 60.0, false},
		{"zero requests", 0, "1s", 0, true},
		{"missing unit", 5, "5", 0, true},
		{"unknown unit", 5, "5d", 0, true},
		{"zero period", 5, "0s", 0, true},
		{"non numeric", 5, "xs", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.requests, tt.period)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got quota %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Burst != int(tt.requests) {
				t.Errorf("burst = %d, want %d", got.Burst, tt.requests)
			}
			if diff := got.Rate - tt.wantRate; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("rate = %v, want %v", got.Rate, tt.wantRate)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("2h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 2*time.Hour {
		t.Errorf("got %v, want 2h", d)
	}
}

func TestConfigErrorMessage(t *testing.T) {
	_, err := Parse(5, "bogus")
	if err == nil {
		t.Fatal("expected error")
	}
	ce, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if ce.Rule != "bogus" {
		t.Errorf("rule = %q, want %q", ce.Rule, "bogus")
	}
}
