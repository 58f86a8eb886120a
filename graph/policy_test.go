package graph

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"max below base", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"max without base", RetryPolicy{MaxAttempts: 3, MaxDelay: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("expected ErrInvalidRetryPolicy, got %v", err)
			}
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	var nilPolicy *RetryPolicy
	if nilPolicy.shouldRetry(1, errors.New("x")) {
		t.Error("nil policy must not retry")
	}
	rp := &RetryPolicy{MaxAttempts: 3, Retryable: func(err error) bool { return err.Error() == "transient" }}
	if !rp.shouldRetry(1, errors.New("transient")) {
		t.Error("expected retry after first attempt")
	}
	if rp.shouldRetry(3, errors.New("transient")) {
		t.Error("expected no retry once MaxAttempts is reached")
	}
	if rp.shouldRetry(1, errors.New("fatal")) {
		t.Error("expected no retry for non-retryable error")
	}
}

func TestComputeBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 10 * time.Millisecond

	if d := computeBackoff(3, 0, time.Second, rng); d != 0 {
		t.Errorf("zero base should give zero delay, got %v", d)
	}
	for attempt := 0; attempt < 4; attempt++ {
		d := computeBackoff(attempt, base, 0, rng)
		lo := base * (1 << attempt)
		if d < lo || d >= lo+base {
			t.Errorf("attempt %d: delay %v outside [%v, %v)", attempt, d, lo, lo+base)
		}
	}
	if d := computeBackoff(20, base, 50*time.Millisecond, rng); d < 50*time.Millisecond || d >= 60*time.Millisecond {
		t.Errorf("expected capped delay, got %v", d)
	}
}
