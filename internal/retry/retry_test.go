// Copyright 2025 James Ross
package retry

import (
	"testing"
	"time"

	"github.com/taskmesh/engine/internal/config"
)

func resolverWithOverrides(overrides map[string]config.RetryPolicy) *Resolver {
	return NewResolver(&config.Config{RetryOverrides: overrides})
}

func TestGetPolicyResolutionOrder(t *testing.T) {
	r := resolverWithOverrides(map[string]config.RetryPolicy{
		"custom-type": {MaxAttempts: 9, Backoff: config.Backoff{Type: BackoffFixed, Delay: time.Second}},
	})

	if p := r.GetPolicy("custom-type"); p.MaxAttempts != 9 {
		t.Fatalf("expected override to win, got %+v", p)
	}
	if p := r.GetPolicy("ai-computation"); p.MaxAttempts != 3 || p.Backoff.Type != BackoffExponential {
		t.Fatalf("expected builtin default for ai-computation, got %+v", p)
	}
	if p := r.GetPolicy("unknown-type"); p.MaxAttempts != globalDefault.MaxAttempts {
		t.Fatalf("expected global default, got %+v", p)
	}
}

func TestCalculateDelayExponentialNoJitter(t *testing.T) {
	r := resolverWithOverrides(nil)
	p := Policy{
		Backoff: config.Backoff{Type: BackoffExponential, Delay: 1 * time.Second, Factor: 2, MaxDelay: 100 * time.Second},
	}
	for attempt, want := range map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
	} {
		got := r.CalculateDelay(p, attempt)
		if got != want {
			t.Fatalf("attempt %d: want %v got %v", attempt, want, got)
		}
	}
}

func TestCalculateDelayClampsToMax(t *testing.T) {
	r := resolverWithOverrides(nil)
	p := Policy{Backoff: config.Backoff{Type: BackoffExponential, Delay: 1 * time.Second, Factor: 2, MaxDelay: 3 * time.Second}}
	got := r.CalculateDelay(p, 10)
	if got != 3*time.Second {
		t.Fatalf("expected clamp to max delay, got %v", got)
	}
}

func TestCalculateDelayClampsToMin(t *testing.T) {
	r := resolverWithOverrides(nil)
	p := Policy{Backoff: config.Backoff{Type: BackoffFixed, Delay: 10 * time.Millisecond}, MinDelay: 500 * time.Millisecond}
	got := r.CalculateDelay(p, 1)
	if got != 500*time.Millisecond {
		t.Fatalf("expected clamp to min delay, got %v", got)
	}
}

func TestCalculateDelayJitterStaysWithinBound(t *testing.T) {
	r := resolverWithOverrides(nil)
	p := Policy{Backoff: config.Backoff{Type: BackoffFixed, Delay: 1 * time.Second}, Jitter: true}
	for i := 0; i < 50; i++ {
		got := r.CalculateDelay(p, 1)
		if got < time.Second || got > 1100*time.Millisecond {
			t.Fatalf("jittered delay out of bound: %v", got)
		}
	}
}

func TestCalculateDelayLinearAndCustom(t *testing.T) {
	r := resolverWithOverrides(nil)
	linear := Policy{Backoff: config.Backoff{Type: BackoffLinear, Delay: 2 * time.Second}}
	if got := r.CalculateDelay(linear, 3); got != 6*time.Second {
		t.Fatalf("linear: want 6s got %v", got)
	}
	custom := Policy{Backoff: config.Backoff{Type: BackoffCustom, Delay: 2 * time.Second}}
	if got := r.CalculateDelay(custom, 3); got != 6*time.Second {
		t.Fatalf("custom: want 6s got %v", got)
	}
}

func TestShouldRetryBudgetExhausted(t *testing.T) {
	r := resolverWithOverrides(nil)
	if r.ShouldRetry("Transient", 3, 3) {
		t.Fatalf("expected no retry once attempt reaches maxAttempts")
	}
}

func TestShouldRetryNonRetryableClassifier(t *testing.T) {
	r := resolverWithOverrides(nil)
	for _, name := range []string{"ValidationError", "AuthenticationError", "BadRequestError", "UnauthorizedError", "NotFoundError"} {
		if r.ShouldRetry(name, 0, 5) {
			t.Fatalf("expected %s to be non-retryable", name)
		}
	}
	if !r.ShouldRetry("Transient", 0, 5) {
		t.Fatalf("expected transient error to be retryable")
	}
}

func TestShouldRetryConfigurableOverrideSet(t *testing.T) {
	r := resolverWithOverrides(nil)
	r.SetNonRetryableOverrides([]string{"QuotaExceededError"})
	if r.ShouldRetry("QuotaExceededError", 0, 5) {
		t.Fatalf("expected configured override to be non-retryable")
	}
}
