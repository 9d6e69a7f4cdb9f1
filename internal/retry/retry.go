// Copyright 2025 James Ross

// Package retry resolves per-job-type retry policies: attempt budgets,
// backoff curves, jitter, and non-retryable error classification. Apart
// from the random source used for jitter, the resolver carries no state
// beyond its configuration.
package retry

import (
	"math/rand"
	"strings"
	"time"

	"github.com/taskmesh/engine/internal/config"
)

const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffCustom      = "custom"
)

// Policy is the resolved retry shape for a job type.
type Policy struct {
	MaxAttempts int
	Backoff     config.Backoff
	MinDelay    time.Duration
	Jitter      bool
}

// builtinDefaults holds per-job-type defaults consulted after the
// configured override table and before the global default.
var builtinDefaults = map[string]Policy{
	"email-notification": {
		MaxAttempts: 5,
		Backoff:     config.Backoff{Type: BackoffFixed, Delay: 1 * time.Second},
		Jitter:      true,
	},
	"data-processing": {
		MaxAttempts: 4,
		Backoff:     config.Backoff{Type: BackoffLinear, Delay: 1500 * time.Millisecond},
		Jitter:      true,
	},
	"ai-computation": {
		MaxAttempts: 3,
		Backoff:     config.Backoff{Type: BackoffExponential, Delay: 2 * time.Second, Factor: 2, MaxDelay: 30 * time.Second},
		Jitter:      true,
	},
	"batch-operation": {
		MaxAttempts: 2,
		Backoff:     config.Backoff{Type: BackoffFixed, Delay: 5 * time.Second},
		Jitter:      false,
	},
}

var globalDefault = Policy{
	MaxAttempts: 3,
	Backoff:     config.Backoff{Type: BackoffExponential, Delay: 2 * time.Second, Factor: 2, MaxDelay: 30 * time.Second},
	Jitter:      true,
}

// defaultNonRetryable is the built-in non-retryable error classifier set;
// names passed to Resolver.SetNonRetryableOverrides are checked in
// addition to it.
var defaultNonRetryable = map[string]bool{
	"ValidationError":     true,
	"AuthenticationError": true,
	"BadRequestError":     true,
	"UnauthorizedError":   true,
	"NotFoundError":       true,
}

// Resolver resolves and applies retry policies: configured override
// table first, then built-in per-type defaults, then the global default.
type Resolver struct {
	overrides            map[string]config.RetryPolicy
	nonRetryableOverride map[string]bool
	rand                 *rand.Rand
}

// NewResolver builds a Resolver from the engine config's per-job-type
// overrides (decoded from the retry_overrides_json config value).
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		overrides: cfg.RetryOverrides,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetNonRetryableOverrides replaces the configurable non-retryable error
// name/message set.
func (r *Resolver) SetNonRetryableOverrides(names []string) {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	r.nonRetryableOverride = m
}

// GetPolicy resolves the policy for jobType: configured override, then
// built-in default, then the global default.
func (r *Resolver) GetPolicy(jobType string) Policy {
	if r.overrides != nil {
		if p, ok := r.overrides[jobType]; ok {
			return Policy{
				MaxAttempts: p.MaxAttempts,
				Backoff:     p.Backoff,
				MinDelay:    p.MinDelay,
				Jitter:      p.Jitter,
			}
		}
	}
	if p, ok := builtinDefaults[jobType]; ok {
		return p
	}
	return globalDefault
}

// CalculateDelay applies the policy's backoff curve and clamps to
// [minDelay, maxDelay], adding uniform jitter in [0, 0.1*delay) when
// enabled.
func (r *Resolver) CalculateDelay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay float64
	base := float64(p.Backoff.Delay)
	switch p.Backoff.Type {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * float64(attempt)
	case BackoffExponential:
		factor := p.Backoff.Factor
		if factor <= 0 {
			factor = 2
		}
		delay = base * pow(factor, attempt-1)
	case BackoffCustom:
		delay = base * float64(attempt)
	default:
		delay = base * float64(attempt)
	}

	if p.Backoff.MaxDelay > 0 && delay > float64(p.Backoff.MaxDelay) {
		delay = float64(p.Backoff.MaxDelay)
	}
	if p.MinDelay > 0 && delay < float64(p.MinDelay) {
		delay = float64(p.MinDelay)
	}

	if p.Jitter {
		delay += r.rand.Float64() * 0.1 * delay
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ShouldRetry implements the non-retryable classifier plus budget check:
// an exhausted attempt budget or a non-retryable error name/message never
// retries.
func (r *Resolver) ShouldRetry(errName string, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	if r.isNonRetryable(errName) {
		return false
	}
	return true
}

func (r *Resolver) isNonRetryable(errName string) bool {
	if r.nonRetryableOverride != nil {
		if r.nonRetryableOverride[errName] {
			return true
		}
	}
	for name := range defaultNonRetryable {
		if strings.EqualFold(name, errName) || strings.Contains(errName, name) {
			return true
		}
	}
	return false
}
