// Copyright 2025 James Ross
package router

import (
	"sync"
	"time"

	"github.com/taskmesh/engine/internal/config"
)

// breakerState is the per-provider circuit breaker: a consecutive-
// failure-count trigger with exponential backoff growth on repeated
// half-open failures, bounded by maxBackoff.
type breakerState struct {
	mu sync.Mutex

	state          BreakerState
	failureCount   int
	successCount   int
	currentBackoff time.Duration
	nextAttempt    time.Time

	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	backoffFactor    float64
	maxBackoff       time.Duration

	halfOpenInFlight bool
}

func newBreakerState(cfg config.BreakerConfig) breakerState {
	return breakerState{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openDuration:     cfg.OpenDuration,
		backoffFactor:    cfg.BackoffFactor,
		maxBackoff:       cfg.MaxBackoff,
		currentBackoff:   cfg.OpenDuration,
	}
}

// allow reports whether a call may proceed given current breaker state,
// transitioning open→half-open when nextAttempt has passed.
func (b *breakerState) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if !now.Before(b.nextAttempt) {
			b.state = BreakerHalfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // closed
		return true
	}
}

// record applies the outcome of one call to the breaker state machine.
func (b *breakerState) record(ok bool, now time.Time) (from, to BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state

	switch b.state {
	case BreakerClosed:
		if ok {
			b.failureCount = 0
		} else {
			b.failureCount++
			if b.failureCount >= b.failureThreshold {
				b.state = BreakerOpen
				b.currentBackoff = b.openDuration
				b.nextAttempt = now.Add(b.currentBackoff)
			}
		}
	case BreakerHalfOpen:
		b.halfOpenInFlight = false
		if ok {
			b.successCount++
			if b.successCount >= b.successThreshold {
				b.state = BreakerClosed
				b.failureCount = 0
				b.successCount = 0
				b.currentBackoff = b.openDuration
			}
		} else {
			b.state = BreakerOpen
			b.successCount = 0
			b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.backoffFactor)
			if b.currentBackoff > b.maxBackoff {
				b.currentBackoff = b.maxBackoff
			}
			b.nextAttempt = now.Add(b.currentBackoff)
		}
	case BreakerOpen:
		// allow() gates calls, so record() during Open only re-arms
		// nextAttempt.
		b.nextAttempt = now.Add(b.currentBackoff)
	}
	return from, b.state
}

func (b *breakerState) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		CurrentBackoff: b.currentBackoff,
		NextAttempt:    b.nextAttempt,
	}
}

func (b *breakerState) isAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed || b.state == BreakerHalfOpen
}
