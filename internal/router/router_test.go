// Copyright 2025 James Ross
package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/engineerr"
	"go.uber.org/zap"
)

type fakeProvider struct {
	id              string
	weight          float64
	costFactor      float64
	costSensitivity float64
	probeErr        error
}

func (f *fakeProvider) ID() string                 { return f.id }
func (f *fakeProvider) Weight() float64             { return f.weight }
func (f *fakeProvider) CostFactor() float64         { return f.costFactor }
func (f *fakeProvider) CostSensitivity() float64    { return f.costSensitivity }
func (f *fakeProvider) Probe(ctx context.Context) error { return f.probeErr }

func testRouterConfig() config.Router {
	return config.Router{
		Strategy:            "healthAware",
		MaxRetries:          3,
		RequestTimeout:      time.Second,
		HealthCheckInterval: time.Hour, // tests drive probes manually
		HealthCheckTimeout:  time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
		Breaker: config.BreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 2,
			OpenDuration:     10 * time.Millisecond,
			BackoffFactor:    2,
			MaxBackoff:       time.Second,
		},
		MaxConcurrentRequests: 100,
	}
}

func markHealthy(r *Router, id string) {
	e := r.providers[id]
	e.mu.Lock()
	e.health.Status = HealthHealthy
	e.mu.Unlock()
}

func TestExecuteSucceedsOnHealthyProvider(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	r.Register(&fakeProvider{id: "alpha"})
	markHealthy(r, "alpha")

	res, err := r.Execute(context.Background(), Request{Type: "ai-computation"}, func(ctx context.Context, id string) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.SelectedProvider)
	assert.Equal(t, "ok", res.Value)
}

func TestExecuteFailsWithNoProvidersAvailable(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	_, err := r.Execute(context.Background(), Request{Type: "ai-computation"}, func(ctx context.Context, id string) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
}

func TestExecuteFailsOverToSecondProvider(t *testing.T) {
	// Default-scale breaker: one failure is nowhere near the open
	// threshold, so only the attempted-set exclusion can move the request
	// off the failing provider.
	cfg := testRouterConfig()
	cfg.Breaker.FailureThreshold = 5
	r := NewRouter(cfg, zap.NewNop())
	r.Register(&fakeProvider{id: "bad"})
	r.Register(&fakeProvider{id: "good"})
	markHealthy(r, "bad")
	markHealthy(r, "good")

	calls := 0
	res, err := r.Execute(context.Background(), Request{Type: "data-processing", PreferredProviders: []string{"bad", "good"}},
		func(ctx context.Context, id string) (any, error) {
			calls++
			if id == "bad" {
				return nil, errors.New("boom")
			}
			return "done", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, "good", res.SelectedProvider)
	assert.Equal(t, 2, calls)
	require.Len(t, res.FallbackHistory, 1)
	assert.Equal(t, "bad", res.FallbackHistory[0].From)
	assert.Equal(t, "good", res.FallbackHistory[0].To)
}

func TestExecuteDoesNotRetryTheSameProvider(t *testing.T) {
	cfg := testRouterConfig()
	cfg.Breaker.FailureThreshold = 5
	r := NewRouter(cfg, zap.NewNop())
	r.Register(&fakeProvider{id: "solo"})
	markHealthy(r, "solo")

	calls := 0
	_, err := r.Execute(context.Background(), Request{Type: "x"}, func(ctx context.Context, id string) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, engineerr.NoProvidersAvailable, engineerr.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	r.Register(&fakeProvider{id: "flaky"})
	markHealthy(r, "flaky")

	for i := 0; i < 2; i++ {
		_, _ = r.Execute(context.Background(), Request{Type: "x"}, func(ctx context.Context, id string) (any, error) {
			return nil, errors.New("fail")
		})
	}

	snap := r.providers["flaky"].breaker.snapshot()
	assert.Equal(t, BreakerOpen, snap.State)
}

func TestExecuteReturnsCircuitOpenWhenAllCandidatesRejected(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	r.Register(&fakeProvider{id: "flaky"})
	markHealthy(r, "flaky")
	e := r.providers["flaky"]

	// drive the breaker open, matching its configured failure threshold.
	e.breaker.record(false, time.Now())
	e.breaker.record(false, time.Now())
	require.Equal(t, BreakerOpen, e.breaker.snapshot().State)

	_, err := r.Execute(context.Background(), Request{Type: "x"}, func(ctx context.Context, id string) (any, error) {
		t.Fatal("executor should not run while the only candidate's circuit is open")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, engineerr.CircuitOpen, engineerr.KindOf(err))
}

func TestBreakerHalfOpenRecoversToClosed(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	r.Register(&fakeProvider{id: "flaky"})
	markHealthy(r, "flaky")
	e := r.providers["flaky"]

	// drive to open
	e.breaker.record(false, time.Now())
	e.breaker.record(false, time.Now())
	require.Equal(t, BreakerOpen, e.breaker.snapshot().State)

	// wait past openDuration, then two consecutive successes should close it
	time.Sleep(15 * time.Millisecond)
	require.True(t, e.breaker.allow(time.Now()))
	e.breaker.record(true, time.Now())
	require.True(t, e.breaker.allow(time.Now()))
	e.breaker.record(true, time.Now())

	assert.Equal(t, BreakerClosed, e.breaker.snapshot().State)
}

func TestConcurrencyCapExcludesBusyProvider(t *testing.T) {
	cfg := testRouterConfig()
	cfg.MaxConcurrentRequests = 1
	r := NewRouter(cfg, zap.NewNop())
	r.Register(&fakeProvider{id: "solo"})
	markHealthy(r, "solo")

	e := r.providers["solo"]
	e.mu.Lock()
	e.health.ActiveConnections = 1
	e.mu.Unlock()

	cands, circuitOnly := r.candidates(Request{Type: "x"}, nil)
	assert.Empty(t, cands)
	assert.False(t, circuitOnly)
}

func TestHealthProbeTransitionsUnhealthyThenHealthy(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	p := &fakeProvider{id: "flapping", probeErr: errors.New("down")}
	r.Register(p)

	r.applyProbeResult(r.providers["flapping"], p.probeErr)
	r.applyProbeResult(r.providers["flapping"], p.probeErr)
	r.applyProbeResult(r.providers["flapping"], p.probeErr)
	assert.Equal(t, HealthUnhealthy, r.providers["flapping"].health.Status)

	p.probeErr = nil
	r.applyProbeResult(r.providers["flapping"], nil)
	r.applyProbeResult(r.providers["flapping"], nil)
	assert.Equal(t, HealthHealthy, r.providers["flapping"].health.Status)
}

func TestHealthAwareStrategyPrefersHealthier(t *testing.T) {
	r := NewRouter(testRouterConfig(), zap.NewNop())
	r.Register(&fakeProvider{id: "weak"})
	r.Register(&fakeProvider{id: "strong"})
	r.providers["weak"].health = HealthRecord{Status: HealthDegraded, SuccessRate: 0.5, ResponseTimeMs: 5000}
	r.providers["strong"].health = HealthRecord{Status: HealthHealthy, SuccessRate: 0.99, ResponseTimeMs: 100}

	cands := []*providerEntry{r.providers["weak"], r.providers["strong"]}
	best := healthAwarePick(cands)
	assert.Equal(t, "strong", best.provider.ID())
}
