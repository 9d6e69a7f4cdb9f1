// Copyright 2025 James Ross
package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/engineerr"
	"github.com/taskmesh/engine/internal/obs"
	"go.uber.org/zap"
)

// Request is the caller-supplied context for a single routed call.
type Request struct {
	Type                string
	PreferredProviders  []string
}

// Executor performs the actual provider call. Implementations live
// outside this package; the router only knows the executor's
// success/failure.
type Executor func(ctx context.Context, providerID string) (any, error)

// Router selects providers, honors circuit-breaker state, executes with
// failover, and keeps health bookkeeping current.
type Router struct {
	log *zap.Logger
	cfg config.Router

	mu        sync.RWMutex
	providers map[string]*providerEntry
	order     []string // registration order, for round-robin and tie-breaking
	rrCursor  int
	rand      *rand.Rand

	stopProbe chan struct{}
}

func NewRouter(cfg config.Router, log *zap.Logger) *Router {
	return &Router{
		log:       log,
		cfg:       cfg,
		providers: make(map[string]*providerEntry),
		rand:      rand.New(rand.NewSource(1)),
	}
}

// Register adds a provider in closed/unknown initial state.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, exists := r.providers[id]; exists {
		return
	}
	entry := &providerEntry{
		provider: p,
		health:   HealthRecord{Status: HealthUnknown},
		breaker:  newBreakerState(r.cfg.Breaker),
	}
	r.providers[id] = entry
	r.order = append(r.order, id)
}

// AvailableProviders lists registered provider ids in registration order.
func (r *Router) AvailableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Stats snapshots every registered provider's health and breaker state.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Stats{Providers: make(map[string]ProviderStats, len(r.order))}
	for _, id := range r.order {
		e := r.providers[id]
		e.mu.Lock()
		h := e.health
		e.mu.Unlock()
		out.Providers[id] = ProviderStats{Health: h, Breaker: e.breaker.snapshot()}
	}
	return out
}

// candidates returns providers filtered to preferred, registered,
// not unhealthy (healthy, degraded or unknown), circuit-available, and not
// in the attempted set,
// falling back to the configured fallback chain filtered identically.
// The second return value is true when the candidate pool came back
// empty solely because every otherwise-eligible provider's breaker is
// rejecting — as opposed to no provider being registered/healthy/under
// its concurrency cap in the first place.
func (r *Router) candidates(req Request, attempted map[string]bool) ([]*providerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool := req.PreferredProviders
	if len(pool) == 0 {
		pool = r.order
	}
	cands, circuitBlocked, eligible := r.filterAvailable(pool, attempted)
	if len(cands) == 0 && len(r.cfg.FallbackChain) > 0 {
		fbCands, fbCircuitBlocked, fbEligible := r.filterAvailable(r.cfg.FallbackChain, attempted)
		cands = fbCands
		circuitBlocked = circuitBlocked || fbCircuitBlocked
		eligible = eligible || fbEligible
	}
	return cands, len(cands) == 0 && eligible && circuitBlocked
}

// filterAvailable splits ids into those passing health/concurrency checks
// and circuit-available (avail), skipping providers already attempted
// this request, noting whether any health/concurrency-eligible provider
// was excluded purely by its breaker (circuitBlocked) and whether any
// provider was health/concurrency-eligible at all (eligible), regardless
// of breaker state.
func (r *Router) filterAvailable(ids []string, attempted map[string]bool) (avail []*providerEntry, circuitBlocked bool, eligible bool) {
	concurrencyCap := r.cfg.MaxConcurrentRequests
	if concurrencyCap <= 0 {
		concurrencyCap = 100
	}
	for _, id := range ids {
		e, ok := r.providers[id]
		if !ok || attempted[id] {
			continue
		}
		e.mu.Lock()
		healthOK := e.health.Status != HealthUnhealthy
		underCap := e.health.ActiveConnections < concurrencyCap
		e.mu.Unlock()
		if !healthOK || !underCap {
			continue
		}
		eligible = true
		if e.breaker.isAvailable() {
			avail = append(avail, e)
		} else {
			circuitBlocked = true
		}
	}
	return
}

// Execute runs executor against a selected provider with failover: up to
// maxRetries attempts, each against a provider not yet tried for this
// request, so a failing provider cannot be re-selected before its peers.
func (r *Router) Execute(ctx context.Context, req Request, executor Executor) (Result, error) {
	strategy := Strategy(r.cfg.Strategy)
	if strategy == "" {
		strategy = StrategyHealthAware
	}
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var history []FallbackEvent
	var lastProvider string
	var attemptedExecutor bool
	attempted := make(map[string]bool)

	for attempt := 0; attempt < maxRetries; attempt++ {
		cands, circuitOnly := r.candidates(req, attempted)
		if len(cands) == 0 {
			if circuitOnly {
				return Result{}, engineerr.New(engineerr.CircuitOpen, "all providers for type %s are circuit-open", req.Type)
			}
			return Result{}, engineerr.New(engineerr.NoProvidersAvailable, "no providers available for type %s", req.Type)
		}

		r.mu.Lock()
		chosen := selectCandidate(strategy, cands, &r.rrCursor, r.rand)
		r.mu.Unlock()
		if chosen == nil {
			return Result{}, engineerr.New(engineerr.NoProvidersAvailable, "strategy %s selected no candidate", strategy)
		}

		if !chosen.breaker.allow(time.Now()) {
			attempted[chosen.provider.ID()] = true
			obs.RoutingDecisionsTotal.WithLabelValues(chosen.provider.ID(), string(strategy), "circuit_rejected").Inc()
			obs.FallbackEventsTotal.WithLabelValues(lastProvider, chosen.provider.ID(), "circuit_open").Inc()
			history = append(history, FallbackEvent{From: lastProvider, To: chosen.provider.ID(), Reason: "circuit_open"})
			lastProvider = chosen.provider.ID()
			continue
		}

		attemptedExecutor = true
		id := chosen.provider.ID()
		attempted[id] = true
		// Record the landing side of the previous attempt's failure now that
		// the next provider is known.
		if n := len(history); n > 0 && history[n-1].To == "" {
			history[n-1].To = id
		}
		obs.RoutingDecisionsTotal.WithLabelValues(id, string(strategy), "selected").Inc()

		chosen.mu.Lock()
		chosen.health.ActiveConnections++
		chosen.health.TotalRequests++
		active := chosen.health.ActiveConnections
		chosen.mu.Unlock()
		obs.ProviderActiveConnections.WithLabelValues(id).Set(float64(active))

		ctxTimeout := r.cfg.RequestTimeout
		if ctxTimeout <= 0 {
			ctxTimeout = 30 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, ctxTimeout)
		start := time.Now()
		value, err := executor(callCtx, id)
		cancel()
		elapsed := time.Since(start)

		chosen.mu.Lock()
		chosen.health.ActiveConnections--
		active = chosen.health.ActiveConnections
		chosen.mu.Unlock()
		obs.ProviderActiveConnections.WithLabelValues(id).Set(float64(active))
		obs.RequestDurationSeconds.WithLabelValues(id, req.Type).Observe(elapsed.Seconds())

		if err == nil {
			r.recordSuccess(chosen, elapsed)
			obs.ComputeRequestsTotal.WithLabelValues(id, req.Type, "success").Inc()
			return Result{Value: value, SelectedProvider: id, FallbackHistory: history}, nil
		}

		obs.ComputeRequestsTotal.WithLabelValues(id, req.Type, "error").Inc()
		obs.ComputeRequestErrorsTotal.WithLabelValues(id, req.Type, string(engineerr.KindOf(err))).Inc()
		obs.FallbackEventsTotal.WithLabelValues(id, "", string(engineerr.KindOf(err))).Inc()
		r.recordFailure(chosen)
		history = append(history, FallbackEvent{From: id, To: "", Reason: err.Error()})
		lastProvider = id
	}

	if !attemptedExecutor {
		return Result{}, engineerr.New(engineerr.CircuitOpen, "all %d attempts for type %s were rejected by open circuits", maxRetries, req.Type)
	}
	return Result{}, engineerr.New(engineerr.NoProvidersAvailable, "exhausted %d attempts for type %s", maxRetries, req.Type)
}

func (r *Router) recordSuccess(e *providerEntry, latency time.Duration) {
	from, to := e.breaker.record(true, time.Now())
	if from != to {
		obs.CircuitBreakerTransitionsTotal.WithLabelValues(e.provider.ID(), string(from), string(to)).Inc()
	}
	obs.CircuitBreakerStateGauge.WithLabelValues(e.provider.ID()).Set(to.gaugeValue())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health.TotalRequests <= 1 {
		e.health.ResponseTimeMs = float64(latency.Milliseconds())
	} else {
		e.health.ResponseTimeMs = 0.3*float64(latency.Milliseconds()) + 0.7*e.health.ResponseTimeMs
	}
	e.health.SuccessRate = ewmaSuccess(e.health.SuccessRate, true)
	obs.ProviderResponseTimeMs.WithLabelValues(e.provider.ID()).Set(e.health.ResponseTimeMs)
	obs.ProviderSuccessRate.WithLabelValues(e.provider.ID()).Set(e.health.SuccessRate)
}

func (r *Router) recordFailure(e *providerEntry) {
	from, to := e.breaker.record(false, time.Now())
	if from != to {
		obs.CircuitBreakerTransitionsTotal.WithLabelValues(e.provider.ID(), string(from), string(to)).Inc()
	}
	obs.CircuitBreakerStateGauge.WithLabelValues(e.provider.ID()).Set(to.gaugeValue())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.SuccessRate = ewmaSuccess(e.health.SuccessRate, false)
	obs.ProviderSuccessRate.WithLabelValues(e.provider.ID()).Set(e.health.SuccessRate)
}

func ewmaSuccess(prev float64, ok bool) float64 {
	sample := 0.0
	if ok {
		sample = 1.0
	}
	if prev == 0 && ok {
		return sample
	}
	return 0.3*sample + 0.7*prev
}

// StartHealthProbing launches the background probe loop; call Stop to
// tear it down.
func (r *Router) StartHealthProbing(ctx context.Context) {
	interval := r.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.stopProbe = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.probeAll(ctx)
			case <-r.stopProbe:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Router) Stop() {
	if r.stopProbe != nil {
		close(r.stopProbe)
	}
}

func (r *Router) probeAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*providerEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.providers[id])
	}
	r.mu.RUnlock()

	timeout := r.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, e := range entries {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := e.provider.Probe(probeCtx)
		cancel()
		r.applyProbeResult(e, err)
	}
}

func (r *Router) applyProbeResult(e *providerEntry, err error) {
	unhealthy := r.cfg.UnhealthyThreshold
	if unhealthy <= 0 {
		unhealthy = 3
	}
	healthy := r.cfg.HealthyThreshold
	if healthy <= 0 {
		healthy = 2
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.LastCheck = time.Now()
	if err != nil {
		e.health.ConsecutiveFailures++
		e.health.ConsecutiveSuccesses = 0
		switch {
		case e.health.ConsecutiveFailures >= unhealthy:
			e.health.Status = HealthUnhealthy
		default:
			e.health.Status = HealthDegraded
		}
	} else {
		e.health.ConsecutiveSuccesses++
		e.health.ConsecutiveFailures = 0
		if e.health.ConsecutiveSuccesses >= healthy {
			e.health.Status = HealthHealthy
		}
	}
	obs.ProviderHealth.WithLabelValues(e.provider.ID()).Set(e.health.Status.score())
}
