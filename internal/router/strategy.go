// Copyright 2025 James Ross
package router

import (
	"math/rand"
)

// selectCandidate applies strategy over candidates, which are already
// filtered to registered, not-unhealthy, circuit-available
// providers. The round-robin cursor is owned by the caller (Router) since
// it must persist across calls.
func selectCandidate(strategy Strategy, candidates []*providerEntry, rrCursor *int, weightsRand *rand.Rand) *providerEntry {
	if len(candidates) == 0 {
		return nil
	}
	switch strategy {
	case StrategyRoundRobin:
		idx := *rrCursor % len(candidates)
		*rrCursor = (*rrCursor + 1) % len(candidates)
		return candidates[idx]
	case StrategyRandom:
		return candidates[weightsRand.Intn(len(candidates))]
	case StrategyWeighted:
		return weightedPick(candidates, weightsRand)
	case StrategyLeastConnections:
		return leastConnectionsPick(candidates)
	case StrategyCostOptimized:
		return costOptimizedPick(candidates)
	case StrategyHealthAware:
		fallthrough
	default:
		return healthAwarePick(candidates)
	}
}

// healthAwarePick maximizes 0.4·healthScore + 0.3·latencyScore + 0.3·successRate.
func healthAwarePick(candidates []*providerEntry) *providerEntry {
	var best *providerEntry
	var bestScore float64 = -1
	for _, c := range candidates {
		c.mu.Lock()
		h := c.health
		c.mu.Unlock()
		healthScore := h.Status.score()
		latencyScore := 1 - h.ResponseTimeMs/10000
		if latencyScore < 0 {
			latencyScore = 0
		}
		score := 0.4*healthScore + 0.3*latencyScore + 0.3*h.SuccessRate
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

func weightedPick(candidates []*providerEntry, r *rand.Rand) *providerEntry {
	var total float64
	for _, c := range candidates {
		w := c.provider.Weight()
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	target := r.Float64() * total
	var acc float64
	for _, c := range candidates {
		w := c.provider.Weight()
		if w <= 0 {
			w = 1
		}
		acc += w
		if target < acc {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func leastConnectionsPick(candidates []*providerEntry) *providerEntry {
	var best *providerEntry
	best = candidates[0]
	bestActive := -1
	for _, c := range candidates {
		c.mu.Lock()
		active := c.health.ActiveConnections
		c.mu.Unlock()
		if bestActive == -1 || active < bestActive {
			bestActive = active
			best = c
		}
	}
	return best
}

func costOptimizedPick(candidates []*providerEntry) *providerEntry {
	best := candidates[0]
	bestCost := -1.0
	for _, c := range candidates {
		cost := c.provider.CostFactor() * (1 + c.provider.CostSensitivity())
		if bestCost < 0 || cost < bestCost {
			bestCost = cost
			best = c
		}
	}
	return best
}
