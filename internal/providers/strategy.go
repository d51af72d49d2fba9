package providers

import (
	"math/rand"
	"sort"
	"time"
)

// Strategy names a provider-selection policy.
type Strategy string

const (
	StrategyPriority    Strategy = "priority"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyWeighted    Strategy = "weighted"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyPerformance Strategy = "performance"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	_, ok := selectors[s]
	return ok
}

// selectorFunc picks one provider from a non-empty eligible set. The round
// robin selector consults registry state for its rotation cursor.
type selectorFunc func(r *Registry, eligible []*Provider) *Provider

// selectors is the dispatch table from strategy name to implementation.
var selectors = map[Strategy]selectorFunc{
	StrategyPriority:    selectByPriority,
	StrategyRoundRobin:  selectRoundRobin,
	StrategyWeighted:    selectWeighted,
	StrategyLeastLoaded: selectLeastLoaded,
	StrategyPerformance: selectByPerformance,
}

func selectByPriority(_ *Registry, eligible []*Provider) *Provider {
	best := eligible[0]
	for _, p := range eligible[1:] {
		if p.priority < best.priority {
			best = p
		}
	}
	return best
}

// selectRoundRobin rotates through the eligible set starting after the last
// selected provider, so a stable set is visited exactly once per cycle.
func selectRoundRobin(r *Registry, eligible []*Provider) *Provider {
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].name < eligible[j].name
	})

	last := r.lastSelected
	start := 0
	for i, p := range eligible {
		if p.name == last {
			start = i + 1
			break
		}
		if p.name > last {
			start = i
			break
		}
		start = i + 1
	}
	return eligible[start%len(eligible)]
}

func selectWeighted(_ *Registry, eligible []*Provider) *Provider {
	total := 0
	for _, p := range eligible {
		total += p.weight
	}
	if total <= 0 {
		return eligible[rand.Intn(len(eligible))]
	}
	draw := rand.Intn(total)
	for _, p := range eligible {
		draw -= p.weight
		if draw < 0 {
			return p
		}
	}
	return eligible[len(eligible)-1]
}

func selectLeastLoaded(_ *Registry, eligible []*Provider) *Provider {
	best := eligible[0]
	bestLoad := best.CurrentLoad()
	for _, p := range eligible[1:] {
		if load := p.CurrentLoad(); load < bestLoad {
			best, bestLoad = p, load
		}
	}
	return best
}

// selectByPerformance prefers the smallest average response time. Providers
// with no observations yet sort last so a cold provider is not mistaken for a
// fast one.
func selectByPerformance(_ *Registry, eligible []*Provider) *Provider {
	var best *Provider
	var bestAvg time.Duration
	for _, p := range eligible {
		avg := p.avgResponseTime()
		if avg == 0 {
			continue
		}
		if best == nil || avg < bestAvg {
			best, bestAvg = p, avg
		}
	}
	if best == nil {
		return eligible[0]
	}
	return best
}
