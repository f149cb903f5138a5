package selector

import (
	"sort"

	"github.com/berry-api/berry/config"
)

// Strategy picks one backend out of a logical model's eligible tier.
// Implementations must not mutate the candidate slice they're given.
type Strategy interface {
	Select(model *config.LogicalModel, tier []Candidate) (*config.Backend, error)
}

func sortByPriorityThenIndex(tier []Candidate) []Candidate {
	sorted := make([]Candidate, len(tier))
	copy(sorted, tier)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Backend.Priority != sorted[j].Backend.Priority {
			return sorted[i].Backend.Priority < sorted[j].Backend.Priority
		}
		if sorted[i].Backend.Provider != sorted[j].Backend.Provider {
			return sorted[i].Backend.Provider < sorted[j].Backend.Provider
		}
		return sorted[i].Backend.Index < sorted[j].Backend.Index
	})
	return sorted
}

// Registry maps a configured strategy name to its Strategy implementation.
type Registry struct {
	byName map[string]Strategy
}

// NewRegistry builds the fixed set of seven supported selection strategies.
func NewRegistry(modelCounters *RoundRobinCounters) *Registry {
	return &Registry{byName: map[string]Strategy{
		config.StrategyRandom:                Random{},
		config.StrategyRoundRobin:            &RoundRobin{counters: modelCounters},
		config.StrategyWeightedRandom:        WeightedRandom{},
		config.StrategyLeastLatency:          LeastLatency{fallback: &RoundRobin{counters: modelCounters}},
		config.StrategyFailover:              Failover{},
		config.StrategyWeightedFailover:      WeightedFailover{},
		config.StrategySmartWeightedFailover: SmartWeightedFailover{},
	}}
}

// For resolves the named strategy, or nil if unknown (config validation
// already rejects unknown names, so this should not happen at runtime).
func (r *Registry) For(name string) Strategy {
	return r.byName[name]
}

// UsesSmartEligibility reports whether the given strategy name needs
// EligibleSmart instead of Eligible when building its candidate tier.
func UsesSmartEligibility(name string) bool {
	return name == config.StrategySmartWeightedFailover
}
