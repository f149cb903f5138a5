package selector

import "github.com/berry-api/berry/config"

// WeightedFailover groups the tier by priority and applies WeightedRandom
// within the lowest-priority group present, advancing to the next group
// only when the whole lower group has been excluded by eligibility
// filtering (breaker-open/unhealthy).
type WeightedFailover struct{}

func (WeightedFailover) Select(_ *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	group, err := lowestPriorityGroup(tier)
	if err != nil {
		return nil, err
	}
	return weightedPick(group)
}

func lowestPriorityGroup(tier []Candidate) ([]Candidate, error) {
	if len(tier) == 0 {
		return nil, ErrNoHealthyBackends
	}
	lowest := tier[0].Backend.Priority
	for _, c := range tier[1:] {
		if c.Backend.Priority < lowest {
			lowest = c.Backend.Priority
		}
	}
	group := make([]Candidate, 0, len(tier))
	for _, c := range tier {
		if c.Backend.Priority == lowest {
			group = append(group, c)
		}
	}
	return group, nil
}

// SmartWeightedFailover is WeightedFailover whose weighted sampling uses
// effective weights, combined with EligibleSmart's per_request-aware
// tiering so per_request backends recover gradually instead of being
// hard-cut out of rotation.
type SmartWeightedFailover struct{}

func (SmartWeightedFailover) Select(_ *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	group, err := lowestPriorityGroup(tier)
	if err != nil {
		return nil, err
	}
	return weightedPick(group)
}
