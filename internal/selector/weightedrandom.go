package selector

import (
	"math/rand/v2"

	"github.com/berry-api/berry/config"
)

// WeightedRandom samples the tier by cumulative distribution over
// effective weight (declared weight x runtime weight_multiplier). The
// cumulative distribution is laid out in (priority, provider id, backend
// index) order by the stable pre-sort.
type WeightedRandom struct{}

func (WeightedRandom) Select(_ *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	return weightedPick(tier)
}

// weightedPick performs cumulative-distribution sampling shared by
// WeightedRandom and the weight-sampling step inside WeightedFailover /
// SmartWeightedFailover.
func weightedPick(tier []Candidate) (*config.Backend, error) {
	if len(tier) == 0 {
		return nil, ErrNoHealthyBackends
	}

	sorted := sortByPriorityThenIndex(tier)

	total := 0.0
	for _, c := range sorted {
		total += c.EffectiveWeight()
	}
	if total <= 0 {
		return sorted[0].Backend, nil
	}

	target := rand.Float64() * total
	cumulative := 0.0
	for _, c := range sorted {
		cumulative += c.EffectiveWeight()
		if target < cumulative {
			return c.Backend, nil
		}
	}
	return sorted[len(sorted)-1].Backend, nil
}
