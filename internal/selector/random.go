package selector

import (
	"math/rand/v2"

	"github.com/berry-api/berry/config"
)

// Random picks uniformly among the tier.
type Random struct{}

func (Random) Select(_ *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	if len(tier) == 0 {
		return nil, ErrNoHealthyBackends
	}
	return tier[rand.IntN(len(tier))].Backend, nil
}
