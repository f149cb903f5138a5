package selector

import "github.com/berry-api/berry/config"

// Failover sorts the tier by (priority asc, backend_index asc) and returns
// the first. Latency and weight are ignored; the eligibility tier's own
// T1->T2 fallback already provides automatic failover to half-open/unhealthy
// candidates once T1 is exhausted.
type Failover struct{}

func (Failover) Select(_ *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	if len(tier) == 0 {
		return nil, ErrNoHealthyBackends
	}
	best := tier[0]
	for _, c := range tier[1:] {
		if c.Backend.Priority < best.Backend.Priority ||
			(c.Backend.Priority == best.Backend.Priority && c.Backend.Index < best.Backend.Index) {
			best = c
		}
	}
	return best.Backend, nil
}
