package selector

import (
	"github.com/berry-api/berry/config"
)

// LeastLatency picks the argmin of latency_ewma_ms, ties going to the
// candidate with the lower priority. If every candidate reports the same
// latency_ewma_ms, it defers to RoundRobin within the tier; this covers the
// unobserved case where all sit at the seeded default, and equally any case
// where observed values happen to be identical.
type LeastLatency struct {
	fallback *RoundRobin
}

func (ll LeastLatency) Select(model *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	if len(tier) == 0 {
		return nil, ErrNoHealthyBackends
	}

	seed := tier[0].Snapshot.LatencyEWMAMillis
	allSeeded := true
	for _, c := range tier[1:] {
		if c.Snapshot.LatencyEWMAMillis != seed {
			allSeeded = false
			break
		}
	}
	if allSeeded {
		return ll.fallback.Select(model, tier)
	}

	sorted := sortByPriorityThenIndex(tier)
	best := sorted[0]
	for _, c := range sorted[1:] {
		if c.Snapshot.LatencyEWMAMillis < best.Snapshot.LatencyEWMAMillis {
			best = c
		}
	}
	return best.Backend, nil
}
