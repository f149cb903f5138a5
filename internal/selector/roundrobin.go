package selector

import (
	"sync"
	"sync/atomic"

	"github.com/berry-api/berry/config"
)

// RoundRobinCounters holds one atomic counter per logical model, so the
// counter advances correctly across concurrent requests. The map of
// counters is guarded by a single mutex shared by all models, taken briefly
// on every lookup.
type RoundRobinCounters struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewRoundRobinCounters builds an empty counter set.
func NewRoundRobinCounters() *RoundRobinCounters {
	return &RoundRobinCounters{counters: make(map[string]*atomic.Uint64)}
}

func (c *RoundRobinCounters) next(modelID string) uint64 {
	c.mu.Lock()
	counter, ok := c.counters[modelID]
	if !ok {
		counter = &atomic.Uint64{}
		c.counters[modelID] = counter
	}
	c.mu.Unlock()
	return counter.Add(1) - 1
}

// RoundRobin sorts the tier by (priority asc, provider_id, backend_index)
// and advances a per-model atomic counter modulo the tier size.
type RoundRobin struct {
	counters *RoundRobinCounters
}

func (rr *RoundRobin) Select(model *config.LogicalModel, tier []Candidate) (*config.Backend, error) {
	if len(tier) == 0 {
		return nil, ErrNoHealthyBackends
	}
	sorted := sortByPriorityThenIndex(tier)
	n := rr.counters.next(model.ID)
	return sorted[n%uint64(len(sorted))].Backend, nil
}
