package selector

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/health"
)

func twoBackendModel(weightA, weightB float64) *config.LogicalModel {
	return &config.LogicalModel{
		ID:      "m",
		Enabled: true,
		Backends: []*config.Backend{
			{Index: 0, Provider: "p", Model: "a", Weight: weightA, Enabled: true},
			{Index: 1, Provider: "p", Model: "b", Weight: weightB, Enabled: true},
		},
	}
}

func TestWeightedRandomConvergesToConfiguredWeights(t *testing.T) {
	model := twoBackendModel(0.7, 0.3)
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)

	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)
	require.Len(t, tier, 2)

	strategy := WeightedRandom{}
	counts := map[int]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		backend, err := strategy.Select(model, tier)
		require.NoError(t, err)
		counts[backend.Index]++
	}

	assert.InDelta(t, 7000, counts[0], 300)
	assert.InDelta(t, 3000, counts[1], 300)
}

func TestRoundRobinIsExactlyUniformOverATierWindow(t *testing.T) {
	model := twoBackendModel(1, 1)
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)
	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)

	rr := &RoundRobin{counters: NewRoundRobinCounters()}
	counts := map[int]int{}
	for i := 0; i < 100; i++ {
		backend, err := rr.Select(model, tier)
		require.NoError(t, err)
		counts[backend.Index]++
	}
	assert.Equal(t, 50, counts[0])
	assert.Equal(t, 50, counts[1])
}

func TestRoundRobinOrderIsStablePerModel(t *testing.T) {
	model := twoBackendModel(1, 1)
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)
	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)

	rr := &RoundRobin{counters: NewRoundRobinCounters()}
	first, err := rr.Select(model, tier)
	require.NoError(t, err)
	second, err := rr.Select(model, tier)
	require.NoError(t, err)
	assert.NotEqual(t, first.Index, second.Index)
}

func TestEligibleExcludesOpenBreaker(t *testing.T) {
	model := twoBackendModel(1, 1)
	registry := health.NewRegistry(clock.NewMock(), 30000, 1, 60*time.Second)

	key := model.Backends[0].Key(model.ID)
	registry.RecordFailure(key, health.FailureUpstream5xx, 1)
	registry.Breaker(key).OnFailure(1)
	require.Equal(t, "open", registry.Breaker(key).State().String())

	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)
	require.Len(t, tier, 1)
	assert.Equal(t, 1, tier[0].Backend.Index)
}

func TestEligibleFallsBackToT2WhenAllUnhealthy(t *testing.T) {
	model := twoBackendModel(1, 1)
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)

	for _, b := range model.Backends {
		key := b.Key(model.ID)
		for i := 0; i < 5; i++ {
			registry.RecordFailure(key, health.FailureUpstream5xx, 5)
		}
	}

	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)
	assert.Len(t, tier, 2)
}

func TestEligibleReturnsErrorWhenBothBreakersOpen(t *testing.T) {
	model := twoBackendModel(1, 1)
	registry := health.NewRegistry(clock.NewMock(), 30000, 1, 60*time.Second)

	for _, b := range model.Backends {
		key := b.Key(model.ID)
		registry.RecordFailure(key, health.FailureUpstream5xx, 1)
		registry.Breaker(key).OnFailure(1)
	}

	_, err := Eligible(model, registry, nil)
	assert.ErrorIs(t, err, ErrNoHealthyBackends)
}

func TestEligibleSmartTreatsUnhealthyPerRequestAsT1(t *testing.T) {
	model := &config.LogicalModel{
		ID:      "m",
		Enabled: true,
		Backends: []*config.Backend{
			{Index: 0, Provider: "p", Model: "a", Weight: 1, Enabled: true, BillingMode: config.BillingPerRequest},
		},
	}
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)
	key := model.Backends[0].Key(model.ID)
	registry.InitializePerRequestRecovery(key)
	require.Equal(t, health.Unhealthy, registry.Snapshot(key).Status)

	tier, err := EligibleSmart(model, registry, nil)
	require.NoError(t, err)
	require.Len(t, tier, 1)

	// Plain Eligible would demote this backend to the T2 fallback tier
	// instead of treating it as first-class.
	plainTier, err := Eligible(model, registry, nil)
	require.NoError(t, err)
	require.Len(t, plainTier, 1)
}

func TestWeightedFailoverPrefersLowestPriorityGroup(t *testing.T) {
	model := &config.LogicalModel{
		ID:      "m",
		Enabled: true,
		Backends: []*config.Backend{
			{Index: 0, Provider: "p", Model: "a", Weight: 1, Priority: 1, Enabled: true},
			{Index: 1, Provider: "p", Model: "b", Weight: 1, Priority: 0, Enabled: true},
		},
	}
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)
	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)

	strategy := WeightedFailover{}
	for i := 0; i < 20; i++ {
		backend, err := strategy.Select(model, tier)
		require.NoError(t, err)
		assert.Equal(t, 1, backend.Index)
	}
}

func TestFailoverPicksLowestPriorityThenIndex(t *testing.T) {
	model := &config.LogicalModel{
		ID:      "m",
		Enabled: true,
		Backends: []*config.Backend{
			{Index: 0, Provider: "p", Model: "a", Weight: 1, Priority: 5, Enabled: true},
			{Index: 1, Provider: "p", Model: "b", Weight: 1, Priority: 0, Enabled: true},
		},
	}
	registry := health.NewRegistry(clock.NewMock(), 30000, 5, 60*time.Second)
	tier, err := Eligible(model, registry, nil)
	require.NoError(t, err)

	backend, err := Failover{}.Select(model, tier)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Index)
}
