// Package selector implements the pluggable backend-selection strategies:
// one Strategy interface, a tagged set of implementations, and the shared
// eligibility/tiering rule applied identically before every strategy.
package selector

import (
	"errors"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/breaker"
	"github.com/berry-api/berry/internal/health"
)

// ErrNoHealthyBackends is returned when no candidate survives eligibility
// filtering.
var ErrNoHealthyBackends = errors.New("selector: no healthy backends")

// Candidate pairs a static backend with its live dynamic state.
type Candidate struct {
	Backend  *config.Backend
	Snapshot health.Snapshot
}

// EffectiveWeight is the declared weight de-rated by the runtime multiplier.
func (c Candidate) EffectiveWeight() float64 {
	return c.Backend.Weight * c.Snapshot.WeightMultiplier
}

// Eligible builds the T1/T2-partitioned candidate tier for a logical model:
//  1. drop disabled backends (already done by config.EnabledBackends),
//  2. drop backends whose breaker is Open,
//  3. T1 = Closed & status != Unhealthy, T2 = everything else that survived.
// Strategies select from T1 if non-empty, else T2, else ErrNoHealthyBackends.
//
// exclude carries backend keys already tried in this request's retry loop.
func Eligible(model *config.LogicalModel, registry *health.Registry, exclude map[string]struct{}) ([]Candidate, error) {
	var t1, t2 []Candidate

	for _, b := range model.EnabledBackends() {
		key := b.Key(model.ID)
		if _, skip := exclude[key]; skip {
			continue
		}

		br := registry.Breaker(key)
		if br.State() == breaker.Open {
			continue
		}

		snap := registry.Snapshot(key)
		cand := Candidate{Backend: b, Snapshot: snap}

		if br.State() == breaker.Closed && snap.Status != health.Unhealthy {
			t1 = append(t1, cand)
		} else {
			t2 = append(t2, cand)
		}
	}

	if len(t1) > 0 {
		return t1, nil
	}
	if len(t2) > 0 {
		return t2, nil
	}
	return nil, ErrNoHealthyBackends
}

// EligibleSmart is Eligible's per_request-aware variant, used only by
// SmartWeightedFailover: since per_request backends are never actively
// probed (§4.4), an Unhealthy per_request backend is still T1-eligible so
// its weight can recover gradually from passive traffic instead of being
// hard-cut until the next probe (there is no next probe).
func EligibleSmart(model *config.LogicalModel, registry *health.Registry, exclude map[string]struct{}) ([]Candidate, error) {
	var t1, t2 []Candidate

	for _, b := range model.EnabledBackends() {
		key := b.Key(model.ID)
		if _, skip := exclude[key]; skip {
			continue
		}

		br := registry.Breaker(key)
		if br.State() == breaker.Open {
			continue
		}

		snap := registry.Snapshot(key)
		cand := Candidate{Backend: b, Snapshot: snap}

		perRequestUnhealthy := b.BillingMode == config.BillingPerRequest && snap.Status == health.Unhealthy
		if br.State() == breaker.Closed && (snap.Status != health.Unhealthy || perRequestUnhealthy) {
			t1 = append(t1, cand)
		} else {
			t2 = append(t2, cand)
		}
	}

	if len(t1) > 0 {
		return t1, nil
	}
	if len(t2) > 0 {
		return t2, nil
	}
	return nil, ErrNoHealthyBackends
}
