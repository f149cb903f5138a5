// Package health tracks the per-backend dynamic state the selector
// strategies read: status, latency EWMA, failure counters, and the runtime
// weight multiplier. State is created lazily and lives for the process
// lifetime; the registry never blocks a selection to update it.
package health

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/breaker"
)

// Status is the coarse-grained health of a backend.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// FailureKind classifies why a request into a backend failed.
type FailureKind int

const (
	FailureNetwork FailureKind = iota
	FailureTimeout
	FailureUpstream5xx
	FailureUpstream429
	FailureUpstreamAuth
	FailureMalformed
)

// degrades reports whether this failure kind counts toward the
// consecutive-failure thresholds that drive status demotion.
func (k FailureKind) degrades() bool {
	return k != FailureUpstreamAuth
}

// String names a failure kind for metrics labels and logging.
func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureTimeout:
		return "timeout"
	case FailureUpstream5xx:
		return "upstream_5xx"
	case FailureUpstream429:
		return "upstream_429"
	case FailureUpstreamAuth:
		return "upstream_auth"
	case FailureMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

const (
	failuresToDegrade = 2

	weightStepUp   = 0.2
	weightStepDown = 0.4
	weightFloor    = 0.1
	weightCeiling  = 1.0

	// Recovery-stage weight fractions for billing_mode=per_request backends
	// recovering purely from passive traffic observation, since they are
	// never actively probed.
	recoveryStage1 = 0.3
	recoveryStage2 = 0.5
	recoveryFull   = 1.0
)

// Snapshot is a point-in-time, allocation-free read of a backend's dynamic
// state, safe to use after the call returns (it does not alias the record).
type Snapshot struct {
	Key                 string
	Status              Status
	LatencyEWMAMillis   float64
	WeightMultiplier    float64
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	LastActiveProbeAt   time.Time
	LastObservedAt      time.Time
	BreakerState        string
}

// Record is one backend's mutable dynamic state, guarded by its own mutex so
// updates to different backends never contend.
type Record struct {
	mu sync.Mutex

	key    string
	status Status

	latencyEWMA float64
	seeded      bool

	consecutiveFailures int
	consecutiveSuccess  int

	weightMultiplier float64

	// recoveryStage tracks passive-only recovery for per_request backends;
	// 0 means "not in recovery" (either never failed, or fully recovered).
	recoveryStage int

	lastActiveProbeAt time.Time
	lastObservedAt    time.Time

	breaker *breaker.Breaker

	clock clock.Clock
}

func newRecord(key string, seedLatencyMillis float64, clk clock.Clock, failureThreshold int, cooldown time.Duration) *Record {
	return &Record{
		key:              key,
		status:           Healthy,
		latencyEWMA:      seedLatencyMillis,
		weightMultiplier: weightCeiling,
		breaker:          breaker.New(failureThreshold, cooldown, clk),
		clock:            clk,
	}
}

// Registry owns every backend's dynamic Record, keyed by config.Backend.Key
// (logical model id + "#" + backend index). Records are created by Seed or
// lazily on first lookup, under the registry's RWMutex, and are never
// removed.
type Registry struct {
	clock                clock.Clock
	requestTimeoutMillis float64
	breakerThreshold     int
	breakerCooldown      time.Duration

	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry builds an empty registry. seedLatencyMillis is the EWMA value
// a backend reports until its first observation replaces it, conventionally
// the configured request timeout in milliseconds so an unobserved backend
// never looks artificially fast. breakerThreshold/breakerCooldown are the configured
// circuit breaker failure threshold and cooldown, applied to every backend's
// breaker.
func NewRegistry(clk clock.Clock, seedLatencyMillis float64, breakerThreshold int, breakerCooldown time.Duration) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:                clk,
		requestTimeoutMillis: seedLatencyMillis,
		breakerThreshold:     breakerThreshold,
		breakerCooldown:      breakerCooldown,
		records:              make(map[string]*Record),
	}
}

// Seed ensures a record exists for every enabled backend of every enabled
// logical model, so admin introspection and the prober see every backend
// even before its first observation.
func (r *Registry) Seed(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range cfg.Models {
		if !m.Enabled {
			continue
		}
		for _, b := range m.EnabledBackends() {
			key := b.Key(m.ID)
			if _, ok := r.records[key]; !ok {
				r.records[key] = newRecord(key, r.requestTimeoutMillis, r.clock, r.breakerThreshold, r.breakerCooldown)
			}
		}
	}
}

func (r *Registry) getOrCreate(key string) *Record {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if ok {
		return rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec
	}
	rec = newRecord(key, r.requestTimeoutMillis, r.clock, r.breakerThreshold, r.breakerCooldown)
	r.records[key] = rec
	return rec
}

// Get returns the record for key, creating it lazily if needed.
func (r *Registry) Get(key string) *Record {
	return r.getOrCreate(key)
}

// Keys returns every known backend key, for admin introspection and the
// active prober's iteration.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	return keys
}

// RecordSuccess applies a successful observation: EWMA update, counter
// reset, promotion out of Degraded/Unhealthy, and weight recovery.
func (r *Registry) RecordSuccess(key string, latency time.Duration) {
	r.getOrCreate(key).recordSuccess(latency, r.clock.Now())
}

// RecordFailure applies a failed observation of the given kind.
func (r *Registry) RecordFailure(key string, kind FailureKind, unhealthyThreshold int) {
	r.getOrCreate(key).recordFailure(kind, unhealthyThreshold, r.clock.Now())
}

// RecordPassiveSuccess advances a per_request backend's gradual weight
// recovery curve from ordinary request traffic, since it can never be
// actively probed.
func (r *Registry) RecordPassiveSuccess(key string, latency time.Duration) {
	r.getOrCreate(key).recordPassiveSuccess(latency, r.clock.Now())
}

// InitializePerRequestRecovery drops a per_request backend straight to the
// recovery floor after a failure, since it cannot be actively re-probed to
// confirm recovery before then.
func (r *Registry) InitializePerRequestRecovery(key string) {
	r.getOrCreate(key).initializePerRequestRecovery()
}

// Snapshot returns a cheap read of a backend's state. It briefly takes the
// record's lock and the breaker's lock, so it waits for an update of the
// same backend that is in progress.
func (r *Registry) Snapshot(key string) Snapshot {
	return r.getOrCreate(key).snapshot()
}

func (rec *Record) recordSuccess(latency time.Duration, now time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.updateEWMA(latency)
	rec.consecutiveSuccess++
	rec.consecutiveFailures = 0
	rec.lastObservedAt = now

	if (rec.status == Degraded || rec.status == Unhealthy) && rec.consecutiveSuccess >= 2 {
		rec.status = Healthy
	}
	rec.weightMultiplier = min(weightCeiling, rec.weightMultiplier+weightStepUp)
	rec.recoveryStage = 0
}

func (rec *Record) recordFailure(kind FailureKind, unhealthyThreshold int, now time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.lastObservedAt = now
	if !kind.degrades() {
		return
	}

	rec.consecutiveFailures++
	rec.consecutiveSuccess = 0

	if rec.consecutiveFailures >= failuresToDegrade && rec.status == Healthy {
		rec.status = Degraded
		rec.weightMultiplier = max(weightFloor, rec.weightMultiplier-weightStepDown)
	}
	if rec.consecutiveFailures >= unhealthyThreshold {
		rec.status = Unhealthy
		rec.weightMultiplier = weightFloor
	}
}

func (rec *Record) recordPassiveSuccess(latency time.Duration, now time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.updateEWMA(latency)
	rec.consecutiveSuccess++
	rec.consecutiveFailures = 0
	rec.lastObservedAt = now

	switch {
	case rec.consecutiveSuccess >= 5:
		rec.weightMultiplier = recoveryFull
		rec.status = Healthy
		rec.recoveryStage = 0
	case rec.consecutiveSuccess >= 3:
		rec.weightMultiplier = recoveryStage2
		rec.recoveryStage = 2
	case rec.consecutiveSuccess >= 1:
		rec.weightMultiplier = recoveryStage1
		rec.recoveryStage = 1
	}
}

func (rec *Record) initializePerRequestRecovery() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = Unhealthy
	rec.weightMultiplier = weightFloor
	rec.recoveryStage = 0
	rec.consecutiveSuccess = 0
}

func (rec *Record) updateEWMA(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if !rec.seeded {
		rec.latencyEWMA = ms
		rec.seeded = true
		return
	}
	// Half-life ~8 samples: alpha = 1 - 0.5^(1/8).
	const alpha = 0.0830
	rec.latencyEWMA = rec.latencyEWMA*(1-alpha) + ms*alpha
}

func (rec *Record) snapshot() Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Snapshot{
		Key:                 rec.key,
		Status:              rec.status,
		LatencyEWMAMillis:   rec.latencyEWMA,
		WeightMultiplier:    rec.weightMultiplier,
		ConsecutiveFailures: rec.consecutiveFailures,
		ConsecutiveSuccess:  rec.consecutiveSuccess,
		LastActiveProbeAt:   rec.lastActiveProbeAt,
		LastObservedAt:      rec.lastObservedAt,
		BreakerState:        rec.breaker.State().String(),
	}
}

// Breaker returns the circuit breaker guarding this backend.
func (r *Registry) Breaker(key string) *breaker.Breaker {
	return r.getOrCreate(key).breaker
}

// MarkActiveProbe stamps the time of an active-prober attempt against this backend.
func (r *Registry) MarkActiveProbe(key string, at time.Time) {
	rec := r.getOrCreate(key)
	rec.mu.Lock()
	rec.lastActiveProbeAt = at
	rec.mu.Unlock()
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
