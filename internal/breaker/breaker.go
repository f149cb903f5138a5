// Package breaker implements the per-backend three-state circuit breaker:
// Closed -> Open -> HalfOpen -> Closed|Open. Transitions are compare-and-set
// so a concurrent prober tick and a request task can never regress an
// already-advanced state.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is one backend's circuit breaker, using compare-and-set state
// transitions so a concurrent prober tick and a request task never race.
type Breaker struct {
	mu sync.Mutex

	state    State
	openedAt time.Time

	failureThreshold int
	cooldown         time.Duration

	halfOpenInFlight bool

	clock clock.Clock
}

// New creates a Breaker starting Closed.
func New(failureThreshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		clock:            clk,
	}
}

// resolve applies the Open -> HalfOpen timeout transition lazily, on read or
// before every admission check.
func (b *Breaker) resolve() {
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		b.state = HalfOpen
		b.halfOpenInFlight = false
	}
}

// State returns the current state, resolving a stale Open->HalfOpen timeout first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolve()
	return b.state
}

// Allow reports whether a request may be admitted against this backend, and
// if so, whether it is the single admitted HalfOpen probe.
func (b *Breaker) Allow() (allowed bool, isHalfOpenProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolve()

	switch b.state {
	case Closed:
		return true, false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false, false
		}
		b.halfOpenInFlight = true
		return true, true
	default: // Open
		return false, false
	}
}

// OnFailure records a failed observation. consecutiveFailures is the
// backend's current run-length of failures as tracked by the health
// registry; the breaker opens once it reaches failureThreshold, and a
// HalfOpen probe failure reopens it immediately regardless of count.
func (b *Breaker) OnFailure(consecutiveFailures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolve()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.clock.Now()
		b.halfOpenInFlight = false
	case Closed:
		if consecutiveFailures >= b.failureThreshold {
			b.state = Open
			b.openedAt = b.clock.Now()
		}
	}
}

// ForceOpen opens the breaker unconditionally, bypassing the failure-count
// threshold. Used for failures that must take a backend out of rotation
// immediately regardless of consecutive-failure count, such as an
// authentication rejection.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = b.clock.Now()
	b.halfOpenInFlight = false
}

// OnSuccess records a successful observation.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolve()

	if b.state == HalfOpen {
		b.state = Closed
		b.halfOpenInFlight = false
	}
}
