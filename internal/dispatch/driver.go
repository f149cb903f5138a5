// Package dispatch implements the internal retry driver: it asks the
// selector for a backend, invokes the forwarder, feeds the outcome back
// into the health registry and circuit breaker, and fails over to the
// next-best backend up to a bound, transparently to the caller.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/forwarder"
	"github.com/berry-api/berry/internal/health"
	"github.com/berry-api/berry/internal/metrics"
	"github.com/berry-api/berry/internal/selector"
)

// Invoker is the subset of *forwarder.Forwarder the retry driver needs,
// narrowed to an interface so tests can substitute a stub forwarder without
// standing up real HTTP servers.
type Invoker interface {
	Invoke(ctx context.Context, backend *config.Backend, path string, body []byte, header http.Header, stream bool) forwarder.Outcome
}

// ErrNoHealthyBackends and *AllBackendsFailedError are the two terminal
// error kinds the retry driver itself produces (as distinct from a Fatal
// outcome, which is not an error -- it's a response to relay).
var ErrNoHealthyBackends = errors.New("dispatch: no healthy backends")

// AllBackendsFailedError is returned once the attempt budget
// (min(max_internal_retries, eligible candidates)) is used up without a
// success. Last is the final Retryable upstream outcome, whose kind is
// echoed to the client. Last is the zero Outcome when no forwarder call was
// made (for example, max_internal_retries configured to zero).
type AllBackendsFailedError struct {
	Last forwarder.Outcome
}

func (e *AllBackendsFailedError) Error() string { return "dispatch: all backends failed" }

// Result is what Dispatch returns on success: either a buffered response or
// a stream handle, plus which backend served it (for logging).
type Result struct {
	Outcome forwarder.Outcome
	Backend *config.Backend
}

// Driver ties the selector, health registry, and per-provider forwarders
// together into the retry loop.
type Driver struct {
	settings   config.Settings
	strategies *selector.Registry
	registry   *health.Registry
	forwarders map[string]Invoker // by provider id
	metrics    *metrics.Metrics
	clock      clock.Clock
	tracer     trace.Tracer
}

// New builds a Driver. forwarders must have one entry per enabled provider.
// m may be nil, in which case metrics collection is skipped.
func New(settings config.Settings, strategies *selector.Registry, registry *health.Registry, forwarders map[string]Invoker, m *metrics.Metrics, clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.New()
	}
	return &Driver{
		settings:   settings,
		strategies: strategies,
		registry:   registry,
		forwarders: forwarders,
		metrics:    m,
		clock:      clk,
		tracer:     otel.Tracer("berry-api/dispatch"),
	}
}

// Dispatch runs the retry loop against one logical model for one already-
// authenticated, already-parsed request.
func (d *Driver) Dispatch(ctx context.Context, model *config.LogicalModel, path string, body []byte, header http.Header, stream bool) (Result, error) {
	dispatchStart := d.clock.Now()

	strategy := d.strategies.For(model.Strategy)
	eligibleFn := selector.Eligible
	if selector.UsesSmartEligibility(model.Strategy) {
		eligibleFn = selector.EligibleSmart
	}

	initial, err := eligibleFn(model, d.registry, nil)
	if err != nil {
		d.observeRequest(model.ID, dispatchStart, "error", "no_healthy_backends")
		return Result{}, ErrNoHealthyBackends
	}

	// attemptsRemaining is bounded by both the configured retry budget and
	// the number of eligible candidates; a budget of zero means zero
	// attempts, not one.
	attemptsRemaining := d.settings.MaxInternalRetries
	if len(initial) < attemptsRemaining {
		attemptsRemaining = len(initial)
	}

	tried := make(map[string]struct{})
	var lastOutcome forwarder.Outcome

	for {
		if attemptsRemaining <= 0 {
			d.observeRequest(model.ID, dispatchStart, "error", "all_backends_failed")
			return Result{}, &AllBackendsFailedError{Last: lastOutcome}
		}

		selectStart := d.clock.Now()
		tier, err := eligibleFn(model, d.registry, tried)
		if err != nil {
			d.observeRequest(model.ID, dispatchStart, "error", "no_healthy_backends")
			return Result{}, ErrNoHealthyBackends
		}
		backend, err := strategy.Select(model, tier)
		if err != nil {
			d.observeRequest(model.ID, dispatchStart, "error", "no_healthy_backends")
			return Result{}, ErrNoHealthyBackends
		}
		selectionMillis := float64(d.clock.Now().Sub(selectStart).Microseconds()) / 1000

		key := backend.Key(model.ID)
		br := d.registry.Breaker(key)
		allowed, _ := br.Allow()
		if !allowed {
			tried[key] = struct{}{}
			attemptsRemaining--
			continue
		}

		provider := d.forwarders[backend.Provider]
		preSnap := d.registry.Snapshot(key)

		ctx, span := d.tracer.Start(ctx, "berry.dispatch.attempt", trace.WithAttributes(
			attribute.String("berry.backend.provider", backend.Provider),
			attribute.String("berry.backend.model", backend.Model),
			attribute.Int("berry.backend.index", backend.Index),
			attribute.Float64("berry.selector.duration_ms", selectionMillis),
		))

		start := d.clock.Now()
		outcome := provider.Invoke(ctx, backend, path, body, header, stream)
		elapsed := d.clock.Now().Sub(start)
		span.SetAttributes(attribute.Int("berry.outcome.kind", int(outcome.Kind)))
		span.End()

		switch outcome.Kind {
		case forwarder.Completed, forwarder.FirstByteSent:
			d.recordSuccess(key, backend, preSnap, elapsed)
			br.OnSuccess()
			d.observeBackend(key)
			d.observeRequest(model.ID, dispatchStart, "success", outcomeName(outcome.Kind))
			return Result{Outcome: outcome, Backend: backend}, nil

		case forwarder.Retryable:
			d.recordFailure(key, backend, outcome.FailureKind)
			d.observeBackend(key)
			tried[key] = struct{}{}
			attemptsRemaining--
			lastOutcome = outcome
			continue

		case forwarder.Fatal:
			if outcome.IsAuthFailure {
				// Auth failures don't count toward the consecutive-failure
				// run that drives status demotion, but they must still take
				// the backend out of rotation immediately.
				d.recordFailure(key, backend, outcome.FailureKind)
				br.ForceOpen()
				d.observeBackend(key)
			}
			d.observeRequest(model.ID, dispatchStart, "fatal", outcomeName(outcome.Kind))
			return Result{Outcome: outcome, Backend: backend}, nil
		}

		// Unreachable: all OutcomeKind values are handled above.
		return Result{}, &AllBackendsFailedError{Last: outcome}
	}
}

func outcomeName(k forwarder.OutcomeKind) string {
	switch k {
	case forwarder.Completed:
		return "completed"
	case forwarder.FirstByteSent:
		return "first_byte_sent"
	case forwarder.Retryable:
		return "retryable"
	case forwarder.Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (d *Driver) observeRequest(model string, start time.Time, status, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveRequest(model, status, outcome, d.clock.Now().Sub(start).Seconds())
}

func (d *Driver) observeBackend(key string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveBackend(key, d.registry.Snapshot(key))
}

func (d *Driver) recordSuccess(key string, backend *config.Backend, preSnap health.Snapshot, elapsed time.Duration) {
	if backend.BillingMode == config.BillingPerRequest && preSnap.Status == health.Unhealthy {
		d.registry.RecordPassiveSuccess(key, elapsed)
		return
	}
	d.registry.RecordSuccess(key, elapsed)
}

func (d *Driver) recordFailure(key string, backend *config.Backend, kind health.FailureKind) {
	d.registry.RecordFailure(key, kind, d.settings.CircuitBreakerFailureThreshold)
	if d.metrics != nil {
		d.metrics.ObserveFailure(key, kind.String())
	}
	snap := d.registry.Snapshot(key)
	d.registry.Breaker(key).OnFailure(snap.ConsecutiveFailures)
	if backend.BillingMode == config.BillingPerRequest {
		d.registry.InitializePerRequestRecovery(key)
	}
}
