// Package prober implements the active health prober: a background task
// that classifies backends by billing mode and probes only those that can
// be probed without incurring cost.
package prober

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/breaker"
	"github.com/berry-api/berry/internal/forwarder"
	"github.com/berry-api/berry/internal/health"
	"github.com/berry-api/berry/internal/metrics"
)

// Prober runs one background loop driven by two tickers: a main sweep on
// health_check_interval_seconds, and a recovery sweep on
// recovery_check_interval_seconds for Unhealthy backends only.
type Prober struct {
	cfg        *config.Config
	registry   *health.Registry
	forwarders map[string]*forwarder.Forwarder
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *zap.SugaredLogger
}

// New builds a Prober. forwarders must have one entry per enabled provider.
// m may be nil, in which case metrics collection is skipped.
func New(cfg *config.Config, registry *health.Registry, forwarders map[string]*forwarder.Forwarder, m *metrics.Metrics, clk clock.Clock, logger *zap.SugaredLogger) *Prober {
	if clk == nil {
		clk = clock.New()
	}
	return &Prober{cfg: cfg, registry: registry, forwarders: forwarders, metrics: m, clock: clk, logger: logger}
}

// Run blocks until ctx is cancelled, running the sweep for whichever ticker fires.
func (p *Prober) Run(ctx context.Context) {
	mainInterval := time.Duration(p.cfg.Settings.HealthCheckIntervalSeconds) * time.Second
	recoveryInterval := time.Duration(p.cfg.Settings.RecoveryCheckIntervalSeconds) * time.Second

	mainTicker := p.clock.Ticker(mainInterval)
	recoveryTicker := p.clock.Ticker(recoveryInterval)
	defer mainTicker.Stop()
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mainTicker.C:
			p.sweep(ctx, false)
		case <-recoveryTicker.C:
			p.sweep(ctx, true)
		}
	}
}

// sweep probes every eligible backend once. unhealthyOnly restricts the
// sweep to currently-Unhealthy backends, used by the faster recovery cadence.
func (p *Prober) sweep(ctx context.Context, unhealthyOnly bool) {
	for _, m := range p.cfg.Models {
		if !m.Enabled {
			continue
		}
		for _, b := range m.EnabledBackends() {
			p.probeBackend(ctx, m, b, unhealthyOnly)
		}
	}
}

func (p *Prober) probeBackend(ctx context.Context, model *config.LogicalModel, b *config.Backend, unhealthyOnly bool) {
	key := b.Key(model.ID)
	snap := p.registry.Snapshot(key)

	if unhealthyOnly && snap.Status != health.Unhealthy {
		return
	}

	// per_request backends are never actively probed: any call costs money.
	// They are health-tracked purely by passive observation from real
	// traffic.
	if b.BillingMode == config.BillingPerRequest {
		return
	}

	br := p.registry.Breaker(key)
	state := br.State()
	if !unhealthyOnly && state != breaker.HalfOpen && b.BillingMode != config.BillingPerToken {
		return
	}

	allowed, isHalfOpenProbe := true, false
	if state == breaker.HalfOpen {
		allowed, isHalfOpenProbe = br.Allow()
		if !allowed {
			return
		}
	}

	fwd, ok := p.forwarders[b.Provider]
	if !ok {
		return
	}

	start := p.clock.Now()
	err := fwd.Probe(ctx, http.MethodGet)
	elapsed := p.clock.Now().Sub(start)
	p.registry.MarkActiveProbe(key, p.clock.Now())

	if err != nil {
		p.registry.RecordFailure(key, health.FailureNetwork, p.cfg.Settings.CircuitBreakerFailureThreshold)
		after := p.registry.Snapshot(key)
		br.OnFailure(after.ConsecutiveFailures)
		p.observeBackend(key)
		if p.logger != nil {
			p.logger.Debugw("active probe failed", "backend", key, "error", err)
		}
		return
	}

	p.registry.RecordSuccess(key, elapsed)
	br.OnSuccess()
	p.observeBackend(key)
	_ = isHalfOpenProbe
}

func (p *Prober) observeBackend(key string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveBackend(key, p.registry.Snapshot(key))
}
