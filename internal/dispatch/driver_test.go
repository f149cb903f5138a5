package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/forwarder"
	"github.com/berry-api/berry/internal/health"
	"github.com/berry-api/berry/internal/selector"
)

// stubInvoker replays a scripted sequence of outcomes and records which
// backends it was called against, in order.
type stubInvoker struct {
	outcomes []forwarder.Outcome
	calls    []int // backend index per call
}

func (s *stubInvoker) Invoke(_ context.Context, backend *config.Backend, _ string, _ []byte, _ http.Header, _ bool) forwarder.Outcome {
	i := len(s.calls)
	s.calls = append(s.calls, backend.Index)
	if i >= len(s.outcomes) {
		return s.outcomes[len(s.outcomes)-1]
	}
	return s.outcomes[i]
}

func settingsWithRetries(maxInternalRetries, breakerThreshold int) config.Settings {
	return config.Settings{
		MaxInternalRetries:             maxInternalRetries,
		CircuitBreakerFailureThreshold: breakerThreshold,
		CircuitBreakerTimeoutSeconds:   60,
		RequestTimeoutSeconds:          30,
	}
}

func twoBackendModel() *config.LogicalModel {
	return &config.LogicalModel{
		ID:      "m",
		Enabled: true,
		Strategy: config.StrategyFailover,
		Backends: []*config.Backend{
			{Index: 0, Provider: "p", Model: "a", Weight: 1, Priority: 0, Enabled: true},
			{Index: 1, Provider: "p", Model: "b", Weight: 1, Priority: 1, Enabled: true},
		},
	}
}

func newDriver(t *testing.T, model *config.LogicalModel, settings config.Settings, inv Invoker) (*Driver, *health.Registry) {
	t.Helper()
	clk := clock.NewMock()
	registry := health.NewRegistry(clk, 30000, settings.CircuitBreakerFailureThreshold, time.Duration(settings.CircuitBreakerTimeoutSeconds)*time.Second)
	strategies := selector.NewRegistry(selector.NewRoundRobinCounters())
	forwarders := map[string]Invoker{"p": inv}
	return New(settings, strategies, registry, forwarders, nil, clk), registry
}

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Completed, StatusCode: 200},
	}}
	d, _ := newDriver(t, model, settingsWithRetries(3, 5), stub)

	result, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Backend.Index)
	assert.Len(t, stub.calls, 1)
}

func TestDispatchFailsOverOn5xx(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Retryable, FailureKind: health.FailureUpstream5xx},
		{Kind: forwarder.Completed, StatusCode: 200},
	}}
	d, registry := newDriver(t, model, settingsWithRetries(3, 5), stub)

	result, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Backend.Index)
	assert.Equal(t, []int{0, 1}, stub.calls)

	snap := registry.Snapshot(model.Backends[0].Key(model.ID))
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestDispatchBoundsAttemptsByMaxInternalRetries(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Retryable, FailureKind: health.FailureUpstream5xx},
		{Kind: forwarder.Retryable, FailureKind: health.FailureUpstream5xx},
	}}
	// max_internal_retries=1, but 2 backends eligible -> min(1,2) = 1 attempt.
	d, _ := newDriver(t, model, settingsWithRetries(1, 5), stub)

	_, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	require.Error(t, err)
	assert.Len(t, stub.calls, 1)
}

func TestDispatchDoesNotRetryFatalClientError(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Fatal, StatusCode: 400, Body: []byte(`{"error":"bad request"}`)},
	}}
	d, registry := newDriver(t, model, settingsWithRetries(3, 5), stub)

	result, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, forwarder.Fatal, result.Outcome.Kind)
	assert.Equal(t, 400, result.Outcome.StatusCode)
	assert.Len(t, stub.calls, 1)

	snap := registry.Snapshot(model.Backends[0].Key(model.ID))
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestDispatchRecordsAuthFailureButStillReturnsFatal(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Fatal, StatusCode: 401, IsAuthFailure: true, FailureKind: health.FailureUpstreamAuth},
	}}
	d, registry := newDriver(t, model, settingsWithRetries(3, 5), stub)

	result, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 401, result.Outcome.StatusCode)
	assert.Len(t, stub.calls, 1)

	// Auth failures don't degrade status (FailureKind.degrades() is false)
	// since the failure counter never trips the unhealthy threshold, but
	// the breaker still opens directly so the backend is skipped on retry.
	key := model.Backends[0].Key(model.ID)
	snap := registry.Snapshot(key)
	assert.Equal(t, health.Healthy, snap.Status)
	assert.Equal(t, "open", registry.Breaker(key).State().String())
}

func TestDispatchZeroMaxInternalRetriesMakesNoAttempt(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Completed, StatusCode: 200},
	}}
	d, _ := newDriver(t, model, settingsWithRetries(0, 5), stub)

	_, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	require.Error(t, err)
	var failedErr *AllBackendsFailedError
	require.ErrorAs(t, err, &failedErr)
	assert.Len(t, stub.calls, 0)
}

func TestDispatchFirstByteSentIsNotRetried(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.FirstByteSent, Stream: &forwarder.StreamResult{StatusCode: 200}},
	}}
	d, _ := newDriver(t, model, settingsWithRetries(3, 5), stub)

	result, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, forwarder.FirstByteSent, result.Outcome.Kind)
	assert.Len(t, stub.calls, 1)
}

func TestDispatchReturnsNoHealthyBackendsWhenAllBreakersOpen(t *testing.T) {
	model := twoBackendModel()
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Retryable, FailureKind: health.FailureUpstream5xx},
	}}
	d, registry := newDriver(t, model, settingsWithRetries(3, 1), stub)

	for _, b := range model.Backends {
		key := b.Key(model.ID)
		registry.RecordFailure(key, health.FailureUpstream5xx, 1)
		registry.Breaker(key).OnFailure(1)
	}

	_, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
	assert.ErrorIs(t, err, ErrNoHealthyBackends)
}

func TestDispatchOpensBreakerAfterThresholdFailures(t *testing.T) {
	model := &config.LogicalModel{
		ID:       "m",
		Enabled:  true,
		Strategy: config.StrategyFailover,
		Backends: []*config.Backend{
			{Index: 0, Provider: "p", Model: "a", Weight: 1, Enabled: true},
		},
	}
	stub := &stubInvoker{outcomes: []forwarder.Outcome{
		{Kind: forwarder.Retryable, FailureKind: health.FailureUpstream5xx},
	}}
	settings := settingsWithRetries(1, 3)
	d, registry := newDriver(t, model, settings, stub)
	key := model.Backends[0].Key(model.ID)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), model, "/chat/completions", nil, nil, false)
		require.Error(t, err)
	}

	assert.Equal(t, "open", registry.Breaker(key).State().String())
}
