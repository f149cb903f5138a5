package breaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAtFailureThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := New(3, 60*time.Second, mock)

	b.OnFailure(1)
	assert.Equal(t, Closed, b.State())
	b.OnFailure(2)
	assert.Equal(t, Closed, b.State())
	b.OnFailure(3)
	assert.Equal(t, Open, b.State())

	allowed, _ := b.Allow()
	assert.False(t, allowed)
}

func TestStaysOpenUntilCooldownElapses(t *testing.T) {
	mock := clock.NewMock()
	b := New(1, 60*time.Second, mock)
	b.OnFailure(1)
	require.Equal(t, Open, b.State())

	mock.Add(59 * time.Second)
	assert.Equal(t, Open, b.State())

	mock.Add(2 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	mock := clock.NewMock()
	b := New(1, 60*time.Second, mock)
	b.OnFailure(1)
	mock.Add(60 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	allowed1, probe1 := b.Allow()
	require.True(t, allowed1)
	require.True(t, probe1)

	allowed2, _ := b.Allow()
	assert.False(t, allowed2)
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	mock := clock.NewMock()
	b := New(1, 60*time.Second, mock)
	b.OnFailure(1)
	mock.Add(60 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	_, _ = b.Allow()
	b.OnSuccess()
	assert.Equal(t, Closed, b.State())

	allowed, _ := b.Allow()
	assert.True(t, allowed)
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	mock := clock.NewMock()
	b := New(5, 60*time.Second, mock)
	b.OnFailure(1)
	// Not yet at threshold: still closed.
	require.Equal(t, Closed, b.State())

	b2 := New(1, 60*time.Second, mock)
	b2.OnFailure(1)
	mock.Add(60 * time.Second)
	require.Equal(t, HalfOpen, b2.State())
	_, _ = b2.Allow()

	// A single half-open probe failure reopens regardless of the
	// consecutive-failure count passed in.
	b2.OnFailure(1)
	assert.Equal(t, Open, b2.State())
}
