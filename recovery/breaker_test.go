package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	require.Equal(t, BreakerClosed, breaker.State())

	breaker.RecordFailure()
	breaker.RecordFailure()
	require.True(t, breaker.Allow(), "below threshold the breaker stays closed")

	breaker.RecordFailure()
	require.Equal(t, BreakerOpen, breaker.State())
	require.False(t, breaker.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()

	// The count restarts, so two more failures do not open it
	breaker.RecordFailure()
	breaker.RecordFailure()
	require.Equal(t, BreakerClosed, breaker.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	now := time.Now()
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	breaker.now = func() time.Time { return now }

	breaker.RecordFailure()
	require.True(t, breaker.IsOpen())
	require.False(t, breaker.Allow())

	// After the reset timeout exactly one trial is allowed
	now = now.Add(time.Minute)
	require.True(t, breaker.Allow())
	require.Equal(t, BreakerHalfOpen, breaker.State())
	require.False(t, breaker.Allow(), "second call during the trial is denied")

	// A successful trial closes the breaker
	breaker.RecordSuccess()
	require.Equal(t, BreakerClosed, breaker.State())
	require.True(t, breaker.Allow())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	now := time.Now()
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	breaker.now = func() time.Time { return now }

	breaker.RecordFailure()
	now = now.Add(time.Minute)
	require.True(t, breaker.Allow())

	// The failed trial restarts the full reset timeout
	breaker.RecordFailure()
	require.True(t, breaker.IsOpen())
	now = now.Add(30 * time.Second)
	require.False(t, breaker.Allow())
	now = now.Add(30 * time.Second)
	require.True(t, breaker.Allow())
}

func TestBreakerRegistrySharesPerOperation(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	first := registry.Get("oracle")
	second := registry.Get("oracle")
	require.Same(t, first, second)

	first.RecordFailure()
	require.True(t, registry.IsOpen("oracle"))
	require.False(t, registry.IsOpen("analysis"), "other operations are unaffected")
}
