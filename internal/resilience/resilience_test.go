package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotefeed/internal/provider"
	"quotefeed/internal/provider/breaker"
	"quotefeed/internal/provider/errstats"
	"quotefeed/internal/resilience"
)

func TestRegister_RejectsDuplicatesAndEmptyNames(t *testing.T) {
	t.Parallel()

	r := resilience.New(nil)
	require.NoError(t, r.Register(provider.SourceConfig{Name: "yahoo", Priority: 1}))
	require.Error(t, r.Register(provider.SourceConfig{Name: "yahoo", Priority: 2}))
	require.Error(t, r.Register(provider.SourceConfig{}))
}

func TestSources_OrderedByPriorityThenName(t *testing.T) {
	t.Parallel()

	r := resilience.New(nil)
	require.NoError(t, r.Register(provider.SourceConfig{Name: "c", Priority: 2}))
	require.NoError(t, r.Register(provider.SourceConfig{Name: "b", Priority: 1}))
	require.NoError(t, r.Register(provider.SourceConfig{Name: "a", Priority: 2}))

	var names []string
	for _, s := range r.Sources() {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"b", "a", "c"}, names)
	require.Equal(t, 2, r.Priority("a"))
	require.Greater(t, r.Priority("missing"), 1000)
}

func TestRegister_AppliesDefaults(t *testing.T) {
	t.Parallel()

	r := resilience.New(nil)
	require.NoError(t, r.Register(provider.SourceConfig{Name: "yahoo"}))
	cfg, ok := r.Config("yahoo")
	require.True(t, ok)
	require.Equal(t, 1, cfg.Priority)
	require.Equal(t, provider.DefaultRetryPolicy(), cfg.Retry)
	require.Equal(t, provider.DefaultCircuitPolicy(), cfg.Circuit)
	require.Positive(t, cfg.Timeout)
}

func TestCircuitTripIsCountedAndResetClearsEverything(t *testing.T) {
	t.Parallel()

	// Arrange
	r := resilience.New(nil)
	require.NoError(t, r.Register(provider.SourceConfig{
		Name:      "yahoo",
		Priority:  1,
		RateLimit: 1,
		Circuit:   provider.CircuitPolicy{FailureThreshold: 1, ResetTimeout: time.Hour},
	}))
	require.NoError(t, r.Register(provider.SourceConfig{Name: "isyatirim", Priority: 2}))

	// Act: trip yahoo and use up its rate limit
	err := r.Breakers.Execute(t.Context(), "yahoo", func(context.Context) error { return errors.New("timeout") })
	require.Error(t, err)
	require.True(t, r.Limiter.TryAcquire("yahoo").Allowed)

	// Assert
	require.Equal(t, breaker.Open, r.Breakers.State("yahoo"))
	require.EqualValues(t, 1, r.Errors.Stats("yahoo").CircuitTrips)
	require.Equal(t, errstats.Degraded, r.Health())
	require.False(t, r.Limiter.TryAcquire("yahoo").Allowed)

	// Act
	r.Reset("yahoo")

	// Assert
	require.Equal(t, breaker.Closed, r.Breakers.State("yahoo"))
	require.Zero(t, r.Errors.Stats("yahoo").CircuitTrips)
	require.True(t, r.Limiter.TryAcquire("yahoo").Allowed)
	require.Equal(t, errstats.Healthy, r.Health())
}

func TestSetClock_DrivesLimiterAndBreakers(t *testing.T) {
	t.Parallel()

	// Arrange
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := resilience.New(nil)
	r.SetClock(func() time.Time { return now })
	require.NoError(t, r.Register(provider.SourceConfig{
		Name:      "yahoo",
		RateLimit: 1,
		Circuit:   provider.CircuitPolicy{FailureThreshold: 1, ResetTimeout: 30 * time.Second},
	}))
	require.True(t, r.Limiter.TryAcquire("yahoo").Allowed)
	require.Error(t, r.Breakers.Execute(t.Context(), "yahoo", func(context.Context) error { return errors.New("timeout") }))
	require.False(t, r.Limiter.TryAcquire("yahoo").Allowed)
	require.Equal(t, breaker.Open, r.Breakers.State("yahoo"))

	// Act: a minute passes on the shared clock only
	now = now.Add(61 * time.Second)

	// Assert: window rolled and the trial call closes the circuit
	require.True(t, r.Limiter.TryAcquire("yahoo").Allowed)
	require.NoError(t, r.Breakers.Execute(t.Context(), "yahoo", func(context.Context) error { return nil }))
	require.Equal(t, breaker.Closed, r.Breakers.State("yahoo"))
	r.Errors.Record("yahoo", errstats.Success, nil)
	require.Equal(t, now, r.Errors.Stats("yahoo").LastSuccessAt)
}
