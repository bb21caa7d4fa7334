package loopguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	failing := func(context.Context) (any, error) { return nil, errors.New("boom") }

	_, err := cb.Execute(context.Background(), failing)
	require.Error(t, err)
	require.Equal(t, StateClosed, cb.State())

	_, err = cb.Execute(context.Background(), failing)
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(context.Background(), func(context.Context) (any, error) { return "ok", nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:        1000,
		FailureRateThreshold:    0.5,
		RequestVolumeThreshold:  4,
		ResetTimeout:            time.Hour,
	})
	ok := func(context.Context) (any, error) { return nil, nil }
	fail := func(context.Context) (any, error) { return nil, errors.New("boom") }

	_, _ = cb.Execute(context.Background(), ok)
	_, _ = cb.Execute(context.Background(), fail)
	_, _ = cb.Execute(context.Background(), ok)
	_, _ = cb.Execute(context.Background(), fail)

	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitHalfOpenRecoversAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 1})
	_, err := cb.Execute(context.Background(), func(context.Context) (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	_, err = cb.Execute(context.Background(), func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitHalfOpenReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	_, _ = cb.Execute(context.Background(), func(context.Context) (any, error) { return nil, errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	_, err := cb.Execute(context.Background(), func(context.Context) (any, error) { return nil, errors.New("still broken") })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitTracksSlowCallsAsFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SlowCallDurationThreshold: 5 * time.Millisecond, ResetTimeout: time.Hour})
	_, err := cb.Execute(context.Background(), func(context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	require.NoError(t, err, "slow calls still return their own result/error")
	require.Equal(t, StateOpen, cb.State())
}
