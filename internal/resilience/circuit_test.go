package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	calls := 0
	val, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		calls++
		return "ref-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-1", val)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
			return "", errors.New("ledger down")
		})
	}
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		t.Error("must not be called while open")
		return "", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
			return "", errors.New("fail")
		})
	}
	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	failures, state := cb.Counters()
	assert.Equal(t, 0, failures)
	assert.Equal(t, CircuitClosed, state)
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
			return "", errors.New("fail")
		})
	}
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "", errors.New("fail")
	})
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(2 * time.Second) }
	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "", errors.New("still failing")
	})
	require.Error(t, err)

	_, state := cb.Counters()
	assert.Equal(t, CircuitOpen, state)
}
