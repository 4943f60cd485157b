package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/obslog"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("p1", BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute}, obslog.Nop())

	for i := 0; i < 4; i++ {
		cb.Mark(errors.New("boom"))
		require.NoError(t, cb.Allow())
	}
	cb.Mark(errors.New("boom"))
	require.Error(t, cb.Allow())
	require.Equal(t, StateOpen, cb.Metrics().State)
}

func TestCircuitBreaker_HalfOpenThenClose(t *testing.T) {
	cb := NewCircuitBreaker("p1", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond}, obslog.Nop())

	cb.Mark(errors.New("boom"))
	require.Equal(t, StateOpen, cb.Metrics().State)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.Metrics().State)

	cb.Mark(nil)
	require.Equal(t, StateHalfOpen, cb.Metrics().State)
	cb.Mark(nil)
	require.Equal(t, StateClosed, cb.Metrics().State)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("p1", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond}, obslog.Nop())
	cb.Mark(errors.New("boom"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.Mark(errors.New("boom again"))
	require.Equal(t, StateOpen, cb.Metrics().State)
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker("p1", DefaultBreakerConfig(), obslog.Nop())
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.Metrics().State)
}

func TestManager_GetIsStablePerProvider(t *testing.T) {
	m := NewManager(DefaultBreakerConfig(), obslog.Nop())
	a := m.Get("p1")
	b := m.Get("p1")
	require.Same(t, a, b)
	c := m.Get("p2")
	require.NotSame(t, a, c)
}
