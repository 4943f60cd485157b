package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/obslog"
)

type stubProber struct {
	mu      sync.Mutex
	fail    bool
	latency time.Duration
}

func (p *stubProber) Probe(ctx context.Context, providerID string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return p.latency, errors.New("probe failed")
	}
	return p.latency, nil
}

func TestComputeScore_StartsAtOneAndClamped(t *testing.T) {
	rec := &Record{}
	score := computeScore(rec, 2*time.Second)
	require.Equal(t, 1.0, score)
}

func TestComputeScore_PenalizesFailuresAndSlowness(t *testing.T) {
	rec := &Record{ConsecutiveFailures: 10, LastResponseTimeMS: 4000}
	score := computeScore(rec, 2*time.Second)
	require.GreaterOrEqual(t, score, 0.0)
	require.Less(t, score, 0.3)
}

func TestComputeScore_RecentSuccessBoosts(t *testing.T) {
	now := time.Now()
	rec := &Record{LastSuccessAt: &now}
	score := computeScore(rec, 2*time.Second)
	require.Equal(t, 1.0, score) // already clamped at max
}

func TestMonitor_PublishesOnHealthTransition(t *testing.T) {
	prober := &stubProber{fail: true}
	breakers := NewManager(BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute}, obslog.Nop())
	b := bus.NewInProcess()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx, bus.TopicProviderHealthChanged)
	require.NoError(t, err)

	m := NewMonitor(prober, breakers, b, DefaultSchedulerConfig(), obslog.Nop())
	for i := 0; i < 6; i++ {
		m.probeOne(ctx, "p1")
	}

	select {
	case msg := <-ch:
		evt := msg.Payload.(bus.ProviderHealthChanged)
		require.Equal(t, "p1", evt.ProviderID)
		require.False(t, evt.IsHealthy)
	case <-time.After(time.Second):
		t.Fatal("expected a ProviderHealthChanged event")
	}
}
