package invalidate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/obslog"
)

type fakeBulk struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeBulk) InvalidateBatch(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		err := f.err
		f.err = nil
		return err
	}
	f.calls = append(f.calls, append([]string(nil), ids...))
	return nil
}

func TestCoalesce_KeepsLatestPerEntity(t *testing.T) {
	t0 := time.Now()
	reqs := []Request{
		{CacheFamily: "VirtualKey", EntityID: "k1", QueuedAt: t0},
		{CacheFamily: "VirtualKey", EntityID: "k2", QueuedAt: t0.Add(time.Second)},
		{CacheFamily: "VirtualKey", EntityID: "k1", QueuedAt: t0.Add(2 * time.Second)},
	}
	out, dropped := Coalesce(reqs)
	require.Len(t, out, 2)
	require.Equal(t, 1, dropped)

	byID := map[string]Request{}
	for _, r := range out {
		byID[r.EntityID] = r
	}
	require.Equal(t, t0.Add(2*time.Second), byID["k1"].QueuedAt)
}

func TestInvalidator_CoalescingCountsDroppedDuplicates(t *testing.T) {
	target := &fakeBulk{}
	inv := New(Config{FlushWindow: time.Hour, MaxBatchSize: 500, Coalesce: true, BatchingEnabled: true}, obslog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv.RegisterFamily(ctx, "VirtualKey", Target{Bulk: target})

	t0 := time.Now()
	inv.Enqueue(ctx, Request{CacheFamily: "VirtualKey", EntityID: "k1", QueuedAt: t0})
	inv.Enqueue(ctx, Request{CacheFamily: "VirtualKey", EntityID: "k2", QueuedAt: t0.Add(time.Second)})
	inv.Enqueue(ctx, Request{CacheFamily: "VirtualKey", EntityID: "k1", QueuedAt: t0.Add(2 * time.Second), Priority: PriorityCritical})

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.calls) == 1
	}, time.Second, 10*time.Millisecond)

	target.mu.Lock()
	require.ElementsMatch(t, []string{"k1", "k2"}, target.calls[0])
	target.mu.Unlock()
	require.Equal(t, 1, inv.CoalescedDropped("VirtualKey"))
}

func TestInvalidator_ImmediateFlushOnCritical(t *testing.T) {
	target := &fakeBulk{}
	inv := New(Config{FlushWindow: time.Hour, MaxBatchSize: 500, Coalesce: true, BatchingEnabled: true}, obslog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv.RegisterFamily(ctx, "VirtualKey", Target{Bulk: target})

	inv.Enqueue(ctx, Request{CacheFamily: "VirtualKey", EntityID: "k1", Priority: PriorityCritical})

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidator_ReenqueuesOnFailure(t *testing.T) {
	target := &fakeBulk{err: errors.New("boom")}
	inv := New(Config{FlushWindow: time.Hour, MaxBatchSize: 500, Coalesce: true, BatchingEnabled: true}, obslog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv.RegisterFamily(ctx, "VirtualKey", Target{Bulk: target})

	inv.Enqueue(ctx, Request{CacheFamily: "VirtualKey", EntityID: "k1", Priority: PriorityCritical})

	require.Eventually(t, func() bool {
		return inv.ErrorRate("VirtualKey", time.Hour) == 1
	}, time.Second, 10*time.Millisecond)

	inv.mu.RLock()
	fq := inv.queues["VirtualKey"]
	inv.mu.RUnlock()
	fq.mu.Lock()
	defer fq.mu.Unlock()
	require.Len(t, fq.queue, 1, "failed batch should be re-enqueued")
}

func TestInvalidator_DisabledModeAppliesSynchronously(t *testing.T) {
	target := &fakeBulk{}
	inv := New(Config{BatchingEnabled: false}, obslog.Nop())
	inv.RegisterFamily(context.Background(), "VirtualKey", Target{Bulk: target})

	inv.Enqueue(context.Background(), Request{CacheFamily: "VirtualKey", EntityID: "k1"})

	target.mu.Lock()
	defer target.mu.Unlock()
	require.Len(t, target.calls, 1)
}
