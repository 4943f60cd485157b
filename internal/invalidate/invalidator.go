// Package invalidate implements the batched, coalescing cache
// invalidator (spec.md §4.7): one FIFO queue per cache family, a
// periodic flush goroutine per family, priority-triggered immediate flush, and
// re-enqueue-on-failure. The periodic-sweep idiom is grounded on the
// teacher's InMemoryTaskStore.evictLoop ticker/stop-channel shape
// (internal/delivery/server/app/task_store.go) combined with the
// per-key channel design of internal/materials/events.Bus.
package invalidate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genkernel/orchestrator/internal/async"
	"github.com/genkernel/orchestrator/internal/obslog"
)

type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityNormal   Priority = "Normal"
)

// Request is InvalidationRequest from spec.md §3.
type Request struct {
	CacheFamily string
	EntityID    string
	Priority    Priority
	Reason      string
	QueuedAt    time.Time
}

// BulkInvalidator is the target cache's batch-invalidate contract; if a
// family's target does not implement it, Invalidator falls back to
// calling Single once per entity id.
type BulkInvalidator interface {
	InvalidateBatch(ctx context.Context, entityIDs []string) error
}

type SingleInvalidator interface {
	Invalidate(ctx context.Context, entityID string) error
}

// Target combines both contracts; Bulk is optional (nil means iterate).
type Target struct {
	Bulk   BulkInvalidator
	Single SingleInvalidator
}

// Config controls window, batch size, and coalescing.
type Config struct {
	FlushWindow    time.Duration // default 100ms
	MaxBatchSize   int           // default 500
	Coalesce       bool          // default true
	BatchingEnabled bool         // default true; false = synchronous, no coalescing
}

func DefaultConfig() Config {
	return Config{
		FlushWindow:     100 * time.Millisecond,
		MaxBatchSize:    500,
		Coalesce:        true,
		BatchingEnabled: true,
	}
}

type familyQueue struct {
	mu               sync.Mutex
	queue            []Request
	errLog           []errEvent
	applying         bool
	coalescedDropped int
}

type errEvent struct {
	at time.Time
}

// Invalidator owns one familyQueue per cache family and a background
// flush goroutine per family.
type Invalidator struct {
	cfg     Config
	targets map[string]Target
	queues  map[string]*familyQueue
	mu      sync.RWMutex
	logger  *obslog.Logger

	stopCh chan struct{}
}

func New(cfg Config, logger *obslog.Logger) *Invalidator {
	return &Invalidator{
		cfg:     cfg,
		targets: make(map[string]Target),
		queues:  make(map[string]*familyQueue),
		logger:  logger.Component("invalidate"),
		stopCh:  make(chan struct{}),
	}
}

// RegisterFamily wires a cache family to its invalidation target and
// starts its background flusher.
func (inv *Invalidator) RegisterFamily(ctx context.Context, family string, target Target) {
	inv.mu.Lock()
	inv.targets[family] = target
	fq := &familyQueue{}
	inv.queues[family] = fq
	inv.mu.Unlock()

	if inv.cfg.BatchingEnabled {
		async.Go(inv.logger, "invalidate.flushLoop."+family, func() { inv.flushLoop(ctx, family, fq) })
	}
}

// Enqueue absorbs one invalidation request. In disabled-batching mode
// it applies synchronously; otherwise it queues and may trigger an
// immediate flush on Critical priority or when the queue hits max size.
func (inv *Invalidator) Enqueue(ctx context.Context, req Request) {
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}

	if !inv.cfg.BatchingEnabled {
		inv.apply(ctx, req.CacheFamily, []Request{req})
		return
	}

	inv.mu.RLock()
	fq := inv.queues[req.CacheFamily]
	inv.mu.RUnlock()
	if fq == nil {
		return
	}

	fq.mu.Lock()
	fq.queue = append(fq.queue, req)
	immediate := req.Priority == PriorityCritical || len(fq.queue) >= inv.cfg.MaxBatchSize
	fq.mu.Unlock()

	if immediate {
		inv.flushFamily(ctx, req.CacheFamily, fq)
	}
}

func (inv *Invalidator) flushLoop(ctx context.Context, family string, fq *familyQueue) {
	ticker := time.NewTicker(inv.cfg.FlushWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-inv.stopCh:
			return
		case <-ticker.C:
			inv.flushFamily(ctx, family, fq)
		}
	}
}

// flushFamily drains fq, coalesces if enabled, and applies the batch.
func (inv *Invalidator) flushFamily(ctx context.Context, family string, fq *familyQueue) {
	fq.mu.Lock()
	if len(fq.queue) == 0 {
		fq.mu.Unlock()
		return
	}
	batch := fq.queue
	fq.queue = nil
	fq.mu.Unlock()

	if inv.cfg.Coalesce {
		var dropped int
		batch, dropped = Coalesce(batch)
		if dropped > 0 {
			fq.mu.Lock()
			fq.coalescedDropped += dropped
			fq.mu.Unlock()
		}
	}

	if err := inv.apply(ctx, family, batch); err != nil {
		inv.logger.Warn("invalidation batch failed, re-enqueuing", "family", family, "err", err)
		fq.mu.Lock()
		fq.queue = append(batch, fq.queue...) // re-enqueued at head
		fq.errLog = append(fq.errLog, errEvent{at: time.Now()})
		fq.mu.Unlock()
	}
}

// Coalesce groups requests by EntityID, keeping only the one with the
// maximum QueuedAt per id; output order is stable by first appearance.
// dropped counts the earlier-duplicate requests discarded, per
// spec.md §4.7 ("all earlier duplicates are dropped and counted").
func Coalesce(reqs []Request) (out []Request, dropped int) {
	latest := make(map[string]Request, len(reqs))
	order := make([]string, 0, len(reqs))
	for _, r := range reqs {
		cur, ok := latest[r.EntityID]
		if !ok {
			order = append(order, r.EntityID)
			latest[r.EntityID] = r
			continue
		}
		dropped++
		if r.QueuedAt.After(cur.QueuedAt) {
			latest[r.EntityID] = r
		}
	}
	out = make([]Request, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, dropped
}

func (inv *Invalidator) apply(ctx context.Context, family string, batch []Request) error {
	inv.mu.RLock()
	target := inv.targets[family]
	inv.mu.RUnlock()

	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.EntityID
	}
	sort.Strings(ids)

	if target.Bulk != nil {
		return target.Bulk.InvalidateBatch(ctx, ids)
	}
	if target.Single != nil {
		for _, id := range ids {
			if err := target.Single.Invalidate(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ErrorRate reports the family's error count within the last window
// (supplied by the caller), exposed as a stats query per spec.md §4.7.
func (inv *Invalidator) ErrorRate(family string, window time.Duration) int {
	inv.mu.RLock()
	fq := inv.queues[family]
	inv.mu.RUnlock()
	if fq == nil {
		return 0
	}
	fq.mu.Lock()
	defer fq.mu.Unlock()
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range fq.errLog {
		if e.at.After(cutoff) {
			n++
		}
	}
	return n
}

// CoalescedDropped reports the cumulative count of earlier-duplicate
// requests this family's coalescing pass has discarded, exposed as a
// stats query per spec.md §4.7.
func (inv *Invalidator) CoalescedDropped(family string) int {
	inv.mu.RLock()
	fq := inv.queues[family]
	inv.mu.RUnlock()
	if fq == nil {
		return 0
	}
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return fq.coalescedDropped
}

func (inv *Invalidator) Stop() {
	close(inv.stopCh)
}
