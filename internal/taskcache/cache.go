// Package taskcache implements the sub-millisecond hot-path lookup for
// task status, layered in front of task.Store with self-healing on
// miss (spec.md §4.2). The TTL-sliding, self-heal-on-corruption design
// is ported from the teacher's InMemoryTaskStore eviction loop
// (internal/delivery/server/app/task_store.go); the byte store itself
// is Redis via redis/go-redis/v9, adopted from the pack's
// jordigilh-kubernaut example, which exercises exactly this hot-cache
// role in front of an authoritative store.
package taskcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/genkernel/orchestrator/internal/obslog"
	"github.com/genkernel/orchestrator/internal/task"
)

// entry is the JSON envelope stored in Redis.
type entry struct {
	Status          task.Status     `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressMessage string          `json:"progress_message"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Config holds the two sliding TTLs from spec.md §4.2.
type Config struct {
	ActiveTTL   time.Duration // default 24h
	TerminalTTL time.Duration // default 2h
}

func DefaultConfig() Config {
	return Config{ActiveTTL: 24 * time.Hour, TerminalTTL: 2 * time.Hour}
}

// Fallback is invoked on a cache miss or corrupted entry; it is the
// caller's task.Store.Get, injected rather than imported directly so the
// cache package stays independent of any particular Store backend.
type Fallback func(ctx context.Context, id string) (*task.Task, error)

type Cache struct {
	rdb    *redis.Client
	cfg    Config
	logger *obslog.Logger
}

func New(rdb *redis.Client, cfg Config, logger *obslog.Logger) *Cache {
	return &Cache{rdb: rdb, cfg: cfg, logger: logger.Component("taskcache")}
}

func key(id string) string { return fmt.Sprintf("async:task:%s", id) }

// Get returns a cache hit, or invokes fallback on miss/corruption and
// repopulates the cache with any non-nil fallback result before
// returning. Cache failures are never surfaced as errors to the caller;
// they fall straight through to fallback.
func (c *Cache) Get(ctx context.Context, id string, fallback Fallback) (*task.Task, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if err == nil {
		var e entry
		if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil {
			return entryToTask(id, e), nil
		}
		c.logger.Warn("cache entry corrupted, re-reading from fallback", "task_id", id)
	} else if err != redis.Nil {
		c.logger.Warn("cache get failed, falling back", "task_id", id, "err", err)
	}

	t, err := fallback(ctx, id)
	if err != nil {
		return nil, err
	}
	if t != nil {
		c.put(ctx, t)
	}
	return t, nil
}

// Put writes t with a sliding TTL: shorter for terminal tasks, longer
// for active ones. Failures are logged and swallowed — the Store
// remains the source of truth.
func (c *Cache) Put(ctx context.Context, t *task.Task) {
	c.put(ctx, t)
}

func (c *Cache) put(ctx context.Context, t *task.Task) {
	e := entry{
		Status:          t.Status,
		ProgressPercent: t.ProgressPercent,
		ProgressMessage: t.ProgressMessage,
		Result:          t.Result,
		Error:           t.Error,
		ErrorCode:       t.ErrorCode,
		CompletedAt:     t.CompletedAt,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("cache marshal failed", "task_id", t.ID, "err", err)
		return
	}

	ttl := c.cfg.ActiveTTL
	if t.Status.IsTerminal() {
		ttl = c.cfg.TerminalTTL
	}
	if err := c.rdb.Set(ctx, key(t.ID), raw, ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", "task_id", t.ID, "err", err)
	}
}

// Invalidate evicts id from the cache. Failures are logged and
// swallowed.
func (c *Cache) Invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, key(id)).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", "task_id", id, "err", err)
	}
}

func entryToTask(id string, e entry) *task.Task {
	return &task.Task{
		ID:              id,
		Status:          e.Status,
		ProgressPercent: e.ProgressPercent,
		ProgressMessage: e.ProgressMessage,
		Result:          e.Result,
		Error:           e.Error,
		ErrorCode:       e.ErrorCode,
		CompletedAt:     e.CompletedAt,
	}
}
