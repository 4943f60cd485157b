// Package registry implements the process-local cancellable task
// registry (spec.md §4.3): a map from task id to a cancellation handle,
// letting a GenerationCancelled event interrupt in-flight work on
// whichever worker happens to own it. The map-plus-RWMutex shape is
// ported directly from the teacher's TaskExecutionService.cancelFuncs
// (internal/delivery/server/app/task_execution_service.go) and
// TaskProgressTracker.sessionToRun
// (internal/delivery/server/app/task_progress_tracker.go).
package registry

import (
	"context"
	"sync"
)

// Handle is a cancellation handle. try_cancel calls Cancel with a
// caller-supplied cause; the dispatch loop observes it via ctx.Done()
// and branches on context.Cause(ctx).
type Handle struct {
	Cancel context.CancelCauseFunc
}

// Registry is safe for concurrent register/unregister/try_cancel.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

func New() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register installs handle for id, replacing (and cancelling) any
// stale handle left over from a previous attempt on this worker — the
// contract explicitly requires stale entries be invalidated rather than
// silently overwritten and orphaned.
func (r *Registry) Register(id string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.handles[id]; ok && old.Cancel != nil {
		old.Cancel(errStaleHandle)
	}
	r.handles[id] = handle
}

// Unregister removes id's handle. Callers MUST call this on every exit
// path of a dispatch (success, failure, cancellation).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// TryCancel signals id's handle if present, returning whether one was
// found. A false return is not an error: it means this worker is not
// the one running the task, and the caller is expected to transition
// the Task Store to Cancelled directly so the owning worker observes
// the terminal state on its next touch.
func (r *Registry) TryCancel(id string, cause error) bool {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	if !ok || h.Cancel == nil {
		return false
	}
	h.Cancel(cause)
	return true
}

// Len reports the number of currently registered handles; used for
// operator-facing diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

var errStaleHandle = staleHandleError{}

type staleHandleError struct{}

func (staleHandleError) Error() string { return "registry: superseded by a new attempt" }
