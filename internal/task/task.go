// Package task defines the durable Task entity and the Store port that
// owns it. The state machine and field set follow spec.md §3/§4.1; the
// Go shape (typed Status, functional-option transitions, lease-based
// claim for crash recovery) is ported from the teacher's
// internal/domain/task package.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Type discriminates the two orchestration flavors sharing this store.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// Status is a node in the state machine DAG:
// Pending -> Processing -> (Completed | Failed | Cancelled | TimedOut)
// with a retry edge Failed|Processing -> Pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// IsTerminal reports whether Status is a sink of the state machine
// (ignoring the retry edge, which only fires from Failed/Processing).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates the DAG from spec.md §4.1. update() must
// reject anything not listed here with ErrIllegalTransition.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		// A Pending task is either not yet dispatched or, per spec.md
		// §3, a retry awaiting next_retry_at; §5 requires a
		// cancellation arriving during retry scheduling to transition
		// the task directly to Cancelled rather than being dropped.
		StatusCancelled: true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimedOut:  true,
		StatusPending:   true, // retry
	},
	StatusFailed: {
		StatusPending: true, // retry
	},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusTimedOut:  {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Metadata is the structured, typed replacement for the loosely-typed
// metadata bag flagged in spec.md §9 ("Dynamic metadata dictionaries").
// One discriminated envelope per task type would proliferate types for
// little benefit at this scope, so Metadata instead keeps the original
// request payload verbatim (already a typed GenerationRequest) plus the
// two cross-cutting fields every task needs.
type Metadata struct {
	Request              GenerationRequest `json:"request"`
	CallerCredentialID   int64             `json:"caller_credential_id"`
	CallerCredentialHash string            `json:"caller_credential_hash"`
	WebhookURL           string            `json:"webhook_url,omitempty"`
	WebhookHeaders       map[string]string `json:"webhook_headers,omitempty"`
	CorrelationID        string            `json:"correlation_id"`
}

// GenerationRequest is the caller-supplied generation payload, embedded
// in Task.Metadata per spec.md §3.
type GenerationRequest struct {
	Prompt         string `json:"prompt"`
	ModelAlias     string `json:"model_alias"`
	Count          int    `json:"count"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format"` // "url" | "inline_base64"
	CorrelationID  string `json:"correlation_id"`
}

// MediaArtifact is the per-item output of the Artifact Pipeline,
// serialized into Task.Result on completion.
type MediaArtifact struct {
	URL            string `json:"url"`
	ContentType    string `json:"content_type"`
	SizeBytes      int64  `json:"size_bytes"`
	StorageKey     string `json:"storage_key"`
	GeneratorModel string `json:"generator_model"`
	Prompt         string `json:"prompt"`
	Index          int    `json:"index"`
}

// Result is the task's terminal payload, present iff Status ==
// Completed. Marshaled into Task.Result (json.RawMessage) for storage.
type Result struct {
	Artifacts []MediaArtifact `json:"artifacts"`
	ProviderID string         `json:"provider_id"`
	Model      string         `json:"model"`
	DurationMS int64          `json:"duration_ms"`
	CostUSD    float64        `json:"cost_usd"`
}

// Task is the durable record of one asynchronous generation request.
type Task struct {
	ID              string
	Type            Type
	Status          Status
	OwnerKeyID      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	ProgressPercent int
	ProgressMessage string
	Result          json.RawMessage
	Error           string
	ErrorCode       string
	RetryCount      int
	MaxRetries      int
	NextRetryAt     *time.Time
	Metadata        Metadata

	// OwnerLeaseID and LeaseUntil back the crash-recovery claim
	// protocol (TryClaimTask/RenewTaskLease/ReleaseTaskLease), ported
	// from the teacher's lease fields on its domain Task.
	OwnerLeaseID string
	LeaseUntil   *time.Time
}

// Clone returns a deep-enough copy safe to hand to a caller without
// sharing mutable state, matching the "never leak internal pointers"
// idiom used throughout the teacher's in-memory store.
func (t *Task) Clone() *Task {
	cp := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.NextRetryAt != nil {
		ts := *t.NextRetryAt
		cp.NextRetryAt = &ts
	}
	if t.LeaseUntil != nil {
		ts := *t.LeaseUntil
		cp.LeaseUntil = &ts
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &cp
}

// TransitionOption customizes a SetStatus call, mirroring the teacher's
// functional-options pattern for task transitions.
type TransitionOption func(*TransitionParams)

// TransitionParams accumulates the optional fields a status transition
// may set alongside the new Status.
type TransitionParams struct {
	Error       string
	ErrorCode   string
	Result      json.RawMessage
	NextRetryAt *time.Time
	RetryCount  *int
}

func WithError(errCode, msg string) TransitionOption {
	return func(p *TransitionParams) {
		p.Error = msg
		p.ErrorCode = errCode
	}
}

func WithResult(result json.RawMessage) TransitionOption {
	return func(p *TransitionParams) { p.Result = result }
}

func WithNextRetryAt(t time.Time) TransitionOption {
	return func(p *TransitionParams) { p.NextRetryAt = &t }
}

func WithRetryCountIncrement() TransitionOption {
	return func(p *TransitionParams) {
		one := 1
		p.RetryCount = &one
	}
}

func ApplyTransitionOptions(opts ...TransitionOption) TransitionParams {
	var p TransitionParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Store is the durable, authoritative single source of truth for Task.
// Implementations MUST be strongly consistent on single-task reads
// after their own writes and MUST serialize concurrent updates to the
// same task id (last-writer-wins on non-state fields; illegal
// transitions always fail regardless of ordering).
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Create writes a new task in StatusPending. Fails with
	// ErrDuplicateID if id already exists.
	Create(ctx context.Context, t *Task) error

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// SetStatus performs one state-machine transition, enforcing
	// CanTransition; fails with ErrIllegalTransition otherwise.
	SetStatus(ctx context.Context, id string, to Status, opts ...TransitionOption) error

	// UpdateProgress advances ProgressPercent and ProgressMessage.
	// Callers MUST only ever increase the percentage (monotonic per
	// spec.md §4.4's ordering guarantee); implementations may choose
	// to enforce this themselves or trust the caller.
	UpdateProgress(ctx context.Context, id string, percent int, message string) error

	// Delete removes a task; idempotent.
	Delete(ctx context.Context, id string) error

	// ListPending returns pending tasks (optionally filtered by type)
	// whose NextRetryAt is nil or <= now, ordered by UpdatedAt
	// ascending, capped at limit.
	ListPending(ctx context.Context, typ Type, limit int) ([]*Task, error)

	// ArchiveOlderThan moves terminal tasks completed more than age ago
	// into the archive partition; returns the count archived.
	ArchiveOlderThan(ctx context.Context, age time.Duration) (int, error)

	// BulkDelete removes archived tasks by id.
	BulkDelete(ctx context.Context, ids []string) error

	// TryClaimTask attempts a lease-based claim for crash-recovery
	// redispatch; returns false without error if another owner already
	// holds a live lease.
	TryClaimTask(ctx context.Context, id, ownerID string, leaseUntil time.Time) (bool, error)

	// ClaimResumableTasks claims up to limit tasks in one of the given
	// statuses whose lease has expired (or was never held), assigning
	// ownerID and leaseUntil atomically.
	ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int, statuses ...Status) ([]*Task, error)

	RenewTaskLease(ctx context.Context, id, ownerID string, leaseUntil time.Time) error
	ReleaseTaskLease(ctx context.Context, id, ownerID string) error

	// MarkStaleRunning transitions Processing tasks whose lease expired
	// more than staleAfter ago to TimedOut; used by the external reaper
	// referenced in spec.md §5.
	MarkStaleRunning(ctx context.Context, staleAfter time.Duration) (int, error)
}
