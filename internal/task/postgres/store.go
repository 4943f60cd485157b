// Package postgres implements task.Store against PostgreSQL with
// jackc/pgx/v5, following the explicit-transaction, raw-SQL style of the
// teacher's internal/materials/store/postgres package (no ORM; every
// multi-statement write wrapped in Begin/Exec/Commit).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genkernel/orchestrator/internal/obslog"
	"github.com/genkernel/orchestrator/internal/task"
)

// schemaSQL is applied idempotently by EnsureSchema. A real deployment
// would drive this through pressly/goose migrations (see Migrate in
// migrate.go); this literal is the goose "up" migration's content
// inlined, and EnsureSchema always applies it.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	owner_key_id     BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	progress_percent INT NOT NULL DEFAULT 0,
	progress_message TEXT,
	result           JSONB,
	error            TEXT,
	error_code       TEXT,
	retry_count      INT NOT NULL DEFAULT 0,
	max_retries      INT NOT NULL DEFAULT 0,
	next_retry_at    TIMESTAMPTZ,
	metadata         JSONB NOT NULL,
	owner_lease_id   TEXT,
	lease_until      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending_retry ON tasks (status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks (completed_at);

CREATE TABLE IF NOT EXISTS tasks_archive (LIKE tasks INCLUDING ALL);
`

// Store is a pgx-backed task.Store. It accepts anything satisfying the
// narrow Querier interface so tests can substitute pgxmock for *pgxpool.Pool.
type Store struct {
	pool   Querier
	logger *obslog.Logger
}

// Querier is the subset of *pgxpool.Pool this store calls, narrowed so
// pgxmock.PgxPoolIface satisfies it directly.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// poolAdapter lets *pgxpool.Pool (whose Begin returns a concrete
// pgxpool.Tx) satisfy Querier, whose Begin must return the pgx.Tx
// interface so tests can substitute pgxmock transactions.
type poolAdapter struct{ pool *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

func (p poolAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

func (p poolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p poolAdapter) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.pool.Begin(ctx)
}

func New(pool *pgxpool.Pool, logger *obslog.Logger) *Store {
	return &Store{pool: poolAdapter{pool}, logger: logger.Component("task.postgres")}
}

// NewWithQuerier lets tests inject a pgxmock pool directly.
func NewWithQuerier(q Querier, logger *obslog.Logger) *Store {
	return &Store{pool: q, logger: logger.Component("task.postgres")}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Query(ctx, schemaSQL)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Status = task.StatusPending
	t.ProgressPercent = 0

	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, type, status, owner_key_id, created_at, updated_at,
			progress_percent, retry_count, max_retries, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.Type, t.Status, t.OwnerKeyID, t.CreatedAt, t.UpdatedAt,
		t.ProgressPercent, t.RetryCount, t.MaxRetries, meta)
	if err != nil {
		if isUniqueViolation(err) {
			return task.ErrDuplicateID
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, owner_key_id, created_at, updated_at, completed_at,
			progress_percent, progress_message, result, error, error_code,
			retry_count, max_retries, next_retry_at, metadata, owner_lease_id, lease_until
		FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, to task.Status, opts ...task.TransitionOption) error {
	params := task.ApplyTransitionOptions(opts...)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT status, retry_count, completed_at FROM tasks WHERE id = $1 FOR UPDATE`, id)
	var current task.Status
	var retryCount int
	var completedAt *time.Time
	if err := row.Scan(&current, &retryCount, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.ErrNotFound
		}
		return fmt.Errorf("lock task: %w", err)
	}

	if !task.CanTransition(current, to) {
		return task.ErrIllegalTransition
	}

	now := time.Now().UTC()
	newRetryCount := retryCount
	if params.RetryCount != nil {
		newRetryCount += *params.RetryCount
	}

	newCompletedAt := completedAt
	if to.IsTerminal() && completedAt == nil {
		newCompletedAt = &now
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status=$1, updated_at=$2, completed_at=$3, error=$4,
			error_code=$5, result=$6, next_retry_at=$7, retry_count=$8
		WHERE id=$9`,
		to, now, newCompletedAt, nullIfEmpty(params.Error), nullIfEmpty(params.ErrorCode),
		params.Result, params.NextRetryAt, newRetryCount, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET progress_percent = GREATEST(progress_percent, $1),
			progress_message = $2, updated_at = $3 WHERE id = $4`,
		percent, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context, typ task.Type, limit int) ([]*task.Task, error) {
	var rows pgx.Rows
	var err error
	now := time.Now().UTC()
	if typ == "" {
		rows, err = s.pool.Query(ctx, pendingSelect+` AND (next_retry_at IS NULL OR next_retry_at <= $1) ORDER BY updated_at ASC LIMIT $2`, now, limit)
	} else {
		rows, err = s.pool.Query(ctx, pendingSelect+` AND type = $3 AND (next_retry_at IS NULL OR next_retry_at <= $1) ORDER BY updated_at ASC LIMIT $2`, now, limit, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

const pendingSelect = `
	SELECT id, type, status, owner_key_id, created_at, updated_at, completed_at,
		progress_percent, progress_message, result, error, error_code,
		retry_count, max_retries, next_retry_at, metadata, owner_lease_id, lease_until
	FROM tasks WHERE status = 'pending'`

func (s *Store) ArchiveOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks_archive
		SELECT * FROM tasks
		WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive copy: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM tasks WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) BulkDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM tasks_archive WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("bulk delete: %w", err)
	}
	return nil
}

func (s *Store) TryClaimTask(ctx context.Context, id, ownerID string, leaseUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET owner_lease_id = $1, lease_until = $2
		WHERE id = $3 AND (owner_lease_id IS NULL OR lease_until < now() OR owner_lease_id = $1)`,
		ownerID, leaseUntil, id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int, statuses ...task.Status) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT id FROM tasks
			WHERE status = ANY($1) AND (owner_lease_id IS NULL OR lease_until < now())
			ORDER BY updated_at ASC LIMIT $2
		)
		UPDATE tasks SET owner_lease_id = $3, lease_until = $4
		WHERE id IN (SELECT id FROM claimable)
		RETURNING id, type, status, owner_key_id, created_at, updated_at, completed_at,
			progress_percent, progress_message, result, error, error_code,
			retry_count, max_retries, next_retry_at, metadata, owner_lease_id, lease_until`,
		statuses, limit, ownerID, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim resumable: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) RenewTaskLease(ctx context.Context, id, ownerID string, leaseUntil time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET lease_until = $1 WHERE id = $2 AND owner_lease_id = $3`,
		leaseUntil, id, ownerID)
	return err
}

func (s *Store) ReleaseTaskLease(ctx context.Context, id, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET owner_lease_id = NULL, lease_until = NULL
		WHERE id = $1 AND owner_lease_id = $2`, id, ownerID)
	return err
}

func (s *Store) MarkStaleRunning(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'timed_out', completed_at = now(), updated_at = now()
		WHERE status = 'processing' AND lease_until IS NOT NULL AND lease_until < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && (errAs23505(err))
}
