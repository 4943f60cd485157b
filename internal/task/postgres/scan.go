package postgres

import (
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/genkernel/orchestrator/internal/task"
)

// rowScanner abstracts pgx.Row/pgx.Rows' shared Scan signature so one
// scan routine serves both QueryRow and Query callers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var metaRaw, resultRaw []byte
	var errorStr, errorCode, ownerLeaseID *string
	var progressMessage *string

	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.OwnerKeyID, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		&t.ProgressPercent, &progressMessage, &resultRaw, &errorStr, &errorCode,
		&t.RetryCount, &t.MaxRetries, &t.NextRetryAt, &metaRaw, &ownerLeaseID, &t.LeaseUntil,
	)
	if err != nil {
		return nil, err
	}

	if progressMessage != nil {
		t.ProgressMessage = *progressMessage
	}
	if errorStr != nil {
		t.Error = *errorStr
	}
	if errorCode != nil {
		t.ErrorCode = *errorCode
	}
	if ownerLeaseID != nil {
		t.OwnerLeaseID = *ownerLeaseID
	}
	if len(resultRaw) > 0 {
		t.Result = resultRaw
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &t.Metadata); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// errAs23505 reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal Create() translates into
// task.ErrDuplicateID.
func errAs23505(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
