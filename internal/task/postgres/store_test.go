package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/obslog"
	"github.com/genkernel/orchestrator/internal/task"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithQuerier(mock, obslog.Nop()), mock
}

func TestStore_Create(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), task.TypeImage, task.StatusPending, int64(7),
			pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 0, 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tk := &task.Task{ID: "t1", Type: task.TypeImage, OwnerKeyID: 7, MaxRetries: 3}
	require.NoError(t, store.Create(context.Background(), tk))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetStatus_IllegalTransition(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	rows := pgxmock.NewRows([]string{"status", "retry_count", "completed_at"}).
		AddRow(task.StatusCompleted, 0, (*time.Time)(nil))
	mock.ExpectQuery("SELECT status, retry_count, completed_at").
		WithArgs("t1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := store.SetStatus(context.Background(), "t1", task.StatusProcessing)
	require.ErrorIs(t, err, task.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetStatus_RetryPath(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	rows := pgxmock.NewRows([]string{"status", "retry_count", "completed_at"}).
		AddRow(task.StatusFailed, 0, (*time.Time)(nil))
	mock.ExpectQuery("SELECT status, retry_count, completed_at").
		WithArgs("t1").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE tasks SET status").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	next := time.Now().Add(30 * time.Second)
	err := store.SetStatus(context.Background(), "t1", task.StatusPending,
		task.WithNextRetryAt(next), task.WithRetryCountIncrement())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
