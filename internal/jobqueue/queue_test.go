package jobqueue

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/chainyield/coordinator/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCompleteIsIdempotent(t *testing.T) {
	q, mock := newTestQueue(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"status", "lease_holder"}).AddRow("done", "worker-a")
	mock.ExpectQuery("SELECT status, lease_holder FROM jobs").WillReturnRows(rows)

	err := q.Complete(ctx, 1, "worker-a")
	require.NoError(t, err, "duplicate complete on an already-Done job must be a no-op")
}

func TestCompleteRejectsWrongHolder(t *testing.T) {
	q, mock := newTestQueue(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"status", "lease_holder"}).AddRow("leased", "worker-a")
	mock.ExpectQuery("SELECT status, lease_holder FROM jobs").WillReturnRows(rows)

	err := q.Complete(ctx, 1, "worker-b")
	require.ErrorIs(t, err, models.ErrLeaseConflict)
}

func TestFailTransientRetriesUntilMaxAttempts(t *testing.T) {
	q, mock := newTestQueue(t)
	ctx := context.Background()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"status", "lease_holder", "attempts"}).AddRow("leased", "worker-a", 2)
	mock.ExpectQuery("SELECT status, lease_holder, attempts FROM jobs").WillReturnRows(rows)
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("failed", 3, "boom", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := q.Fail(ctx, 1, "worker-a", errors.New("boom"), models.RetryPolicy{MaxAttempts: 3, Transient: true})
	require.NoError(t, err)
	require.True(t, terminal, "attempt 3 of 3 must terminate the job")
}

func TestFailTransientRequeuesBelowMaxAttempts(t *testing.T) {
	q, mock := newTestQueue(t)
	ctx := context.Background()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"status", "lease_holder", "attempts"}).AddRow("leased", "worker-a", 0)
	mock.ExpectQuery("SELECT status, lease_holder, attempts FROM jobs").WillReturnRows(rows)
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("pending", 1, "boom", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := q.Fail(ctx, 1, "worker-a", errors.New("boom"), models.RetryPolicy{MaxAttempts: 3, Transient: true})
	require.NoError(t, err)
	require.False(t, terminal, "a transient failure below max attempts must requeue, not terminate")
}

func TestFailDeterministicNeverRetries(t *testing.T) {
	q, mock := newTestQueue(t)
	ctx := context.Background()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"status", "lease_holder", "attempts"}).AddRow("leased", "worker-a", 0)
	mock.ExpectQuery("SELECT status, lease_holder, attempts FROM jobs").WillReturnRows(rows)
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("failed", 1, "compile error", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := q.Fail(ctx, 1, "worker-a", errors.New("compile error"), models.RetryPolicy{MaxAttempts: 3, Transient: false})
	require.NoError(t, err)
	require.True(t, terminal, "a non-transient failure always terminates regardless of attempt count")
}
