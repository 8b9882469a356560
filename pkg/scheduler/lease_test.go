package scheduler

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockLeases(t *testing.T) (*LeaseStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLeaseStore(sqlx.NewDb(db, "pgx"), testLogger()), mock
}

func TestLeaseAcquireWins(t *testing.T) {
	store, mock := newMockLeases(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduler_leases")).
		WithArgs(LeaseName, "pod-a", "15000 milliseconds").
		WillReturnResult(sqlmock.NewResult(0, 1))

	held, err := store.Acquire(context.Background(), LeaseName, "pod-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, held)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseAcquireLosesToLiveHolder(t *testing.T) {
	store, mock := newMockLeases(t)

	// Conflict row held by someone else and not expired: the guarded upsert
	// writes nothing.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduler_leases")).
		WithArgs(LeaseName, "pod-b", "15000 milliseconds").
		WillReturnResult(sqlmock.NewResult(0, 0))

	held, err := store.Acquire(context.Background(), LeaseName, "pod-b", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, held, "a live lease must not change hands")
}

func TestLeaseRelease(t *testing.T) {
	store, mock := newMockLeases(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM scheduler_leases")).
		WithArgs(LeaseName, "pod-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Release(context.Background(), LeaseName, "pod-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
