package correlate

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockStateStore(t *testing.T) (*PGStateStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStateStore(sqlx.NewDb(db, "pgx"), testLogger()), mock
}

var stateRowColumns = []string{
	"id", "rule_id", "entity_key", "status", "state",
	"window_start", "window_end", "version", "updated_at",
}

func TestPGStateStoreLatest(t *testing.T) {
	store, mock := newMockStateStore(t)

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(stateRowColumns).AddRow(
		int64(7), "rule-1", "alice|web-01", "active",
		[]byte(`{"stage_counts":[1,0],"next_stage":1,"events":[]}`),
		start, start.Add(10*time.Minute), int64(3), start,
	)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("rule-1", "alice|web-01").
		WillReturnRows(rows)

	st, err := store.Latest(context.Background(), "rule-1", "alice|web-01")
	require.NoError(t, err)

	assert.Equal(t, int64(7), st.ID)
	assert.Equal(t, models.CorrelationActive, st.Status)
	assert.Equal(t, []int{1, 0}, st.State.StageCounts)
	assert.Equal(t, 1, st.State.NextStage)
	assert.Equal(t, int64(3), st.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreLatestNotFound(t *testing.T) {
	store, mock := newMockStateStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("rule-1", "nobody").
		WillReturnRows(sqlmock.NewRows(stateRowColumns))

	_, err := store.Latest(context.Background(), "rule-1", "nobody")
	require.ErrorIs(t, err, ErrStateNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreInsert(t *testing.T) {
	store, mock := newMockStateStore(t)

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &models.CorrelationState{
		RuleID:      "rule-1",
		EntityKey:   "alice|web-01",
		Status:      models.CorrelationActive,
		State:       models.SequenceState{StageCounts: []int{1, 0}, NextStage: 1},
		WindowStart: start,
		WindowEnd:   start.Add(10 * time.Minute),
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO correlation_states")).
		WithArgs("rule-1", "alice|web-01", models.CorrelationActive,
			sqlmock.AnyArg(), st.WindowStart, st.WindowEnd).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	require.NoError(t, store.Insert(context.Background(), st))
	assert.Equal(t, int64(42), st.ID)
	assert.Equal(t, int64(1), st.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreInsertUniqueViolation(t *testing.T) {
	store, mock := newMockStateStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO correlation_states")).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Insert(context.Background(), &models.CorrelationState{
		RuleID:    "rule-1",
		EntityKey: "alice|web-01",
		Status:    models.CorrelationActive,
	})
	require.ErrorIs(t, err, ErrStateConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreUpdate(t *testing.T) {
	store, mock := newMockStateStore(t)

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &models.CorrelationState{
		ID:          7,
		RuleID:      "rule-1",
		EntityKey:   "alice|web-01",
		Status:      models.CorrelationCompleted,
		State:       models.SequenceState{StageCounts: []int{1, 1}},
		WindowStart: start,
		WindowEnd:   start.Add(10 * time.Minute),
		Version:     3,
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE correlation_states")).
		WithArgs(models.CorrelationCompleted, sqlmock.AnyArg(),
			st.WindowStart, st.WindowEnd, int64(7), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	saved, err := store.Update(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int64(4), st.Version, "successful save bumps the in-memory version")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreUpdateLostRace(t *testing.T) {
	store, mock := newMockStateStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE correlation_states")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	st := &models.CorrelationState{ID: 7, Version: 3}
	saved, err := store.Update(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, int64(3), st.Version, "lost race leaves the version untouched")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreSweepStatements(t *testing.T) {
	store, mock := newMockStateStore(t)
	cutoff := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'draining'")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := store.MarkDraining(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'expired'")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err = store.MarkExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM correlation_states")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 9))
	n, err = store.DeleteTerminal(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStateStoreCountByStatus(t *testing.T) {
	store, mock := newMockStateStore(t)

	rows := sqlmock.NewRows([]string{"status", "n"}).
		AddRow("active", int64(12)).
		AddRow("draining", int64(3)).
		AddRow("completed", int64(5))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).WillReturnRows(rows)

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), counts[models.CorrelationActive])
	assert.Equal(t, int64(3), counts[models.CorrelationDraining])
	assert.Equal(t, int64(5), counts[models.CorrelationCompleted])
	assert.Zero(t, counts[models.CorrelationExpired])

	assert.NoError(t, mock.ExpectationsWereMet())
}
