package rules

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(sqlx.NewDb(db, "pgx"), testLogger()), mock
}

var ruleRowColumns = []string{
	"rule_id", "name", "description", "kind", "query", "dialect", "indices",
	"schedule_interval_minutes", "lookback_minutes", "threshold_count",
	"max_hits", "severity", "status", "correlation_config", "hit_count",
	"consecutive_failures", "degraded", "last_run_at", "created_at", "updated_at",
}

func addScheduledRow(rows *sqlmock.Rows, id, name string, lastRun *time.Time) *sqlmock.Rows {
	now := time.Now().UTC()
	var lastRunVal any
	if lastRun != nil {
		lastRunVal = *lastRun
	}
	return rows.AddRow(
		id, name, "", "scheduled", "process.name:psexec.exe", "kql", []byte(`["warden-events-*"]`),
		5, 10, 0,
		100, "high", "enabled", []byte(`{}`), int64(0),
		0, false, lastRunVal, now, now,
	)
}

func TestStoreGet(t *testing.T) {
	store, mock := newMockStore(t)

	lastRun := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	rows := addScheduledRow(sqlmock.NewRows(ruleRowColumns), "r-1", "psexec usage", &lastRun)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("r-1").
		WillReturnRows(rows)

	rule, err := store.Get(context.Background(), "r-1")
	require.NoError(t, err)

	assert.Equal(t, "r-1", rule.ID)
	assert.Equal(t, models.RuleKindScheduled, rule.Kind)
	assert.Equal(t, models.DialectKQL, rule.Dialect)
	assert.Equal(t, models.StringList{"warden-events-*"}, rule.Indices)
	assert.Equal(t, 5, rule.IntervalMinutes)
	assert.True(t, rule.Correlation.IsZero())
	require.NotNil(t, rule.LastRunAt)
	assert.Equal(t, lastRun, rule.LastRunAt.UTC())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestStoreUpsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO detection_rules")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := &models.DetectionRule{
		Name:            "psexec usage",
		Kind:            models.RuleKindScheduled,
		Query:           "process.name:psexec.exe",
		IntervalMinutes: 5,
		LookbackMinutes: 10,
	}
	require.NoError(t, store.Upsert(context.Background(), rule))

	assert.NotEmpty(t, rule.ID, "upsert assigns ids to new rules")
	assert.Equal(t, models.DialectKQL, rule.Dialect, "normalize fills the dialect")
	assert.Equal(t, 100, rule.MaxHits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpsertRejectsInvalid(t *testing.T) {
	store, _ := newMockStore(t)

	rule := &models.DetectionRule{Name: "", Kind: models.RuleKindScheduled}
	err := store.Upsert(context.Background(), rule)
	assert.True(t, models.IsValidationError(err), "invalid rules never reach the database")
}

func TestUpdateLastRunCAS(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	observed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	next := observed.Add(5 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE detection_rules")).
		WithArgs("r-1", next, observed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := store.UpdateLastRun(ctx, "r-1", &observed, next)
	require.NoError(t, err)
	assert.True(t, won)

	// A sibling scheduler already advanced the marker: zero rows match.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE detection_rules")).
		WithArgs("r-1", next, observed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = store.UpdateLastRun(ctx, "r-1", &observed, next)
	require.NoError(t, err)
	assert.False(t, won, "a lost compare-and-set must not fire the rule")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordExecutionFailureStreak(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_executions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("consecutive_failures + 1")).
		WithArgs("r-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := &models.ExecutionRecord{
		RuleID:       "r-1",
		StartedAt:    time.Now().UTC(),
		CompletedAt:  time.Now().UTC(),
		Status:       models.ExecutionFailed,
		ErrorMessage: "query rejected by store",
	}
	require.NoError(t, store.RecordExecution(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordExecutionSuccessResetsStreak(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rule_executions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("consecutive_failures = 0")).
		WithArgs("r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := &models.ExecutionRecord{
		RuleID:      "r-1",
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
		Status:      models.ExecutionSucceeded,
		HitsCount:   3,
	}
	require.NoError(t, store.RecordExecution(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListExecutions(t *testing.T) {
	store, mock := newMockStore(t)

	started := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"execution_id", "rule_id", "started_at", "completed_at", "duration_ms",
		"status", "hits_count", "error_message",
	}).AddRow("e-2", "r-1", started, started.Add(time.Second), int64(1000), "succeeded", 2, "").
		AddRow("e-1", "r-1", started.Add(-time.Hour), started.Add(-time.Hour), int64(40), "failed", 0, "store down")

	mock.ExpectQuery(regexp.QuoteMeta("FROM rule_executions")).
		WithArgs("r-1", 50).
		WillReturnRows(rows)

	execs, err := store.ListExecutions(context.Background(), "r-1", 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionSucceeded, execs[0].Status)
	assert.Equal(t, "store down", execs[1].ErrorMessage)
}

func TestCachePartitionsByKind(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(ruleRowColumns)
	addScheduledRow(rows, "r-sched", "scheduled rule", nil)
	now := time.Now().UTC()
	rows.AddRow(
		"r-stream", "streaming rule", "", "streaming", "", "kql", []byte(`[]`),
		0, 0, 0,
		100, "low", "enabled",
		[]byte(`{"stages":[{"name":"only","predicate":{"all":[{"field":"event.action","op":"equals","value":"deleted"}]}}]}`),
		int64(0), 0, false, nil, now, now,
	)
	rows.AddRow(
		"r-corr", "correlation rule", "", "correlation", "", "kql", []byte(`[]`),
		0, 0, 0,
		100, "high", "enabled",
		[]byte(`{"entity_key_fields":["host.name"],"window_minutes":10,"stages":[{"name":"a","predicate":{"all":[{"field":"x","op":"exists"}]}},{"name":"b","predicate":{"all":[{"field":"y","op":"exists"}]}}]}`),
		int64(0), 0, false, nil, now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1")).
		WithArgs(models.RuleStatusEnabled).
		WillReturnRows(rows)

	cache := NewCache(store, time.Minute, testLogger())
	require.NoError(t, cache.Refresh(context.Background()))

	assert.Len(t, cache.Enabled(), 3)
	require.Len(t, cache.Streaming(), 1)
	assert.Equal(t, "r-stream", cache.Streaming()[0].ID)
	require.Len(t, cache.Correlation(), 1)
	assert.Equal(t, "r-corr", cache.Correlation()[0].ID)
	assert.Equal(t, 10, cache.Correlation()[0].Correlation.WindowMinutes)

	rule, ok := cache.Get("r-sched")
	require.True(t, ok)
	assert.Equal(t, "scheduled rule", rule.Name)
	_, ok = cache.Get("nope")
	assert.False(t, ok)
	assert.False(t, cache.RefreshedAt().IsZero())
}
