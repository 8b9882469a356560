// Package database holds PostgreSQL integration tests: every store runs
// against a real schema created by the embedded migrations. Tests skip in
// -short mode; otherwise they use CI_DATABASE_URL or a shared testcontainer.
package database

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/rules"
	"github.com/driftsec/warden/test/util"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	return util.SetupTestDatabase(t)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedScheduledRule inserts a minimal scheduled rule and returns it with the
// assigned id.
func seedScheduledRule(t *testing.T, store *rules.Store) *models.DetectionRule {
	t.Helper()
	rule := &models.DetectionRule{
		Name:            "failed logon burst",
		Kind:            models.RuleKindScheduled,
		Query:           `event.action:"logon-failed"`,
		IntervalMinutes: 5,
		LookbackMinutes: 10,
		ThresholdCount:  3,
	}
	require.NoError(t, store.Upsert(context.Background(), rule))
	return rule
}

// pgNow returns a timestamp safe for CAS comparisons against timestamptz
// columns, which round to microseconds on write.
func pgNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
