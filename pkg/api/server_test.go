package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/alerting"
	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/database"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/rules"
	"github.com/driftsec/warden/pkg/scheduler"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

type fakeSearch struct {
	err error
}

func (f *fakeSearch) Ping(ctx context.Context) error { return f.err }

type fakeAlertStore struct {
	getFn  func(ctx context.Context, id string) (*models.Alert, error)
	listFn func(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error)
}

func (f *fakeAlertStore) GetOpen(ctx context.Context, ruleID, dedupKey string) (*models.Alert, error) {
	return nil, alerting.ErrAlertNotFound
}

func (f *fakeAlertStore) Insert(ctx context.Context, alert *models.Alert) error { return nil }

func (f *fakeAlertStore) UpdateEvidence(ctx context.Context, alert *models.Alert) error { return nil }

func (f *fakeAlertStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	if f.getFn == nil {
		return nil, alerting.ErrAlertNotFound
	}
	return f.getFn(ctx, id)
}

func (f *fakeAlertStore) List(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, status, limit)
}

func (f *fakeAlertStore) UpdateStatus(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error) {
	return nil, alerting.ErrAlertNotFound
}

type fakeTransit struct {
	fn func(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error)
}

func (f *fakeTransit) Transition(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error) {
	return f.fn(ctx, id, next, relatedIDs)
}

type fakeScheduler struct {
	status scheduler.Status
}

func (f *fakeScheduler) Status() scheduler.Status { return f.status }

type fakeStateCounter struct {
	counts map[models.CorrelationStatus]int64
	err    error
}

func (f *fakeStateCounter) CountByStatus(ctx context.Context) (map[models.CorrelationStatus]int64, error) {
	return f.counts, f.err
}

// --- Fixture ---

type testServer struct {
	srv    *Server
	engine *gin.Engine
	mock   sqlmock.Sqlmock
	redis  *miniredis.Miniredis
	buf    *buffer.Buffer
	alerts *fakeAlertStore
	search *fakeSearch
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mockDB, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	streamCfg := &config.StreamConfig{
		Addr:         mr.Addr(),
		Prefix:       "warden",
		MaxLen:       1000,
		Backpressure: config.BackpressureDropOldest,
	}
	buf := buffer.New(client, streamCfg, metrics.NewForTest(), testLogger())

	ruleStore := rules.NewStore(db, testLogger())
	cache := rules.NewCache(ruleStore, 0, testLogger())
	alerts := &fakeAlertStore{}
	search := &fakeSearch{}

	srv := NewServer(
		database.NewClientFromDB(db),
		buf,
		search,
		alerts,
		&fakeTransit{fn: func(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error) {
			return nil, alerting.ErrAlertNotFound
		}},
		ruleStore,
		cache,
		prometheus.NewRegistry(),
		testLogger(),
	)

	return &testServer{
		srv:    srv,
		engine: srv.Routes(),
		mock:   mock,
		redis:  mr,
		buf:    buf,
		alerts: alerts,
		search: search,
	}
}

func (ts *testServer) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func TestNewServerPanicsOnNilDeps(t *testing.T) {
	assert.Panics(t, func() {
		NewServer(nil, nil, nil, nil, nil, nil, nil, nil, testLogger())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
