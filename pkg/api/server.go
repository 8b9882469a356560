// Package api serves warden's operational HTTP surface: health and readiness
// probes, Prometheus metrics, pipeline status, dead-letter inspection and
// replay, rule execution history, and the alert lifecycle endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftsec/warden/pkg/alerting"
	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/database"
	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/pipeline"
	"github.com/driftsec/warden/pkg/rules"
	"github.com/driftsec/warden/pkg/scheduler"
)

// SearchPinger probes the search backend.
type SearchPinger interface {
	Ping(ctx context.Context) error
}

// StateCounter reports correlation window counts by status.
type StateCounter interface {
	CountByStatus(ctx context.Context) (map[models.CorrelationStatus]int64, error)
}

// AlertTransitioner applies operator lifecycle actions. Transitions go
// through the generator rather than straight to the store so every status
// change also publishes an alert.status_changed message.
type AlertTransitioner interface {
	Transition(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error)
}

// SchedulerStatus reports the scheduler's point-in-time state.
type SchedulerStatus interface {
	Status() scheduler.Status
}

// Server is the operational HTTP server.
type Server struct {
	db        *database.Client
	buf       *buffer.Buffer
	search    SearchPinger
	alerts    alerting.Store
	transit   AlertTransitioner
	ruleStore *rules.Store
	cache     *rules.Cache
	registry  *prometheus.Registry
	logger    *slog.Logger

	// Optional; wired by setters after construction.
	sched   SchedulerStatus
	runners []*pipeline.Runner
	states  StateCounter

	httpSrv *http.Server
}

// NewServer creates the operational server. All arguments are required.
func NewServer(
	db *database.Client,
	buf *buffer.Buffer,
	search SearchPinger,
	alerts alerting.Store,
	transit AlertTransitioner,
	ruleStore *rules.Store,
	cache *rules.Cache,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	if db == nil {
		panic("api: database client cannot be nil")
	}
	if buf == nil {
		panic("api: buffer cannot be nil")
	}
	if registry == nil {
		panic("api: metrics registry cannot be nil")
	}
	return &Server{
		db:        db,
		buf:       buf,
		search:    search,
		alerts:    alerts,
		transit:   transit,
		ruleStore: ruleStore,
		cache:     cache,
		registry:  registry,
		logger:    logger.With("component", "api"),
	}
}

// SetScheduler attaches the scheduler for status reporting.
func (s *Server) SetScheduler(sched SchedulerStatus) {
	s.sched = sched
}

// SetRunners attaches the stream consumers for status reporting.
func (s *Server) SetRunners(runners ...*pipeline.Runner) {
	s.runners = runners
}

// SetStateCounter attaches the correlation state store for status reporting.
func (s *Server) SetStateCounter(states StateCounter) {
	s.states = states
}

// Routes builds the gin engine with all routes and middleware registered.
func (s *Server) Routes() *gin.Engine {
	engine := gin.New()
	engine.Use(recovery(s.logger), requestLogger(s.logger))

	engine.GET("/healthz", s.healthzHandler)
	engine.GET("/readyz", s.readyzHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/status", s.statusHandler)
		v1.GET("/dlq", s.dlqListHandler)
		v1.POST("/dlq/:id/replay", s.dlqReplayHandler)
		v1.GET("/rules", s.rulesListHandler)
		v1.GET("/rules/:id/executions", s.ruleExecutionsHandler)
		v1.GET("/alerts", s.alertsListHandler)
		v1.GET("/alerts/:id", s.alertGetHandler)
		v1.POST("/alerts/:id/status", s.alertStatusHandler)
	}

	return engine
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
