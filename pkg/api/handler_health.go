package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/driftsec/warden/pkg/database"
	"github.com/driftsec/warden/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one dependency's probe result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Checks   map[string]HealthCheck `json:"checks"`
	Database *database.HealthStatus `json:"database,omitempty"`
}

// healthzHandler handles GET /healthz. It probes warden's backing stores
// (postgres, redis, search) concurrently so a hung store costs one probe
// budget, not three. An unreachable store makes the whole process unhealthy
// because every pipeline stage writes through at least one of them.
func (s *Server) healthzHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		checks   = make(map[string]HealthCheck)
		dbHealth *database.HealthStatus
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			checks[name] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
			return
		}
		checks[name] = HealthCheck{Status: healthStatusHealthy}
	}

	// Probe failures land in checks, never in the group error: one slow
	// store must not cancel the other probes.
	var g errgroup.Group
	g.Go(func() error {
		h, err := database.Health(reqCtx, s.db.DB())
		mu.Lock()
		dbHealth = h
		mu.Unlock()
		record("postgres", err)
		return nil
	})
	g.Go(func() error {
		record("redis", s.buf.Ping(reqCtx))
		return nil
	})
	if s.search != nil {
		g.Go(func() error {
			record("search", s.search.Ping(reqCtx))
			return nil
		})
	}
	_ = g.Wait()

	status := healthStatusHealthy
	httpStatus := http.StatusOK
	for _, check := range checks {
		if check.Status == healthStatusUnhealthy {
			status = healthStatusUnhealthy
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Checks:   checks,
		Database: dbHealth,
	})
}

// readyzHandler handles GET /readyz. Ready means the rule snapshot has loaded
// at least once; before that the consumers would drop every event on the
// floor, so the pod should not receive traffic.
func (s *Server) readyzHandler(c *gin.Context) {
	if s.cache == nil || s.cache.RefreshedAt().IsZero() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "rule snapshot not loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
