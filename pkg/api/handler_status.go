package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/pipeline"
	"github.com/driftsec/warden/pkg/scheduler"
)

// StreamStatus describes the events stream and its consumer groups.
type StreamStatus struct {
	Length    int64            `json:"length"`
	Lags      map[string]int64 `json:"lags"`
	Throttled bool             `json:"throttled"`
}

// RuleSnapshotStatus describes the in-memory rule snapshot.
type RuleSnapshotStatus struct {
	Enabled     int       `json:"enabled"`
	Streaming   int       `json:"streaming"`
	Correlation int       `json:"correlation"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Scheduler *scheduler.Status      `json:"scheduler,omitempty"`
	Consumers []pipeline.RunnerStats `json:"consumers"`
	Stream    StreamStatus           `json:"stream"`
	Windows   map[string]int64       `json:"windows,omitempty"`
	Rules     *RuleSnapshotStatus    `json:"rules,omitempty"`
}

// statusHandler handles GET /api/v1/status.
func (s *Server) statusHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := StatusResponse{
		Consumers: make([]pipeline.RunnerStats, 0, len(s.runners)),
	}

	if s.sched != nil {
		st := s.sched.Status()
		resp.Scheduler = &st
	}
	for _, r := range s.runners {
		resp.Consumers = append(resp.Consumers, r.Stats())
	}

	if length, err := s.buf.StreamLen(reqCtx); err == nil {
		resp.Stream.Length = length
	}
	if lags, err := s.buf.GroupLags(reqCtx); err == nil {
		resp.Stream.Lags = lags
	} else {
		s.logger.Warn("Failed to read group lags", "error", err)
	}
	resp.Stream.Throttled = s.buf.Throttled()

	if s.states != nil {
		counts, err := s.states.CountByStatus(reqCtx)
		if err != nil {
			s.logger.Warn("Failed to count correlation windows", "error", err)
		} else {
			resp.Windows = make(map[string]int64, len(counts))
			for status, n := range counts {
				resp.Windows[string(status)] = n
			}
			for _, st := range []models.CorrelationStatus{
				models.CorrelationActive,
				models.CorrelationDraining,
			} {
				if _, ok := resp.Windows[string(st)]; !ok {
					resp.Windows[string(st)] = 0
				}
			}
		}
	}

	if s.cache != nil {
		resp.Rules = &RuleSnapshotStatus{
			Enabled:     len(s.cache.Enabled()),
			Streaming:   len(s.cache.Streaming()),
			Correlation: len(s.cache.Correlation()),
			RefreshedAt: s.cache.RefreshedAt(),
		}
	}

	c.JSON(http.StatusOK, resp)
}
