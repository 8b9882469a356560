package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftsec/warden/pkg/buffer"
)

// DLQResponse is returned by GET /api/v1/dlq.
type DLQResponse struct {
	Entries []buffer.DLQEntry `json:"entries"`
	Count   int               `json:"count"`
}

// dlqListHandler handles GET /api/v1/dlq. Returns the most recent dead-letter
// entries, newest first. Optional query parameter: ?limit=N (default 50).
func (s *Server) dlqListHandler(c *gin.Context) {
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	entries, err := s.buf.DLQEntries(reqCtx, limit)
	if err != nil {
		s.logger.Error("Failed to read dead-letter stream", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read dead-letter stream"})
		return
	}
	if entries == nil {
		entries = []buffer.DLQEntry{}
	}

	c.JSON(http.StatusOK, DLQResponse{Entries: entries, Count: len(entries)})
}

// dlqReplayHandler handles POST /api/v1/dlq/:id/replay. Re-publishes the
// payload to its source stream as a fresh entry and removes the dead-letter
// record, so a second replay of the same id returns 404.
func (s *Server) dlqReplayHandler(c *gin.Context) {
	id := c.Param("id")

	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	err := s.buf.ReplayDLQ(reqCtx, id)
	if errors.Is(err, buffer.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter entry not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to replay dead-letter entry", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}

	s.logger.Info("Dead-letter entry replayed", "id", id)
	c.JSON(http.StatusOK, gin.H{"replayed": id})
}
