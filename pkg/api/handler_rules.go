package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/rules"
)

// RulesResponse is returned by GET /api/v1/rules.
type RulesResponse struct {
	Rules       []models.DetectionRule `json:"rules"`
	RefreshedAt time.Time              `json:"refreshed_at"`
}

// ExecutionsResponse is returned by GET /api/v1/rules/:id/executions.
type ExecutionsResponse struct {
	RuleID     string                   `json:"rule_id"`
	Executions []models.ExecutionRecord `json:"executions"`
}

// rulesListHandler handles GET /api/v1/rules. Serves the enabled-rule
// snapshot the pipeline itself runs on, not a live database read, so what the
// operator sees is exactly what the consumers and scheduler see.
func (s *Server) rulesListHandler(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, RulesResponse{Rules: []models.DetectionRule{}})
		return
	}
	enabled := s.cache.Enabled()
	if enabled == nil {
		enabled = []models.DetectionRule{}
	}
	c.JSON(http.StatusOK, RulesResponse{
		Rules:       enabled,
		RefreshedAt: s.cache.RefreshedAt(),
	})
}

// ruleExecutionsHandler handles GET /api/v1/rules/:id/executions. Returns the
// most recent execution records, newest first. Optional query parameter:
// ?limit=N (default 50).
func (s *Server) ruleExecutionsHandler(c *gin.Context) {
	id := c.Param("id")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// Confirm the rule exists so an empty history and a bad id are
	// distinguishable.
	if _, err := s.ruleStore.Get(reqCtx, id); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		s.logger.Error("Failed to load rule", "rule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rule"})
		return
	}

	execs, err := s.ruleStore.ListExecutions(reqCtx, id, limit)
	if err != nil {
		s.logger.Error("Failed to list executions", "rule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}
	if execs == nil {
		execs = []models.ExecutionRecord{}
	}

	c.JSON(http.StatusOK, ExecutionsResponse{RuleID: id, Executions: execs})
}
