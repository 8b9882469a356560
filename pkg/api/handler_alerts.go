package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftsec/warden/pkg/alerting"
	"github.com/driftsec/warden/pkg/models"
)

// AlertsResponse is returned by GET /api/v1/alerts.
type AlertsResponse struct {
	Alerts []models.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

// TransitionRequest is the body of POST /api/v1/alerts/:id/status.
type TransitionRequest struct {
	Status          string   `json:"status" binding:"required"`
	RelatedAlertIDs []string `json:"related_alert_ids"`
}

// alertsListHandler handles GET /api/v1/alerts. Optional query parameters:
// ?status=open|acknowledged|in_progress|closed and ?limit=N (default 100).
func (s *Server) alertsListHandler(c *gin.Context) {
	status := models.AlertStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(string(status))})
		return
	}

	limit := 100
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

	alerts, err := s.alerts.List(reqCtx, status, limit)
	if err != nil {
		s.logger.Error("Failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	c.JSON(http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

// alertGetHandler handles GET /api/v1/alerts/:id.
func (s *Server) alertGetHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	alert, err := s.alerts.Get(reqCtx, c.Param("id"))
	if errors.Is(err, alerting.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to get alert", "alert_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get alert"})
		return
	}

	c.JSON(http.StatusOK, alert)
}

// alertStatusHandler handles POST /api/v1/alerts/:id/status. Applies an
// operator lifecycle transition; moves the lifecycle does not permit return
// 409. Closing is terminal, so follow-up findings open a new alert which may
// reference this one via related_alert_ids.
func (s *Server) alertStatusHandler(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next := models.AlertStatus(req.Status)
	if !next.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(req.Status)})
		return
	}

	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	alert, err := s.transit.Transition(reqCtx, c.Param("id"), next, req.RelatedAlertIDs)
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, alerting.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("Failed to transition alert", "alert_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
	default:
		c.JSON(http.StatusOK, alert)
	}
}
