// Package alerting turns rule matches into deduplicated alert records and
// publishes lifecycle messages to the alerts stream.
//
// Matches with the same dedup key (rule id plus the stable entities of the
// first hit) fold into the one open alert for that key: the hit count grows
// without bound while the evidence ring keeps only the most recent hits.
// Closing an alert ends the grouping; the next match opens a fresh alert.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
)

// Publisher emits alert messages to the alerts stream.
type Publisher interface {
	PublishAlert(ctx context.Context, msg models.AlertMessage) error
}

// RuleCounter bumps per-rule lifetime alert counters.
type RuleCounter interface {
	IncrementHitCount(ctx context.Context, ruleID string) error
}

// Generator implements match ingestion with per-dedup-key serialization.
type Generator struct {
	store   Store
	egress  Publisher
	counter RuleCounter // optional
	metrics *metrics.Metrics
	logger  *slog.Logger

	ringCap int
	locks   *keyedMutex
	now     func() time.Time
}

// NewGenerator creates the alert generator. counter may be nil.
func NewGenerator(
	store Store,
	egress Publisher,
	counter RuleCounter,
	m *metrics.Metrics,
	ringCap int,
	logger *slog.Logger,
) *Generator {
	if store == nil {
		panic("alerting: store cannot be nil")
	}
	if egress == nil {
		panic("alerting: egress cannot be nil")
	}
	if m == nil {
		panic("alerting: metrics cannot be nil")
	}
	if ringCap <= 0 {
		ringCap = 100
	}
	return &Generator{
		store:   store,
		egress:  egress,
		counter: counter,
		metrics: m,
		logger:  logger.With("component", "alerting"),
		ringCap: ringCap,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// IngestMatch folds a rule match into the open alert for its dedup key, or
// opens a new one. Called by the scheduler for fired scheduled rules and by
// the correlation engine for streaming matches and completed sequences.
//
// A match that did not exceed its threshold and carries no hits is dropped;
// partial hits from timed-out executions still arrive here when the rule opts
// into emit-on-timeout.
func (g *Generator) IngestMatch(ctx context.Context, rule *models.DetectionRule, hits []models.Event, thresholdExceeded bool) error {
	if !thresholdExceeded && len(hits) == 0 {
		return nil
	}

	var first *models.Event
	if len(hits) > 0 {
		first = &hits[0]
	}
	dedupKey := DedupKey(rule.ID, first)

	unlock := g.locks.Lock(dedupKey)
	defer unlock()

	// Two passes: a fold can lose to an operator closing the alert mid-write,
	// in which case the retry takes the create path.
	for attempt := 0; attempt < 2; attempt++ {
		alert, err := g.store.GetOpen(ctx, rule.ID, dedupKey)
		switch {
		case err == nil:
			err = g.fold(ctx, alert, hits)
			if errors.Is(err, ErrAlertNotFound) && attempt == 0 {
				continue
			}
			return err
		case errors.Is(err, ErrAlertNotFound):
			err = g.create(ctx, rule, dedupKey, hits)
			if errors.Is(err, ErrOpenAlertExists) && attempt == 0 {
				// Another instance opened the alert first; fold into theirs.
				continue
			}
			return err
		default:
			return err
		}
	}
	return fmt.Errorf("failed to ingest match for rule %s: retries exhausted", rule.ID)
}

func (g *Generator) fold(ctx context.Context, alert *models.Alert, hits []models.Event) error {
	alert.HitCount += int64(len(hits))
	if last, ok := maxTimestamp(hits); ok && last.After(alert.LastSeenAt) {
		alert.LastSeenAt = last
	}
	alert.Events = appendRing(alert.Events, hits, g.ringCap)
	if alert.Entities == nil {
		alert.Entities = models.EntitySet{}
	}
	alert.Entities.Merge(ExtractEntities(hits))

	if err := g.store.UpdateEvidence(ctx, alert); err != nil {
		return err
	}

	g.metrics.Alerts.WithLabelValues("updated").Inc()
	g.logger.Info("Alert updated",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"hits", len(hits),
		"hit_count", alert.HitCount)
	g.publish(ctx, models.AlertMessageUpdated, alert)
	return nil
}

func (g *Generator) create(ctx context.Context, rule *models.DetectionRule, dedupKey string, hits []models.Event) error {
	now := g.now().UTC()
	firstSeen, ok := minTimestamp(hits)
	if !ok {
		firstSeen = now
	}
	lastSeen, ok := maxTimestamp(hits)
	if !ok {
		lastSeen = now
	}

	alert := &models.Alert{
		ID:          uuid.New().String(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Title:       rule.Name,
		Description: rule.Description,
		Severity:    severityFor(rule),
		Status:      models.AlertStatusOpen,
		DedupKey:    dedupKey,
		HitCount:    int64(len(hits)),
		FirstSeenAt: firstSeen,
		LastSeenAt:  lastSeen,
		Events:      appendRing(nil, hits, g.ringCap),
		Entities:    ExtractEntities(hits),
	}

	if err := g.store.Insert(ctx, alert); err != nil {
		return err
	}

	if g.counter != nil {
		if err := g.counter.IncrementHitCount(ctx, rule.ID); err != nil {
			g.logger.Warn("Failed to bump rule hit count", "rule_id", rule.ID, "error", err)
		}
	}

	g.metrics.Alerts.WithLabelValues("created").Inc()
	g.logger.Info("Alert created",
		"alert_id", alert.ID,
		"rule_id", rule.ID,
		"severity", alert.Severity,
		"hits", len(hits))
	g.publish(ctx, models.AlertMessageCreated, alert)
	return nil
}

// Transition applies an operator lifecycle action and announces it. The store
// refuses moves outside the lifecycle, including any move out of closed.
func (g *Generator) Transition(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error) {
	alert, err := g.store.UpdateStatus(ctx, id, next, relatedIDs)
	if err != nil {
		return nil, err
	}
	g.metrics.Alerts.WithLabelValues("status_changed").Inc()
	g.publish(ctx, models.AlertMessageStatusChanged, alert)
	return alert, nil
}

// publish sends the egress message. The persisted alert is the source of
// truth; a failed publish is logged rather than failing the ingest, because
// the caller would redeliver and double-count the fold.
func (g *Generator) publish(ctx context.Context, kind string, alert *models.Alert) {
	msg := models.NewAlertMessage(kind, alert, g.now().UTC())
	if err := g.egress.PublishAlert(ctx, msg); err != nil {
		g.logger.Error("Failed to publish alert message",
			"kind", kind, "alert_id", alert.ID, "error", err)
	}
}

// severityFor maps rule severity to alert severity. Testing rules always
// produce informational alerts.
func severityFor(rule *models.DetectionRule) models.Severity {
	if rule.Status == models.RuleStatusTesting {
		return models.SeverityInformational
	}
	return rule.Severity
}

// appendRing appends hits to the evidence ring, evicting the oldest entries
// so the ring never exceeds capacity.
func appendRing(ring models.EventList, hits []models.Event, capacity int) models.EventList {
	ring = append(ring, hits...)
	if len(ring) > capacity {
		ring = append(models.EventList(nil), ring[len(ring)-capacity:]...)
	}
	return ring
}

func minTimestamp(events []models.Event) (time.Time, bool) {
	var min time.Time
	for i := range events {
		ts := events[i].Timestamp
		if ts.IsZero() {
			continue
		}
		if min.IsZero() || ts.Before(min) {
			min = ts
		}
	}
	return min, !min.IsZero()
}

func maxTimestamp(events []models.Event) (time.Time, bool) {
	var max time.Time
	for i := range events {
		ts := events[i].Timestamp
		if ts.After(max) {
			max = ts
		}
	}
	return max, !max.IsZero()
}
