package models

import (
	"database/sql/driver"
	"sort"
	"strings"
	"time"
)

// AlertStatus is the case-lifecycle state of an alert.
type AlertStatus string

// Alert lifecycle states. Transitions form a DAG:
// open → acknowledged → in_progress → closed, with closed reachable from any
// earlier state. closed is terminal; reopening means a new alert linked via
// RelatedAlertIDs.
const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusInProgress   AlertStatus = "in_progress"
	AlertStatusClosed       AlertStatus = "closed"
)

// Valid reports whether the status is known.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusInProgress, AlertStatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertStatusOpen:
		return next == AlertStatusAcknowledged || next == AlertStatusClosed
	case AlertStatusAcknowledged:
		return next == AlertStatusInProgress || next == AlertStatusClosed
	case AlertStatusInProgress:
		return next == AlertStatusClosed
	default:
		return false
	}
}

// Entity kinds extracted from events.
const (
	EntityHosts  = "hosts"
	EntityUsers  = "users"
	EntityIPs    = "ips"
	EntityHashes = "hashes"
	EntityFiles  = "files"
)

// EntitySet groups extracted entity values by kind. Values within a kind are
// unique; order is not significant (Canonical sorts).
type EntitySet map[string][]string

// Add inserts values under kind, skipping empties and duplicates.
func (s EntitySet) Add(kind string, values ...string) {
	existing := s[kind]
	for _, v := range values {
		if v == "" {
			continue
		}
		dup := false
		for _, e := range existing {
			if e == v {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, v)
		}
	}
	if len(existing) > 0 {
		s[kind] = existing
	}
}

// Merge folds other into s.
func (s EntitySet) Merge(other EntitySet) {
	for kind, values := range other {
		s.Add(kind, values...)
	}
}

// Canonical renders the set as a stable string: kinds sorted, values sorted
// and deduplicated, e.g. "hosts=web-01|users=alice,bob". Used for dedup keys,
// so the rendering must never change between releases.
func (s EntitySet) Canonical() string {
	kinds := make([]string, 0, len(s))
	for kind, values := range s {
		if len(values) > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)

	var b strings.Builder
	for i, kind := range kinds {
		if i > 0 {
			b.WriteByte('|')
		}
		values := append([]string(nil), s[kind]...)
		sort.Strings(values)
		b.WriteString(kind)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}

// Value implements driver.Valuer.
func (s EntitySet) Value() (driver.Value, error) {
	if s == nil {
		return jsonbValue(EntitySet{})
	}
	return jsonbValue(map[string][]string(s))
}

// Scan implements sql.Scanner.
func (s *EntitySet) Scan(src any) error {
	return jsonbScan(src, s)
}

// Alert is a deduplicated detection finding.
type Alert struct {
	ID          string      `json:"alert_id" db:"alert_id"`
	RuleID      string      `json:"rule_id" db:"rule_id"`
	RuleName    string      `json:"rule_name" db:"rule_name"`
	Title       string      `json:"title" db:"title"`
	Description string      `json:"description" db:"description"`
	Severity    Severity    `json:"severity" db:"severity"`
	Status      AlertStatus `json:"status" db:"status"`

	// DedupKey identifies the finding: hash of rule ID plus the canonical
	// stable entities of the first hit. New matches with the same key fold
	// into the open alert instead of opening a new one.
	DedupKey string `json:"dedup_key" db:"dedup_key"`

	// HitCount counts every contributing event, including those rotated out
	// of the evidence ring.
	HitCount    int64     `json:"hit_count" db:"hit_count"`
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`

	// Events is the evidence ring: the most recent hits, capped by
	// alert.event_ring_capacity.
	Events   EventList `json:"events" db:"events"`
	Entities EntitySet `json:"entities" db:"entities"`

	RelatedAlertIDs StringList `json:"related_alert_ids,omitempty" db:"related_alert_ids"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Alert egress message kinds published to the alerts stream.
const (
	AlertMessageCreated       = "alert.created"
	AlertMessageUpdated       = "alert.updated"
	AlertMessageStatusChanged = "alert.status_changed"
)

// AlertMessage is the egress payload notification channels consume.
type AlertMessage struct {
	Kind      string      `json:"kind"`
	AlertID   string      `json:"alert_id"`
	RuleID    string      `json:"rule_id"`
	Severity  Severity    `json:"severity"`
	Status    AlertStatus `json:"status"`
	HitCount  int64       `json:"hit_count"`
	Entities  EntitySet   `json:"entities"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewAlertMessage builds the egress message for an alert.
func NewAlertMessage(kind string, a *Alert, now time.Time) AlertMessage {
	return AlertMessage{
		Kind:      kind,
		AlertID:   a.ID,
		RuleID:    a.RuleID,
		Severity:  a.Severity,
		Status:    a.Status,
		HitCount:  a.HitCount,
		Entities:  a.Entities,
		Timestamp: now,
	}
}
