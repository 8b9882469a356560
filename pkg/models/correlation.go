package models

import (
	"database/sql/driver"
	"time"
)

// CorrelationStatus is the lifecycle state of a correlation window row.
type CorrelationStatus string

// Window states. A row is active while the window is open, draining between
// window end and the lateness bound (late in-window events may still land),
// then completed (sequence matched) or expired (it did not).
const (
	CorrelationActive    CorrelationStatus = "active"
	CorrelationDraining  CorrelationStatus = "draining"
	CorrelationCompleted CorrelationStatus = "completed"
	CorrelationExpired   CorrelationStatus = "expired"
)

// Open reports whether the row can still accept events.
func (s CorrelationStatus) Open() bool {
	return s == CorrelationActive || s == CorrelationDraining
}

// SequenceState is the accumulating match state of one correlation window,
// stored as JSONB inside the state row.
type SequenceState struct {
	// StageCounts tracks matched events per stage index.
	StageCounts []int `json:"stage_counts"`
	// NextStage is the strict-order cursor: the lowest stage index still
	// short of min_count_per_stage. Unused in any-order mode.
	NextStage int `json:"next_stage"`
	// Events are the contributing events, in arrival order, capped at the
	// alert evidence ring size.
	Events []Event `json:"events"`
	// Captured records stage capture values and the require_distinct field
	// values seen so far, keyed by field path.
	Captured map[string][]string `json:"captured,omitempty"`
}

// Value implements driver.Valuer.
func (s SequenceState) Value() (driver.Value, error) {
	return jsonbValue(s)
}

// Scan implements sql.Scanner.
func (s *SequenceState) Scan(src any) error {
	return jsonbScan(src, s)
}

// CorrelationState is one window row: the sequence-match progress for a
// (rule, entity key) pair. At most one row per pair may be open at a time.
type CorrelationState struct {
	ID        int64             `json:"id" db:"id"`
	RuleID    string            `json:"rule_id" db:"rule_id"`
	EntityKey string            `json:"entity_key" db:"entity_key"`
	Status    CorrelationStatus `json:"status" db:"status"`
	State     SequenceState     `json:"state" db:"state"`

	// [WindowStart, WindowEnd) bounds accepted event timestamps, right-open.
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`

	// Version implements optimistic concurrency: every save compares and
	// increments it, and a miss means another writer got there first.
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// InWindow reports whether an event timestamp falls inside the row's window,
// allowing out-of-order arrivals up to wLate before the window start.
func (c *CorrelationState) InWindow(ts time.Time, wLate time.Duration) bool {
	if ts.Before(c.WindowStart.Add(-wLate)) {
		return false
	}
	return ts.Before(c.WindowEnd)
}

// CorrelationBundle is a completed sequence published to the correlation
// stream: the matched rule, the entity key that tied the events together, and
// the contributing events in arrival order.
type CorrelationBundle struct {
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	EntityKey   string    `json:"entity_key"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Events      []Event   `json:"events"`
	CompletedAt time.Time `json:"completed_at"`
}
