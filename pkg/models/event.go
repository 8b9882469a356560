package models

import (
	"database/sql/driver"
	"strings"
	"time"
)

// Event is a single normalized security event flowing through the pipeline.
// Parsers produce Events; the buffer carries them; the correlation engine and
// the historical-store indexer consume them.
type Event struct {
	// ID is the producer-assigned unique identifier, used for idempotent
	// reprocessing after redelivery.
	ID string `json:"event_id"`

	// Timestamp is when the event occurred at the source (event time).
	Timestamp time.Time `json:"timestamp"`

	// Source names the producing integration, e.g. "winlogbeat", "zeek".
	Source string `json:"source"`

	// Fields is the normalized key/value document. Keys may be flat dotted
	// paths ("user.name") or nested objects; Field handles both.
	Fields map[string]any `json:"fields"`

	// Raw is the original unparsed payload, if retained.
	Raw string `json:"raw,omitempty"`

	// PublishedAt is assigned by the buffer at publish time (ingest time).
	// Lateness is always measured between Timestamp and arrival, never
	// against PublishedAt.
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// Field resolves a dotted path against the event fields. A flat key takes
// precedence over nested traversal, so documents that store "user.name"
// literally and documents that nest {"user": {"name": ...}} both resolve.
func (e *Event) Field(path string) (any, bool) {
	if e.Fields == nil {
		return nil, false
	}
	if v, ok := e.Fields[path]; ok {
		return v, true
	}
	var cur any = map[string]any(e.Fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringField resolves a path to a string value. Non-string values report false.
func (e *Event) StringField(path string) (string, bool) {
	v, ok := e.Field(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings resolves a path to one or more string values, accepting both scalar
// strings and arrays (ECS allows host.ip and file hashes to be arrays).
func (e *Event) Strings(path string) []string {
	v, ok := e.Field(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// EventList is a []Event stored as JSONB (the alert evidence ring).
type EventList []Event

// Value implements driver.Valuer.
func (l EventList) Value() (driver.Value, error) {
	if l == nil {
		return jsonbValue([]Event{})
	}
	return jsonbValue([]Event(l))
}

// Scan implements sql.Scanner.
func (l *EventList) Scan(src any) error {
	return jsonbScan(src, l)
}
