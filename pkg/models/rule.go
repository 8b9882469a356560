package models

import (
	"database/sql/driver"
	"time"
)

// RuleKind distinguishes how a rule is executed.
type RuleKind string

// Rule kinds.
const (
	// RuleKindScheduled rules run periodically against the historical store.
	RuleKindScheduled RuleKind = "scheduled"
	// RuleKindStreaming rules evaluate a single-event predicate on the live stream.
	RuleKindStreaming RuleKind = "streaming"
	// RuleKindCorrelation rules match multi-event sequences per entity.
	RuleKindCorrelation RuleKind = "correlation"
)

// Valid reports whether the kind is one of the known values.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleKindScheduled, RuleKindStreaming, RuleKindCorrelation:
		return true
	}
	return false
}

// Dialect is the query language of a scheduled rule.
type Dialect string

// Query dialects.
const (
	DialectKQL  Dialect = "kql"
	DialectESQL Dialect = "esql"
)

// Valid reports whether the dialect is known.
func (d Dialect) Valid() bool {
	return d == DialectKQL || d == DialectESQL
}

// Severity is the analyst-facing severity of a rule and its alerts.
type Severity string

// Severities, lowest to highest.
const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

// Valid reports whether the severity is known.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInformational, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RuleStatus controls whether a rule participates in detection.
type RuleStatus string

// Rule statuses. Testing rules execute but their alerts are marked
// informational regardless of rule severity.
const (
	RuleStatusEnabled  RuleStatus = "enabled"
	RuleStatusDisabled RuleStatus = "disabled"
	RuleStatusTesting  RuleStatus = "testing"
)

// Valid reports whether the status is known.
func (s RuleStatus) Valid() bool {
	return s == RuleStatusEnabled || s == RuleStatusDisabled || s == RuleStatusTesting
}

// ConditionOp is a structured predicate comparison operator.
type ConditionOp string

// Condition operators.
const (
	OpEquals    ConditionOp = "equals"
	OpNotEquals ConditionOp = "not_equals"
	OpContains  ConditionOp = "contains"
	OpPrefix    ConditionOp = "prefix"
	OpSuffix    ConditionOp = "suffix"
	OpExists    ConditionOp = "exists"
	OpRegex     ConditionOp = "regex"
	OpIn        ConditionOp = "in"
)

// Condition is a single field comparison inside a stage predicate.
type Condition struct {
	Field  string      `json:"field" yaml:"field"`
	Op     ConditionOp `json:"op" yaml:"op"`
	Value  string      `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string    `json:"values,omitempty" yaml:"values,omitempty"`
}

// Predicate decides whether an event matches a stage. All listed conditions
// must hold, at least one of Any must hold (when present), and the optional
// jq expression must evaluate to true (when present).
type Predicate struct {
	All  []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any  []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Expr string      `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// IsZero reports whether the predicate has no clauses at all.
func (p Predicate) IsZero() bool {
	return len(p.All) == 0 && len(p.Any) == 0 && p.Expr == ""
}

// CorrelationStage is one step of a sequence rule.
type CorrelationStage struct {
	Name      string    `json:"name" yaml:"name"`
	Predicate Predicate `json:"predicate" yaml:"predicate"`
	// Capture lists field paths whose values are recorded into window state
	// when the stage matches, for require_distinct checks and alert context.
	Capture []string `json:"capture,omitempty" yaml:"capture,omitempty"`
}

// CorrelationConfig configures sequence matching for correlation rules and
// holds the single predicate of streaming rules.
type CorrelationConfig struct {
	// EntityKeyFields are joined (in order) to form the correlation key,
	// e.g. ["user.name", "host.name"].
	EntityKeyFields []string `json:"entity_key_fields" yaml:"entity_key_fields"`

	Stages []CorrelationStage `json:"stages" yaml:"stages"`

	// WindowMinutes bounds the sequence: all stage timestamps must fall in
	// [window_start, window_start+window), right-open.
	WindowMinutes int `json:"window_minutes" yaml:"window_minutes"`

	// Ordered requires stages to match in declaration order.
	Ordered bool `json:"ordered" yaml:"ordered"`

	// MinCountPerStage is how many matching events each stage needs (default 1).
	MinCountPerStage int `json:"min_count_per_stage,omitempty" yaml:"min_count_per_stage,omitempty"`

	// RequireDistinct names a field whose captured value must differ across
	// stage matches within one window. Empty disables the check.
	RequireDistinct string `json:"require_distinct,omitempty" yaml:"require_distinct,omitempty"`
}

// IsZero reports whether no correlation behavior is configured.
func (c CorrelationConfig) IsZero() bool {
	return len(c.Stages) == 0
}

// Window returns the configured window duration.
func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Value implements driver.Valuer.
func (c CorrelationConfig) Value() (driver.Value, error) {
	return jsonbValue(c)
}

// Scan implements sql.Scanner.
func (c *CorrelationConfig) Scan(src any) error {
	return jsonbScan(src, c)
}

// DetectionRule is the stored definition of a detection.
type DetectionRule struct {
	ID          string     `json:"rule_id" db:"rule_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Kind        RuleKind   `json:"kind" db:"kind"`
	Query       string     `json:"query" db:"query"`
	Dialect     Dialect    `json:"dialect" db:"dialect"`
	Indices     StringList `json:"indices" db:"indices"`

	// IntervalMinutes is the evaluation cadence (scheduled and correlation
	// rules; the latter for historical stage-0 seeding).
	IntervalMinutes int `json:"schedule_interval_minutes" db:"schedule_interval_minutes"`
	// LookbackMinutes is how far back each scheduled execution searches.
	LookbackMinutes int `json:"lookback_minutes" db:"lookback_minutes"`
	// ThresholdCount gates alerting: 0 fires on any hit, N fires when the
	// effective hit count over the lookback reaches N.
	ThresholdCount int `json:"threshold_count" db:"threshold_count"`
	// MaxHits caps hits fetched per execution (default 100, hard cap 10000).
	MaxHits int `json:"max_hits" db:"max_hits"`

	Severity Severity   `json:"severity" db:"severity"`
	Status   RuleStatus `json:"status" db:"status"`

	Correlation CorrelationConfig `json:"correlation_config,omitzero" db:"correlation_config"`

	// HitCount is the lifetime number of alerts attributed to this rule.
	HitCount int64 `json:"hit_count" db:"hit_count"`
	// ConsecutiveFailures feeds the degraded flag (3 strikes).
	ConsecutiveFailures int  `json:"consecutive_failures" db:"consecutive_failures"`
	Degraded            bool `json:"degraded" db:"degraded"`

	LastRunAt *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Interval returns the schedule interval as a duration.
func (r *DetectionRule) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Lookback returns the lookback as a duration.
func (r *DetectionRule) Lookback() time.Duration {
	return time.Duration(r.LookbackMinutes) * time.Minute
}

// Due reports whether the rule should fire at now given its last run.
func (r *DetectionRule) Due(now time.Time) bool {
	if r.LastRunAt == nil {
		return true
	}
	return !now.Before(r.LastRunAt.Add(r.Interval()))
}

// Scheduled reports whether the scheduler should drive this rule: scheduled
// rules always, correlation rules only when they carry a seeding query.
func (r *DetectionRule) Scheduled() bool {
	switch r.Kind {
	case RuleKindScheduled:
		return true
	case RuleKindCorrelation:
		return r.Query != ""
	}
	return false
}

// Normalize fills defaulted fields in place.
func (r *DetectionRule) Normalize() {
	if r.Dialect == "" {
		r.Dialect = DialectKQL
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if r.Status == "" {
		r.Status = RuleStatusEnabled
	}
	if r.MaxHits <= 0 {
		r.MaxHits = 100
	}
	if !r.Correlation.IsZero() && r.Correlation.MinCountPerStage <= 0 {
		r.Correlation.MinCountPerStage = 1
	}
}

// Validate checks structural correctness. It assumes Normalize has run.
func (r *DetectionRule) Validate() error {
	if r.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	if !r.Kind.Valid() {
		return NewValidationError("kind", "must be scheduled, streaming, or correlation")
	}
	if !r.Dialect.Valid() {
		return NewValidationError("dialect", "must be kql or esql")
	}
	if !r.Severity.Valid() {
		return NewValidationError("severity", "unknown severity")
	}
	if !r.Status.Valid() {
		return NewValidationError("status", "must be enabled, disabled, or testing")
	}
	if r.ThresholdCount < 0 {
		return NewValidationError("threshold_count", "must not be negative")
	}
	switch r.Kind {
	case RuleKindScheduled:
		if r.Query == "" {
			return NewValidationError("query", "scheduled rules require a query")
		}
		if r.IntervalMinutes <= 0 {
			return NewValidationError("schedule_interval_minutes", "must be positive")
		}
		if r.LookbackMinutes <= 0 {
			return NewValidationError("lookback_minutes", "must be positive")
		}
	case RuleKindStreaming:
		if len(r.Correlation.Stages) != 1 {
			return NewValidationError("correlation_config.stages", "streaming rules take exactly one stage")
		}
		if r.Correlation.Stages[0].Predicate.IsZero() {
			return NewValidationError("correlation_config.stages", "stage predicate must not be empty")
		}
	case RuleKindCorrelation:
		cc := r.Correlation
		if len(cc.Stages) < 2 {
			return NewValidationError("correlation_config.stages", "correlation rules take at least two stages")
		}
		if len(cc.EntityKeyFields) == 0 {
			return NewValidationError("correlation_config.entity_key_fields", "must not be empty")
		}
		if cc.WindowMinutes <= 0 {
			return NewValidationError("correlation_config.window_minutes", "must be positive")
		}
		for _, st := range cc.Stages {
			if st.Predicate.IsZero() {
				return NewValidationError("correlation_config.stages",
					"stage "+st.Name+" has an empty predicate")
			}
		}
		if r.Query != "" && r.IntervalMinutes <= 0 {
			return NewValidationError("schedule_interval_minutes", "required when a seeding query is set")
		}
	}
	return nil
}
