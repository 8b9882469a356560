package models

import "time"

// ExecutionStatus is the outcome of one scheduled rule execution.
type ExecutionStatus string

// Execution outcomes.
const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// ExecutionRecord is the audit trail of one scheduled rule execution.
type ExecutionRecord struct {
	ID           string          `json:"execution_id" db:"execution_id"`
	RuleID       string          `json:"rule_id" db:"rule_id"`
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	CompletedAt  time.Time       `json:"completed_at" db:"completed_at"`
	DurationMS   int64           `json:"duration_ms" db:"duration_ms"`
	Status       ExecutionStatus `json:"status" db:"status"`
	HitsCount    int             `json:"hits_count" db:"hits_count"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
}
