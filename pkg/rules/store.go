// Package rules persists detection rules and their execution history, and
// serves hot-path readers from a periodically refreshed in-memory snapshot.
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/driftsec/warden/pkg/models"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// degradedAfter is how many consecutive failed executions flag a rule as
// degraded.
const degradedAfter = 3

const ruleColumns = `rule_id, name, description, kind, query, dialect, indices,
	schedule_interval_minutes, lookback_minutes, threshold_count, max_hits,
	severity, status, correlation_config, hit_count, consecutive_failures,
	degraded, last_run_at, created_at, updated_at`

// Store is the Postgres-backed rule repository.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a rule store.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	if db == nil {
		panic("rules: db cannot be nil")
	}
	return &Store{db: db, logger: logger.With("component", "rules")}
}

// List returns every rule, newest first.
func (s *Store) List(ctx context.Context) ([]models.DetectionRule, error) {
	var out []models.DetectionRule
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+ruleColumns+` FROM detection_rules ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return out, nil
}

// ListEnabled returns all enabled rules.
func (s *Store) ListEnabled(ctx context.Context) ([]models.DetectionRule, error) {
	var out []models.DetectionRule
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE status = $1 ORDER BY created_at`,
		models.RuleStatusEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	return out, nil
}

// Get returns one rule by id.
func (s *Store) Get(ctx context.Context, id string) (*models.DetectionRule, error) {
	var rule models.DetectionRule
	err := s.db.GetContext(ctx, &rule,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE rule_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return &rule, nil
}

// Upsert validates and writes a rule, assigning an id to new rules. Lifetime
// counters (hit_count, consecutive_failures, degraded, last_run_at) are owned
// by the engine and never overwritten here.
func (s *Store) Upsert(ctx context.Context, rule *models.DetectionRule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO detection_rules (
			rule_id, name, description, kind, query, dialect, indices,
			schedule_interval_minutes, lookback_minutes, threshold_count,
			max_hits, severity, status, correlation_config
		) VALUES (
			:rule_id, :name, :description, :kind, :query, :dialect, :indices,
			:schedule_interval_minutes, :lookback_minutes, :threshold_count,
			:max_hits, :severity, :status, :correlation_config
		)
		ON CONFLICT (rule_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			query = excluded.query,
			dialect = excluded.dialect,
			indices = excluded.indices,
			schedule_interval_minutes = excluded.schedule_interval_minutes,
			lookback_minutes = excluded.lookback_minutes,
			threshold_count = excluded.threshold_count,
			max_hits = excluded.max_hits,
			severity = excluded.severity,
			status = excluded.status,
			correlation_config = excluded.correlation_config,
			updated_at = now()`, rule)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// Delete removes a rule and, by cascade, its execution history.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detection_rules WHERE rule_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// UpdateLastRun advances a rule's last-run marker, but only if no other
// scheduler instance moved it past what this one observed. Returns false when
// the compare-and-set lost, meaning someone else already fired the rule.
func (s *Store) UpdateLastRun(ctx context.Context, id string, observed *time.Time, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE detection_rules
		SET last_run_at = $2
		WHERE rule_id = $1
		  AND (last_run_at IS NULL OR last_run_at <= $3)`,
		id, next, observedOrEpoch(observed))
	if err != nil {
		return false, fmt.Errorf("failed to update last run for rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result for rule %s: %w", id, err)
	}
	return n > 0, nil
}

// observedOrEpoch turns a nil observation into a floor no real last_run_at
// can precede, so a NULL-observed CAS only matches rows still NULL or older.
func observedOrEpoch(t *time.Time) time.Time {
	if t == nil {
		return time.Unix(0, 0).UTC()
	}
	return *t
}

// RecordExecution appends an execution record and maintains the rule's
// failure streak: any non-success increments it, three in a row flag the rule
// degraded, one success clears both.
func (s *Store) RecordExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO rule_executions (
			execution_id, rule_id, started_at, completed_at, duration_ms,
			status, hits_count, error_message
		) VALUES (
			:execution_id, :rule_id, :started_at, :completed_at, :duration_ms,
			:status, :hits_count, :error_message
		)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record execution for rule %s: %w", rec.RuleID, err)
	}

	if rec.Status == models.ExecutionSucceeded {
		_, err = tx.ExecContext(ctx, `
			UPDATE detection_rules
			SET consecutive_failures = 0, degraded = FALSE
			WHERE rule_id = $1`, rec.RuleID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE detection_rules
			SET consecutive_failures = consecutive_failures + 1,
			    degraded = (consecutive_failures + 1 >= $2)
			WHERE rule_id = $1`, rec.RuleID, degradedAfter)
	}
	if err != nil {
		return fmt.Errorf("failed to update failure streak for rule %s: %w", rec.RuleID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution record: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions of a rule, newest first.
func (s *Store) ListExecutions(ctx context.Context, ruleID string, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.ExecutionRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT execution_id, rule_id, started_at, completed_at, duration_ms,
		       status, hits_count, error_message
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for rule %s: %w", ruleID, err)
	}
	return out, nil
}

// IncrementHitCount bumps the rule's lifetime alert counter.
func (s *Store) IncrementHitCount(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE detection_rules SET hit_count = hit_count + 1 WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment hit count for rule %s: %w", ruleID, err)
	}
	return nil
}
