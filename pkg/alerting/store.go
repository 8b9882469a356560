package alerting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/driftsec/warden/pkg/models"
)

// Store is the alert repository the generator and the ops API write through.
type Store interface {
	// GetOpen returns the open alert for (rule, dedup key), or ErrAlertNotFound.
	GetOpen(ctx context.Context, ruleID, dedupKey string) (*models.Alert, error)
	// Insert writes a new alert. A unique-violation on the open-alert index is
	// surfaced as ErrOpenAlertExists so callers can fall back to folding.
	Insert(ctx context.Context, alert *models.Alert) error
	// UpdateEvidence persists fold results (hit count, seen range, ring,
	// entities) for an alert that is still open.
	UpdateEvidence(ctx context.Context, alert *models.Alert) error
	// Get returns one alert by id.
	Get(ctx context.Context, id string) (*models.Alert, error)
	// List returns recent alerts, optionally filtered by status.
	List(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error)
	// UpdateStatus applies a lifecycle transition, refusing moves the DAG
	// does not permit, and returns the updated alert.
	UpdateStatus(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error)
}

// ErrOpenAlertExists reports an insert that lost the open-alert uniqueness
// race to a concurrent generator.
var ErrOpenAlertExists = errors.New("open alert already exists for dedup key")

const alertColumns = `alert_id, rule_id, rule_name, title, description, severity,
	status, dedup_key, hit_count, first_seen_at, last_seen_at, events, entities,
	related_alert_ids, created_at, updated_at`

// PGStore is the Postgres-backed alert store.
type PGStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPGStore creates the alert store.
func NewPGStore(db *sqlx.DB, logger *slog.Logger) *PGStore {
	if db == nil {
		panic("alerting: db cannot be nil")
	}
	return &PGStore{db: db, logger: logger.With("component", "alerting")}
}

func (s *PGStore) GetOpen(ctx context.Context, ruleID, dedupKey string) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.GetContext(ctx, &alert, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE rule_id = $1 AND dedup_key = $2 AND status = $3`,
		ruleID, dedupKey, models.AlertStatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up open alert for rule %s: %w", ruleID, err)
	}
	return &alert, nil
}

func (s *PGStore) Insert(ctx context.Context, alert *models.Alert) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO alerts (
			alert_id, rule_id, rule_name, title, description, severity, status,
			dedup_key, hit_count, first_seen_at, last_seen_at, events, entities,
			related_alert_ids
		) VALUES (
			:alert_id, :rule_id, :rule_name, :title, :description, :severity, :status,
			:dedup_key, :hit_count, :first_seen_at, :last_seen_at, :events, :entities,
			:related_alert_ids
		)`, alert)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: rule %s", ErrOpenAlertExists, alert.RuleID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert alert for rule %s: %w", alert.RuleID, err)
	}
	return nil
}

func (s *PGStore) UpdateEvidence(ctx context.Context, alert *models.Alert) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE alerts
		SET hit_count = :hit_count,
		    last_seen_at = :last_seen_at,
		    events = :events,
		    entities = :entities,
		    updated_at = now()
		WHERE alert_id = :alert_id AND status = 'open'`, alert)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for alert %s: %w", alert.ID, err)
	}
	if n == 0 {
		// The alert left open between lookup and write (operator closed it).
		return fmt.Errorf("%w: %s no longer open", ErrAlertNotFound, alert.ID)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.GetContext(ctx, &alert,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &alert, nil
}

func (s *PGStore) List(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		out []models.Alert
		err error
	)
	if status == "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT `+alertColumns+` FROM alerts
			ORDER BY last_seen_at DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT `+alertColumns+` FROM alerts
			WHERE status = $1
			ORDER BY last_seen_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id string, next models.AlertStatus, relatedIDs []string) (*models.Alert, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var alert models.Alert
	err = tx.GetContext(ctx, &alert,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}

	if !alert.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: cannot move alert %s from %s to %s",
			ErrInvalidTransition, id, alert.Status, next)
	}

	for _, rid := range relatedIDs {
		alert.RelatedAlertIDs = appendUnique(alert.RelatedAlertIDs, rid)
	}
	alert.Status = next

	_, err = tx.ExecContext(ctx, `
		UPDATE alerts
		SET status = $2, related_alert_ids = $3, updated_at = now()
		WHERE alert_id = $1`,
		id, alert.Status, alert.RelatedAlertIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to update status of alert %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status change: %w", err)
	}

	s.logger.Info("Alert status changed", "alert_id", id, "status", next)
	return &alert, nil
}

func appendUnique(list models.StringList, v string) models.StringList {
	if v == "" {
		return list
	}
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// isUniqueViolation reports whether err is a Postgres 23505 unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
