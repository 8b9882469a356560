package correlate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/driftsec/warden/pkg/models"
)

// StateStore persists correlation window rows. Saves are optimistic: Update
// compares the loaded version and reports false when another writer won.
type StateStore interface {
	// Latest returns the most relevant row for a (rule, entity) pair: the
	// open row when one exists, otherwise the newest retained terminal row.
	// Returns ErrStateNotFound when the pair has no rows at all.
	Latest(ctx context.Context, ruleID, entityKey string) (*models.CorrelationState, error)

	// Insert creates a new active row, filling in ID and Version. A unique
	// violation on the open-row index surfaces as ErrStateConflict.
	Insert(ctx context.Context, st *models.CorrelationState) error

	// Update saves the row iff its version is unchanged, bumping the version
	// on success. Returns false on a lost race.
	Update(ctx context.Context, st *models.CorrelationState) (bool, error)

	// MarkDraining moves active rows whose window ended at or before cutoff
	// into draining, returning how many moved.
	MarkDraining(ctx context.Context, cutoff time.Time) (int64, error)

	// MarkExpired moves draining rows past their lateness bound (cutoff
	// already accounts for it) into the terminal expired status.
	MarkExpired(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteTerminal removes completed and expired rows last touched at or
	// before cutoff, ending their re-match suppression.
	DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus reports row counts per lifecycle status.
	CountByStatus(ctx context.Context) (map[models.CorrelationStatus]int64, error)
}

const stateColumns = `id, rule_id, entity_key, status, state, window_start, window_end, version, updated_at`

// PGStateStore is the Postgres-backed StateStore.
type PGStateStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPGStateStore creates the Postgres state store.
func NewPGStateStore(db *sqlx.DB, logger *slog.Logger) *PGStateStore {
	if db == nil {
		panic("correlate: database cannot be nil")
	}
	return &PGStateStore{
		db:     db,
		logger: logger.With("component", "correlation_state"),
	}
}

func (s *PGStateStore) Latest(ctx context.Context, ruleID, entityKey string) (*models.CorrelationState, error) {
	query := `SELECT ` + stateColumns + `
		FROM correlation_states
		WHERE rule_id = $1 AND entity_key = $2
		ORDER BY (status IN ('active', 'draining')) DESC, updated_at DESC
		LIMIT 1`

	var st models.CorrelationState
	if err := s.db.GetContext(ctx, &st, query, ruleID, entityKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to load correlation state: %w", err)
	}
	return &st, nil
}

func (s *PGStateStore) Insert(ctx context.Context, st *models.CorrelationState) error {
	query := `INSERT INTO correlation_states
			(rule_id, entity_key, status, state, window_start, window_end, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now())
		RETURNING id`

	err := s.db.QueryRowxContext(ctx, query,
		st.RuleID, st.EntityKey, st.Status, st.State, st.WindowStart, st.WindowEnd,
	).Scan(&st.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: open row already exists for rule %s entity %s",
				ErrStateConflict, st.RuleID, st.EntityKey)
		}
		return fmt.Errorf("failed to insert correlation state: %w", err)
	}
	st.Version = 1
	return nil
}

func (s *PGStateStore) Update(ctx context.Context, st *models.CorrelationState) (bool, error) {
	query := `UPDATE correlation_states
		SET status = $1, state = $2, window_start = $3, window_end = $4,
			version = version + 1, updated_at = now()
		WHERE id = $5 AND version = $6`

	res, err := s.db.ExecContext(ctx, query,
		st.Status, st.State, st.WindowStart, st.WindowEnd, st.ID, st.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update correlation state %d: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	st.Version++
	return true, nil
}

func (s *PGStateStore) MarkDraining(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE correlation_states
		SET status = 'draining', version = version + 1, updated_at = now()
		WHERE status = 'active' AND window_end <= $1`
	return s.exec(ctx, "mark draining", query, cutoff)
}

func (s *PGStateStore) MarkExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE correlation_states
		SET status = 'expired', version = version + 1, updated_at = now()
		WHERE status = 'draining' AND window_end <= $1`
	return s.exec(ctx, "mark expired", query, cutoff)
}

func (s *PGStateStore) DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM correlation_states
		WHERE status IN ('completed', 'expired') AND updated_at <= $1`
	return s.exec(ctx, "delete terminal", query, cutoff)
}

func (s *PGStateStore) CountByStatus(ctx context.Context) (map[models.CorrelationStatus]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, count(*) AS n FROM correlation_states GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count correlation states: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CorrelationStatus]int64)
	for rows.Next() {
		var (
			status models.CorrelationStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}
	return counts, nil
}

func (s *PGStateStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s result: %w", op, err)
	}
	return n, nil
}

// isUniqueViolation reports whether err is a Postgres 23505 unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
