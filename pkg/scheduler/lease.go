package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// LeaseName is the lease row all scheduler instances compete for.
const LeaseName = "rule-scheduler"

// LeaseStore grants time-bounded single-holder leases through a Postgres row.
// Acquisition and renewal are the same statement, so there is no window where
// two holders can both believe they own the lease.
type LeaseStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLeaseStore creates the lease store.
func NewLeaseStore(db *sqlx.DB, logger *slog.Logger) *LeaseStore {
	if db == nil {
		panic("scheduler: db cannot be nil")
	}
	return &LeaseStore{db: db, logger: logger.With("component", "scheduler")}
}

// Acquire takes or renews the named lease for holder. It returns true when
// holder owns the lease for the next ttl: either the row was free, expired,
// or already held by this holder (renewal).
func (s *LeaseStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_leases (name, holder, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (name) DO UPDATE
		SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE scheduler_leases.holder = excluded.holder
		   OR scheduler_leases.expires_at < now()`,
		name, holder, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result for %s: %w", name, err)
	}
	return n > 0, nil
}

// Release drops the lease if holder still owns it, letting a sibling take
// over immediately instead of waiting out the TTL.
func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	s.logger.Info("Lease released", "lease", name, "holder", holder)
	return nil
}
