package correlate

import (
	"context"
	"sync"
	"time"

	"github.com/driftsec/warden/pkg/models"
)

// MemStateStore is an in-memory StateStore with the same optimistic
// concurrency contract as the Postgres store. It suits single-process
// deployments that run without a shared database for correlation state, and
// it backs the engine tests.
type MemStateStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.CorrelationState

	now func() time.Time
}

// NewMemStateStore creates an empty in-memory state store.
func NewMemStateStore() *MemStateStore {
	return &MemStateStore{
		rows: make(map[int64]*models.CorrelationState),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStateStore) Latest(ctx context.Context, ruleID, entityKey string) (*models.CorrelationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.CorrelationState
	for _, row := range s.rows {
		if row.RuleID != ruleID || row.EntityKey != entityKey {
			continue
		}
		if best == nil || preferRow(row, best) {
			best = row
		}
	}
	if best == nil {
		return nil, ErrStateNotFound
	}
	return cloneState(best), nil
}

// preferRow mirrors the Postgres ordering: open rows beat terminal rows, ties
// go to the most recently updated.
func preferRow(candidate, current *models.CorrelationState) bool {
	if candidate.Status.Open() != current.Status.Open() {
		return candidate.Status.Open()
	}
	return candidate.UpdatedAt.After(current.UpdatedAt)
}

func (s *MemStateStore) Insert(ctx context.Context, st *models.CorrelationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.RuleID == st.RuleID && row.EntityKey == st.EntityKey && row.Status.Open() {
			return ErrStateConflict
		}
	}

	s.nextID++
	st.ID = s.nextID
	st.Version = 1
	st.UpdatedAt = s.now()
	s.rows[st.ID] = cloneState(st)
	return nil
}

func (s *MemStateStore) Update(ctx context.Context, st *models.CorrelationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rows[st.ID]
	if !ok || stored.Version != st.Version {
		return false, nil
	}

	st.Version++
	st.UpdatedAt = s.now()
	s.rows[st.ID] = cloneState(st)
	return true, nil
}

func (s *MemStateStore) MarkDraining(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.rows {
		if row.Status == models.CorrelationActive && !row.WindowEnd.After(cutoff) {
			row.Status = models.CorrelationDraining
			row.Version++
			row.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemStateStore) MarkExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.rows {
		if row.Status == models.CorrelationDraining && !row.WindowEnd.After(cutoff) {
			row.Status = models.CorrelationExpired
			row.Version++
			row.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemStateStore) DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, row := range s.rows {
		terminal := row.Status == models.CorrelationCompleted || row.Status == models.CorrelationExpired
		if terminal && !row.UpdatedAt.After(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStateStore) CountByStatus(ctx context.Context) (map[models.CorrelationStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.CorrelationStatus]int64)
	for _, row := range s.rows {
		counts[row.Status]++
	}
	return counts, nil
}

// cloneState deep-copies a row so callers can mutate their copy freely and a
// lost optimistic race never leaks half-applied state into the store.
func cloneState(st *models.CorrelationState) *models.CorrelationState {
	out := *st
	out.State.StageCounts = append([]int(nil), st.State.StageCounts...)
	out.State.Events = append([]models.Event(nil), st.State.Events...)
	if st.State.Captured != nil {
		captured := make(map[string][]string, len(st.State.Captured))
		for k, v := range st.State.Captured {
			captured[k] = append([]string(nil), v...)
		}
		out.State.Captured = captured
	}
	return &out
}
