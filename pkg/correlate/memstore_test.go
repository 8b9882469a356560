package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/models"
)

func activeRow(ruleID, entityKey string, start time.Time, window time.Duration) *models.CorrelationState {
	return &models.CorrelationState{
		RuleID:    ruleID,
		EntityKey: entityKey,
		Status:    models.CorrelationActive,
		State: models.SequenceState{
			StageCounts: []int{1, 0},
			Events:      []models.Event{{ID: "evt-1", Timestamp: start}},
		},
		WindowStart: start,
		WindowEnd:   start.Add(window),
	}
}

func TestMemStoreInsertAndLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemStateStore()
	start := time.Now().UTC()

	_, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.ErrorIs(t, err, ErrStateNotFound)

	row := activeRow("rule-1", "alice|web-01", start, 10*time.Minute)
	require.NoError(t, store.Insert(ctx, row))
	assert.NotZero(t, row.ID)
	assert.Equal(t, int64(1), row.Version)

	got, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)
	assert.Equal(t, models.CorrelationActive, got.Status)
	assert.Equal(t, []int{1, 0}, got.State.StageCounts)

	// Other pairs stay invisible.
	_, err = store.Latest(ctx, "rule-1", "bob|web-01")
	require.ErrorIs(t, err, ErrStateNotFound)
	_, err = store.Latest(ctx, "rule-2", "alice|web-01")
	require.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemStoreInsertRejectsSecondOpenRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemStateStore()
	start := time.Now().UTC()

	require.NoError(t, store.Insert(ctx, activeRow("rule-1", "alice|web-01", start, time.Minute)))

	err := store.Insert(ctx, activeRow("rule-1", "alice|web-01", start, time.Minute))
	require.ErrorIs(t, err, ErrStateConflict)

	// A terminal row does not block a fresh open row.
	row, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	row.Status = models.CorrelationCompleted
	saved, err := store.Update(ctx, row)
	require.NoError(t, err)
	require.True(t, saved)

	require.NoError(t, store.Insert(ctx, activeRow("rule-1", "alice|web-01", start, time.Minute)))
}

func TestMemStoreUpdateVersionRace(t *testing.T) {
	ctx := context.Background()
	store := NewMemStateStore()
	start := time.Now().UTC()

	row := activeRow("rule-1", "alice|web-01", start, time.Minute)
	require.NoError(t, store.Insert(ctx, row))

	// Two workers load the same version.
	first, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	second, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)

	first.State.StageCounts = []int{1, 1}
	saved, err := store.Update(ctx, first)
	require.NoError(t, err)
	require.True(t, saved)
	assert.Equal(t, int64(2), first.Version)

	// The loser sees a clean false, not an error.
	second.State.StageCounts = []int{2, 0}
	saved, err = store.Update(ctx, second)
	require.NoError(t, err)
	assert.False(t, saved)

	got, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, got.State.StageCounts, "losing write must not land")

	// Updating a deleted row also reports a lost race.
	got.Status = models.CorrelationCompleted
	saved, err = store.Update(ctx, got)
	require.NoError(t, err)
	require.True(t, saved)
	_, err = store.DeleteTerminal(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	saved, err = store.Update(ctx, got)
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestMemStoreLatestPrefersOpenRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemStateStore()
	start := time.Now().UTC()

	// Terminal row first, open row second.
	old := activeRow("rule-1", "alice|web-01", start.Add(-time.Hour), time.Minute)
	require.NoError(t, store.Insert(ctx, old))
	old.Status = models.CorrelationExpired
	saved, err := store.Update(ctx, old)
	require.NoError(t, err)
	require.True(t, saved)

	fresh := activeRow("rule-1", "alice|web-01", start, time.Minute)
	require.NoError(t, store.Insert(ctx, fresh))

	got, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID, "open row wins over newer terminal rows")

	// With only terminal rows, the most recently updated one wins.
	got.Status = models.CorrelationCompleted
	saved, err = store.Update(ctx, got)
	require.NoError(t, err)
	require.True(t, saved)

	got, err = store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
	assert.Equal(t, models.CorrelationCompleted, got.Status)
}

func TestMemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemStateStore()
	start := time.Now().UTC()

	row := activeRow("rule-1", "alice|web-01", start, time.Minute)
	row.State.Captured = map[string][]string{"0:source.ip": {"10.0.0.1"}}
	require.NoError(t, store.Insert(ctx, row))

	loaded, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	loaded.State.StageCounts[0] = 99
	loaded.State.Captured["0:source.ip"] = append(loaded.State.Captured["0:source.ip"], "10.0.0.2")
	loaded.State.Events[0].ID = "mutated"

	clean, err := store.Latest(ctx, "rule-1", "alice|web-01")
	require.NoError(t, err)
	assert.Equal(t, 1, clean.State.StageCounts[0])
	assert.Equal(t, []string{"10.0.0.1"}, clean.State.Captured["0:source.ip"])
	assert.Equal(t, "evt-1", clean.State.Events[0].ID)
}

func TestMemStoreSweepTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemStateStore()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	// Window ended at base; a second window is still inside its span.
	ended := activeRow("rule-1", "alice|web-01", base.Add(-time.Minute), time.Minute)
	require.NoError(t, store.Insert(ctx, ended))
	open := activeRow("rule-1", "bob|web-02", base, time.Minute)
	require.NoError(t, store.Insert(ctx, open))

	n, err := store.MarkDraining(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.CorrelationActive])
	assert.Equal(t, int64(1), counts[models.CorrelationDraining])

	// Draining rows expire only once the cutoff reaches their window end.
	n, err = store.MarkExpired(ctx, base.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.MarkExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Terminal rows are retained until the cutoff passes their last update.
	n, err = store.DeleteTerminal(ctx, base.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteTerminal(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err = store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.CorrelationActive])
	assert.Zero(t, counts[models.CorrelationExpired])
}
