package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/search"
)

type fakeBulkWriter struct {
	batches  [][]models.Event
	failures []search.BulkItemError
	err      error
}

func (f *fakeBulkWriter) BulkIndex(ctx context.Context, events []models.Event) ([]search.BulkItemError, error) {
	f.batches = append(f.batches, events)
	return f.failures, f.err
}

func TestIndexerAcksSuccessfulBatch(t *testing.T) {
	store := &fakeBulkWriter{}
	m := metrics.NewForTest()
	ix := NewIndexer(store, m, testLogger())

	verdicts := ix.Handle(context.Background(), []buffer.Message{
		msg("1-0", "evt-1"),
		msg("2-0", "evt-2"),
		msg("3-0", "evt-3"),
	})
	require.Len(t, verdicts, 3)
	for _, v := range verdicts {
		assert.Equal(t, OutcomeOK, v.Outcome)
	}

	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EventsIndexed))
}

func TestIndexerRetriesWholeRequestFailure(t *testing.T) {
	store := &fakeBulkWriter{err: errors.New("connection refused")}
	m := metrics.NewForTest()
	ix := NewIndexer(store, m, testLogger())

	verdicts := ix.Handle(context.Background(), []buffer.Message{
		msg("1-0", "evt-1"),
		msg("2-0", "evt-2"),
	})
	require.Len(t, verdicts, 2)
	for _, v := range verdicts {
		assert.Equal(t, OutcomeRetry, v.Outcome)
		assert.Equal(t, "connection refused", v.Detail)
	}
	assert.Zero(t, testutil.ToFloat64(m.EventsIndexed), "nothing can be assumed indexed")
}

func TestIndexerSplitsPartialFailures(t *testing.T) {
	store := &fakeBulkWriter{failures: []search.BulkItemError{
		{Pos: 1, EventID: "evt-2", Status: http.StatusTooManyRequests, Reason: "throttled"},
		{Pos: 2, EventID: "evt-3", Status: http.StatusBadRequest, Reason: "mapper_parsing_exception"},
	}}
	m := metrics.NewForTest()
	ix := NewIndexer(store, m, testLogger())

	verdicts := ix.Handle(context.Background(), []buffer.Message{
		msg("1-0", "evt-1"),
		msg("2-0", "evt-2"),
		msg("3-0", "evt-3"),
		msg("4-0", "evt-4"),
	})
	require.Len(t, verdicts, 4)

	assert.Equal(t, OutcomeOK, verdicts[0].Outcome)
	assert.Equal(t, OutcomeRetry, verdicts[1].Outcome, "throttled documents are retried")
	assert.Equal(t, OutcomeDeadLetter, verdicts[2].Outcome, "mapping conflicts are permanent")
	assert.Equal(t, ReasonIndexRejected, verdicts[2].Reason)
	assert.Contains(t, verdicts[2].Detail, "evt-3")
	assert.Equal(t, OutcomeOK, verdicts[3].Outcome)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsIndexed))
}

func TestIndexerDropsAnonymousEvents(t *testing.T) {
	store := &fakeBulkWriter{failures: []search.BulkItemError{
		{Pos: 1, EventID: "evt-2", Status: http.StatusBadRequest, Reason: "rejected"},
	}}
	m := metrics.NewForTest()
	ix := NewIndexer(store, m, testLogger())

	// The anonymous event is excluded from the bulk request, so failure
	// positions refer to the submitted batch, not the delivered one.
	verdicts := ix.Handle(context.Background(), []buffer.Message{
		msg("1-0", ""),
		msg("2-0", "evt-1"),
		msg("3-0", "evt-2"),
	})
	require.Len(t, verdicts, 3)
	assert.Equal(t, OutcomeDrop, verdicts[0].Outcome)
	assert.Equal(t, OutcomeOK, verdicts[1].Outcome)
	assert.Equal(t, OutcomeDeadLetter, verdicts[2].Outcome)

	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 2)
	assert.Equal(t, "evt-1", store.batches[0][0].ID)

	// An all-anonymous batch never reaches the store.
	store.batches = nil
	verdicts = ix.Handle(context.Background(), []buffer.Message{msg("9-0", "")})
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeDrop, verdicts[0].Outcome)
	assert.Empty(t, store.batches)
}

func TestNewIndexerPanicsOnNilDeps(t *testing.T) {
	assert.Panics(t, func() { NewIndexer(nil, metrics.NewForTest(), testLogger()) })
	assert.Panics(t, func() { NewIndexer(&fakeBulkWriter{}, nil, testLogger()) })
}
