package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/models"
)

// deadLetterOne publishes an event, consumes it, and moves it to the DLQ.
// Returns the dead-letter entry id.
func deadLetterOne(t *testing.T, ts *testServer) string {
	t.Helper()
	ctx := context.Background()

	_, err := ts.buf.Publish(ctx, models.Event{
		ID:        "evt-poison",
		Timestamp: time.Now().UTC(),
		Source:    "endpoint",
	})
	require.NoError(t, err)
	require.NoError(t, ts.buf.EnsureGroup(ctx, "warden:events", "correlators"))

	msgs, err := ts.buf.Consume(ctx, "correlators", "worker-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, ts.buf.DeadLetter(ctx, "correlators", "warden:events",
		msgs[0].ID, msgs[0].Payload, buffer.ReasonProcessingFatal, "handler rejected event"))

	entries, err := ts.buf.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0].ID
}

func TestDLQListHandler(t *testing.T) {
	t.Run("returns entries newest first", func(t *testing.T) {
		ts := newTestServer(t)
		deadLetterOne(t, ts)

		rec := ts.do(http.MethodGet, "/api/v1/dlq", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp DLQResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "warden:events", resp.Entries[0].Source)
		assert.Equal(t, "correlators", resp.Entries[0].Group)
		assert.Equal(t, buffer.ReasonProcessingFatal, resp.Entries[0].Reason)
	})

	t.Run("empty dlq yields empty array", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodGet, "/api/v1/dlq", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"entries":[]`)
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodGet, "/api/v1/dlq?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(http.MethodGet, "/api/v1/dlq?limit=-3", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDLQReplayHandler(t *testing.T) {
	t.Run("re-publishes the payload to its source stream", func(t *testing.T) {
		ts := newTestServer(t)
		id := deadLetterOne(t, ts)
		ctx := context.Background()

		before, err := ts.buf.StreamLen(ctx)
		require.NoError(t, err)

		rec := ts.do(http.MethodPost, "/api/v1/dlq/"+id+"/replay", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), id)

		after, err := ts.buf.StreamLen(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+1, after, "replay appends a fresh entry to the source stream")
	})

	t.Run("unknown entry returns 404", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodPost, "/api/v1/dlq/0-0/replay", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
