package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/scheduler"
)

func TestStatusHandler(t *testing.T) {
	t.Run("aggregates scheduler, stream, and window stats", func(t *testing.T) {
		ts := newTestServer(t)
		ts.srv.SetScheduler(&fakeScheduler{status: scheduler.Status{
			Leader:   true,
			Holder:   "pod-1",
			Inflight: 2,
			Pool:     scheduler.PoolStats{Workers: 4, Active: 1, Processed: 17},
		}})
		ts.srv.SetStateCounter(&fakeStateCounter{counts: map[models.CorrelationStatus]int64{
			models.CorrelationActive: 3,
		}})

		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := ts.buf.Publish(ctx, models.Event{
				ID:        "evt-" + string(rune('a'+i)),
				Timestamp: time.Now().UTC(),
				Source:    "endpoint",
			})
			require.NoError(t, err)
		}

		rec := ts.do(http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		require.NotNil(t, resp.Scheduler)
		assert.True(t, resp.Scheduler.Leader)
		assert.Equal(t, "pod-1", resp.Scheduler.Holder)
		assert.Equal(t, 4, resp.Scheduler.Pool.Workers)

		assert.Equal(t, int64(3), resp.Stream.Length)
		assert.False(t, resp.Stream.Throttled)

		assert.Equal(t, int64(3), resp.Windows["active"])
		assert.Equal(t, int64(0), resp.Windows["draining"], "zero-filled for known statuses")

		assert.NotNil(t, resp.Consumers)
	})

	t.Run("omits optional sections when not wired", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Scheduler)
		assert.Nil(t, resp.Windows)
	})
}
