package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/correlate"
	"github.com/driftsec/warden/pkg/models"
)

type fakeEngine struct {
	batches [][]models.Event
	result  func(evt models.Event) correlate.Result
}

func (f *fakeEngine) ProcessBatch(ctx context.Context, events []models.Event) []correlate.Result {
	f.batches = append(f.batches, events)
	out := make([]correlate.Result, len(events))
	for i, evt := range events {
		out[i] = f.result(evt)
	}
	return out
}

func msg(entryID, eventID string) buffer.Message {
	return buffer.Message{
		ID: entryID,
		Event: models.Event{
			ID:        eventID,
			Timestamp: time.Now().UTC(),
			Source:    "endpoint",
		},
	}
}

func TestCorrelatorMapsDispositions(t *testing.T) {
	engine := &fakeEngine{result: func(evt models.Event) correlate.Result {
		switch evt.ID {
		case "evt-retry":
			return correlate.Result{Disposition: correlate.DispositionRetry, Err: errors.New("redis timeout")}
		case "evt-dead":
			return correlate.Result{
				Disposition: correlate.DispositionDeadLetter,
				Reason:      correlate.ReasonEvalFailed,
				Err:         errors.New("bad predicate"),
			}
		default:
			return correlate.Result{Disposition: correlate.DispositionOK}
		}
	}}
	c := NewCorrelator(engine, testLogger())

	verdicts := c.Handle(context.Background(), []buffer.Message{
		msg("1-0", "evt-ok"),
		msg("2-0", "evt-retry"),
		msg("3-0", "evt-dead"),
	})
	require.Len(t, verdicts, 3)

	assert.Equal(t, Verdict{Outcome: OutcomeOK}, verdicts[0])
	assert.Equal(t, OutcomeRetry, verdicts[1].Outcome)
	assert.Equal(t, "redis timeout", verdicts[1].Detail)
	assert.Equal(t, OutcomeDeadLetter, verdicts[2].Outcome)
	assert.Equal(t, correlate.ReasonEvalFailed, verdicts[2].Reason)
	assert.Equal(t, "bad predicate", verdicts[2].Detail)
}

func TestCorrelatorDropsAnonymousEvents(t *testing.T) {
	engine := &fakeEngine{result: func(models.Event) correlate.Result {
		return correlate.Result{Disposition: correlate.DispositionOK}
	}}
	c := NewCorrelator(engine, testLogger())

	verdicts := c.Handle(context.Background(), []buffer.Message{
		msg("1-0", ""),
		msg("2-0", "evt-1"),
	})
	require.Len(t, verdicts, 2)
	assert.Equal(t, OutcomeDrop, verdicts[0].Outcome)
	assert.Equal(t, OutcomeOK, verdicts[1].Outcome)

	// Only the named event reached the engine.
	require.Len(t, engine.batches, 1)
	require.Len(t, engine.batches[0], 1)
	assert.Equal(t, "evt-1", engine.batches[0][0].ID)
}

func TestCorrelatorSkipsEngineForEmptyBatch(t *testing.T) {
	engine := &fakeEngine{result: func(models.Event) correlate.Result {
		return correlate.Result{Disposition: correlate.DispositionOK}
	}}
	c := NewCorrelator(engine, testLogger())

	verdicts := c.Handle(context.Background(), []buffer.Message{msg("1-0", "")})
	require.Len(t, verdicts, 1)
	assert.Equal(t, OutcomeDrop, verdicts[0].Outcome)
	assert.Empty(t, engine.batches)
}

func TestNewCorrelatorPanicsOnNilEngine(t *testing.T) {
	assert.Panics(t, func() { NewCorrelator(nil, testLogger()) })
}
