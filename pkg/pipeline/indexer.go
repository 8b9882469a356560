package pipeline

import (
	"context"
	"log/slog"

	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/search"
)

// ReasonIndexRejected marks documents the historical store permanently
// refused (mapping conflicts, malformed values).
const ReasonIndexRejected = "index_rejected"

// BulkWriter is the historical-store surface the indexers group drives.
type BulkWriter interface {
	BulkIndex(ctx context.Context, events []models.Event) ([]search.BulkItemError, error)
}

// Indexer adapts the historical store's bulk writer to the runner's Handler
// contract. Document ids are event ids, so a redelivered batch overwrites
// instead of duplicating.
type Indexer struct {
	store   BulkWriter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewIndexer builds the indexers-group handler.
func NewIndexer(store BulkWriter, m *metrics.Metrics, logger *slog.Logger) *Indexer {
	if store == nil {
		panic("pipeline: store cannot be nil")
	}
	if m == nil {
		panic("pipeline: metrics cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, metrics: m, logger: logger}
}

// Handle bulk-writes one delivered batch. A whole-request failure leaves
// every entry pending for redelivery; per-document refusals retry when
// transient and dead-letter when permanent.
func (ix *Indexer) Handle(ctx context.Context, msgs []buffer.Message) []Verdict {
	verdicts := make([]Verdict, len(msgs))
	events := make([]models.Event, 0, len(msgs))
	positions := make([]int, 0, len(msgs))
	for i, m := range msgs {
		if m.Event.ID == "" {
			// Without a document id a redelivery would duplicate the event.
			ix.logger.Warn("Dropping event without id", "entry_id", m.ID)
			verdicts[i] = Verdict{Outcome: OutcomeDrop}
			continue
		}
		events = append(events, m.Event)
		positions = append(positions, i)
	}
	if len(events) == 0 {
		return verdicts
	}

	failures, err := ix.store.BulkIndex(ctx, events)
	if err != nil {
		ix.logger.Error("Bulk index failed", "events", len(events), "error", err)
		for _, pos := range positions {
			verdicts[pos] = Verdict{Outcome: OutcomeRetry, Detail: err.Error()}
		}
		return verdicts
	}

	failed := 0
	for _, f := range failures {
		if f.Pos < 0 || f.Pos >= len(positions) {
			continue
		}
		failed++
		if f.Retryable() {
			verdicts[positions[f.Pos]] = Verdict{Outcome: OutcomeRetry, Detail: f.Error()}
			continue
		}
		ix.logger.Warn("Historical store refused document",
			"event_id", f.EventID, "status", f.Status, "reason", f.Reason)
		verdicts[positions[f.Pos]] = Verdict{
			Outcome: OutcomeDeadLetter,
			Reason:  ReasonIndexRejected,
			Detail:  f.Error(),
		}
	}
	ix.metrics.EventsIndexed.Add(float64(len(events) - failed))
	return verdicts
}
