package pipeline

import (
	"context"
	"log/slog"

	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/correlate"
	"github.com/driftsec/warden/pkg/models"
)

// BatchProcessor is the correlation engine surface the consumer drives.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, events []models.Event) []correlate.Result
}

// Correlator adapts the correlation engine to the runner's Handler contract,
// mapping engine dispositions onto entry verdicts.
type Correlator struct {
	engine BatchProcessor
	logger *slog.Logger
}

// NewCorrelator builds the correlators-group handler.
func NewCorrelator(engine BatchProcessor, logger *slog.Logger) *Correlator {
	if engine == nil {
		panic("pipeline: engine cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{engine: engine, logger: logger}
}

// Handle feeds decoded events through the engine. Events without an id are
// dropped: the engine's redelivery dedup keys on (rule, event id), so an
// anonymous event would collide with every other one.
func (c *Correlator) Handle(ctx context.Context, msgs []buffer.Message) []Verdict {
	verdicts := make([]Verdict, len(msgs))
	events := make([]models.Event, 0, len(msgs))
	positions := make([]int, 0, len(msgs))
	for i, m := range msgs {
		if m.Event.ID == "" {
			c.logger.Warn("Dropping event without id", "entry_id", m.ID)
			verdicts[i] = Verdict{Outcome: OutcomeDrop}
			continue
		}
		events = append(events, m.Event)
		positions = append(positions, i)
	}
	if len(events) == 0 {
		return verdicts
	}

	results := c.engine.ProcessBatch(ctx, events)
	for j, res := range results {
		verdicts[positions[j]] = verdictFor(res)
	}
	return verdicts
}

func verdictFor(res correlate.Result) Verdict {
	v := Verdict{}
	if res.Err != nil {
		v.Detail = res.Err.Error()
	}
	switch res.Disposition {
	case correlate.DispositionDeadLetter:
		v.Outcome = OutcomeDeadLetter
		v.Reason = res.Reason
	case correlate.DispositionRetry:
		v.Outcome = OutcomeRetry
	default:
		v.Outcome = OutcomeOK
	}
	return v
}
