package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/correlate"
	"github.com/driftsec/warden/pkg/detect"
	"github.com/driftsec/warden/pkg/models"
)

// RuleExecutor runs a scheduled query against the historical store.
// Satisfied by *detect.Engine.
type RuleExecutor interface {
	ExecuteRule(ctx context.Context, rule *models.DetectionRule, now time.Time) *detect.Outcome
}

// ExecutionRecorder appends execution history. Satisfied by *rules.Store.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, rec *models.ExecutionRecord) error
}

// MatchSink receives fired matches. Satisfied by *alerting.Generator.
type MatchSink interface {
	IngestMatch(ctx context.Context, rule *models.DetectionRule, hits []models.Event, thresholdExceeded bool) error
}

// Seeder replays stored hits into the correlation engine. Satisfied by
// *correlate.Engine.
type Seeder interface {
	ProcessBatch(ctx context.Context, events []models.Event) []correlate.Result
}

// ExecResult is what the scheduler needs back from one execution: how it
// ended and whether the store, not the rule, was to blame.
type ExecResult struct {
	Status    models.ExecutionStatus
	Fired     bool
	Transient bool
}

// Runner drives one rule execution end to end: query, history row, and
// either alert ingestion (scheduled rules) or window seeding (correlation
// rules with a seeding query).
type Runner struct {
	engine  RuleExecutor
	history ExecutionRecorder
	sink    MatchSink
	seeder  Seeder // nil disables correlation seeding
	cfg     *config.DetectionConfig
	logger  *slog.Logger
}

// NewRunner creates a runner. seeder may be nil.
func NewRunner(
	engine RuleExecutor,
	history ExecutionRecorder,
	sink MatchSink,
	seeder Seeder,
	cfg *config.DetectionConfig,
	logger *slog.Logger,
) *Runner {
	if engine == nil {
		panic("scheduler: engine cannot be nil")
	}
	if history == nil {
		panic("scheduler: history cannot be nil")
	}
	if sink == nil {
		panic("scheduler: sink cannot be nil")
	}
	if cfg == nil {
		panic("scheduler: detection config cannot be nil")
	}
	return &Runner{
		engine:  engine,
		history: history,
		sink:    sink,
		seeder:  seeder,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
	}
}

// Execute runs rule once. ctx carries the per-execution deadline; follow-up
// writes (history, alerts, seeding) run on a fresh context because the
// deadline has usually already fired on the paths that need them most.
func (r *Runner) Execute(ctx context.Context, rule models.DetectionRule, now time.Time) ExecResult {
	out := r.engine.ExecuteRule(ctx, &rule, now)

	record := context.Background()
	if err := r.history.RecordExecution(record, out.Record()); err != nil {
		r.logger.Error("Failed to record execution", "rule_id", rule.ID, "error", err)
	}

	if rule.Kind == models.RuleKindCorrelation {
		if len(out.Hits) > 0 && r.deliverable(out) {
			r.seed(record, &rule, out.Hits)
		}
	} else {
		switch {
		case out.Fired:
			r.ingest(record, &rule, out.Hits, true)
		case out.Status == models.ExecutionTimedOut && r.cfg.EmitOnTimeout && len(out.Hits) > 0:
			// Partial page from a timed-out execution; the rule opted in.
			r.ingest(record, &rule, out.Hits, false)
		}
	}

	return ExecResult{Status: out.Status, Fired: out.Fired, Transient: out.Transient()}
}

// deliverable reports whether the outcome's hits may leave the engine.
func (r *Runner) deliverable(out *detect.Outcome) bool {
	if out.Status == models.ExecutionSucceeded {
		return true
	}
	return out.Status == models.ExecutionTimedOut && r.cfg.EmitOnTimeout
}

func (r *Runner) ingest(ctx context.Context, rule *models.DetectionRule, hits []models.Event, thresholdExceeded bool) {
	if err := r.sink.IngestMatch(ctx, rule, hits, thresholdExceeded); err != nil {
		r.logger.Error("Failed to ingest match",
			"rule_id", rule.ID, "hits", len(hits), "error", err)
	}
}

// seed replays store hits through the correlation path so seeding queries and
// live stream consumption open the same windows. Hits arrive newest first;
// the engine needs append order, so the batch is reversed. The per-event
// seen-set absorbs events the stream already delivered.
func (r *Runner) seed(ctx context.Context, rule *models.DetectionRule, hits []models.Event) {
	if r.seeder == nil {
		return
	}
	events := make([]models.Event, len(hits))
	for i := range hits {
		events[len(hits)-1-i] = hits[i]
	}

	var retried, dead int
	for _, res := range r.seeder.ProcessBatch(ctx, events) {
		switch res.Disposition {
		case correlate.DispositionRetry:
			retried++
		case correlate.DispositionDeadLetter:
			dead++
		}
	}
	if retried > 0 || dead > 0 {
		// Seeded events have no stream entry to redeliver; the next scheduled
		// run re-queries the window and the seen-set skips what applied.
		r.logger.Warn("Seeded hits were not fully applied",
			"rule_id", rule.ID, "events", len(events), "retry", retried, "dead_letter", dead)
	}
	r.logger.Debug("Correlation windows seeded", "rule_id", rule.ID, "events", len(events))
}
