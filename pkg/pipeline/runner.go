// Package pipeline runs the stream consumer groups: each Runner owns one
// consumer on one group, reads batches from the events stream, hands them to
// a Handler, and dispatches per-entry verdicts (ack, drop, retry,
// dead-letter). A periodic recovery pass adopts pending entries abandoned by
// crashed consumers and retires entries past their delivery budget.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/metrics"
)

// Consumer groups on the events stream.
const (
	GroupCorrelators = "correlators"
	GroupIndexers    = "indexers"
)

// reapScan bounds how many pending entries one recovery pass inspects.
const reapScan = 256

// readRetryDelay is the pause after a failed stream read.
const readRetryDelay = time.Second

// Outcome is what the runner does with one processed entry.
type Outcome int

const (
	// OutcomeOK acknowledges the entry.
	OutcomeOK Outcome = iota
	// OutcomeDrop acknowledges the entry without processing it (e.g. an
	// event without an id, which cannot be handled idempotently).
	OutcomeDrop
	// OutcomeRetry leaves the entry pending; the recovery pass redelivers it
	// after claim_idle_ms and dead-letters it once its budget runs out.
	OutcomeRetry
	// OutcomeDeadLetter moves the entry to the dead-letter stream.
	OutcomeDeadLetter
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeDrop:
		return "drop"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Verdict is a Handler's decision for one message. Reason and Detail are
// recorded on the dead-letter entry when the outcome is OutcomeDeadLetter;
// an empty Reason defaults to buffer.ReasonProcessingFatal.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Detail  string
}

// Handler processes one delivered batch. Every message passed in decoded
// cleanly (entries with decode errors are dead-lettered before the handler
// runs). The returned slice must hold one verdict per message, aligned by
// index.
type Handler interface {
	Handle(ctx context.Context, msgs []buffer.Message) []Verdict
}

// RunnerStats is a point-in-time snapshot for the status endpoint.
type RunnerStats struct {
	Group     string `json:"group"`
	Consumer  string `json:"consumer"`
	Processed int64  `json:"processed"`
}

// Runner is one consumer in a group: a single goroutine alternating between
// reading new entries and a periodic recovery pass. Per-entity ordering
// inside the correlators group relies on there being one Runner per process
// feeding the engine's shard workers.
type Runner struct {
	buf     *buffer.Buffer
	handler Handler
	stream  string
	group   string
	name    string
	cfg     *config.ConsumerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.RWMutex
	started   bool
	processed int64
}

// NewRunner builds a runner for one (group, consumer) pair. stream is the
// source stream name, recorded on dead-letter entries.
func NewRunner(buf *buffer.Buffer, handler Handler, stream, group, name string, cfg *config.ConsumerConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if buf == nil {
		panic("pipeline: buffer cannot be nil")
	}
	if handler == nil {
		panic("pipeline: handler cannot be nil")
	}
	if cfg == nil {
		panic("pipeline: config cannot be nil")
	}
	if m == nil {
		panic("pipeline: metrics cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		buf:     buf,
		handler: handler,
		stream:  stream,
		group:   group,
		name:    name,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "pipeline", "group", group, "consumer", name),
		stopCh:  make(chan struct{}),
	}
}

// Start creates the consumer group if needed and launches the loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.buf.EnsureGroup(ctx, r.stream, r.group); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop signals the loop and waits for the in-flight batch to finish. Safe to
// call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Stats returns a snapshot of the runner's counters.
func (r *Runner) Stats() RunnerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunnerStats{Group: r.group, Consumer: r.name, Processed: r.processed}
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	r.logger.Info("Consumer started")
	nextRecover := time.Now().Add(r.recoverEvery())

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Consumer shutting down")
			return
		case <-ctx.Done():
			r.logger.Info("Context cancelled, consumer shutting down")
			return
		default:
		}

		if time.Now().After(nextRecover) {
			r.recover(ctx)
			nextRecover = time.Now().Add(r.recoverEvery())
		}

		msgs, err := r.buf.Consume(ctx, r.group, r.name, int64(r.cfg.BatchSize), r.cfg.Block())
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("Failed to read from stream", "error", err)
			r.sleep(readRetryDelay)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		r.process(ctx, msgs)
	}
}

// recover retires entries past their delivery budget, then adopts entries
// another consumer left pending. Reaping runs first so a poisoned entry
// cannot be re-claimed and re-counted on the very pass that should have
// retired it.
func (r *Runner) recover(ctx context.Context) {
	moved, err := r.buf.ReapPoisoned(ctx, r.group, r.cfg.ClaimIdle(), int64(r.cfg.MaxRetries), reapScan)
	if err != nil {
		r.logger.Error("Failed to reap poisoned entries", "error", err)
	} else if moved > 0 {
		r.logger.Warn("Dead-lettered retry-exhausted entries", "count", moved)
	}

	claimed, err := r.buf.ClaimPending(ctx, r.group, r.name, r.cfg.ClaimIdle(), int64(r.cfg.BatchSize))
	if err != nil {
		r.logger.Error("Failed to claim pending entries", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	r.logger.Info("Claimed stale pending entries", "count", len(claimed))
	r.process(ctx, claimed)
}

// process dead-letters undecodable entries, runs the handler on the rest,
// and dispatches its verdicts.
func (r *Runner) process(ctx context.Context, msgs []buffer.Message) {
	good := make([]buffer.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Err != nil {
			r.deadLetter(ctx, m, buffer.ReasonDecodeFailed, m.Err.Error())
			r.count(OutcomeDeadLetter)
			continue
		}
		good = append(good, m)
	}
	if len(good) == 0 {
		return
	}

	verdicts := r.handler.Handle(ctx, good)
	if len(verdicts) != len(good) {
		// Contract violation. Leave the whole batch pending rather than
		// guess which verdict belongs to which entry.
		r.logger.Error("Handler returned misaligned verdicts",
			"messages", len(good), "verdicts", len(verdicts))
		for range good {
			r.count(OutcomeRetry)
		}
		return
	}

	acks := make([]string, 0, len(good))
	for i, v := range verdicts {
		switch v.Outcome {
		case OutcomeOK, OutcomeDrop:
			acks = append(acks, good[i].ID)
		case OutcomeDeadLetter:
			reason := v.Reason
			if reason == "" {
				reason = buffer.ReasonProcessingFatal
			}
			r.deadLetter(ctx, good[i], reason, v.Detail)
		case OutcomeRetry:
			// Left pending. The recovery pass redelivers it after the idle
			// threshold and the reaper dead-letters it once the delivery
			// budget is spent.
		}
		r.count(v.Outcome)
	}
	if err := r.buf.Ack(ctx, r.group, acks...); err != nil {
		// The entries will be redelivered; handlers are idempotent by
		// event id, so reprocessing is safe.
		r.logger.Error("Failed to ack processed entries", "count", len(acks), "error", err)
	}

	r.mu.Lock()
	r.processed += int64(len(good))
	r.mu.Unlock()
}

func (r *Runner) deadLetter(ctx context.Context, m buffer.Message, reason, detail string) {
	if err := r.buf.DeadLetter(ctx, r.group, r.stream, m.ID, m.Payload, reason, detail); err != nil {
		// The entry stays pending and the next recovery pass retries the
		// move via the reaper.
		r.logger.Error("Failed to dead-letter entry", "entry_id", m.ID, "error", err)
	}
}

func (r *Runner) count(o Outcome) {
	r.metrics.ConsumerOutcomes.WithLabelValues(r.group, o.String()).Inc()
}

// recoverEvery is the recovery pass cadence: the claim idle threshold, with
// a floor to keep a misconfigured zero from spinning.
func (r *Runner) recoverEvery() time.Duration {
	if d := r.cfg.ClaimIdle(); d > time.Second {
		return d
	}
	return time.Second
}

// sleep waits for d or until stop is signalled.
func (r *Runner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}
