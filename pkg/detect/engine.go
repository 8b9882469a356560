// Package detect executes scheduled rules against the historical store and
// decides whether their hits fire.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
	"github.com/driftsec/warden/pkg/search"
)

// hardHitCap bounds any single execution's hit page regardless of rule
// configuration.
const hardHitCap = 10_000

// Outcome is the result of one rule execution. Status says how the execution
// ended; Fired says whether the rule's alert condition was met.
type Outcome struct {
	RuleID      string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      models.ExecutionStatus

	// Hits is the evidence page, newest first. On truncation it is a sample
	// and EffectiveCount carries the real match count.
	Hits           []models.Event
	EffectiveCount int64
	Truncated      bool
	Fired          bool

	Err error
}

// Record converts the outcome into its execution-history row.
func (o *Outcome) Record() *models.ExecutionRecord {
	rec := &models.ExecutionRecord{
		RuleID:      o.RuleID,
		StartedAt:   o.StartedAt,
		CompletedAt: o.CompletedAt,
		DurationMS:  o.CompletedAt.Sub(o.StartedAt).Milliseconds(),
		Status:      o.Status,
		HitsCount:   len(o.Hits),
	}
	if o.Err != nil {
		rec.ErrorMessage = o.Err.Error()
	}
	return rec
}

// Transient reports whether the failure was the store's, not the rule's;
// the scheduler backs off globally on these instead of blaming the rule.
func (o *Outcome) Transient() bool {
	return search.IsUnavailable(o.Err)
}

// Engine runs rule queries with per-rule rate limiting. The store client owns
// the circuit breaker; the engine owns the window math, the threshold
// decision and the failure taxonomy.
type Engine struct {
	searcher search.Searcher
	cfg      *config.DetectionConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a detection engine.
func New(searcher search.Searcher, cfg *config.DetectionConfig, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if searcher == nil {
		panic("detect: searcher cannot be nil")
	}
	if cfg == nil {
		panic("detect: config cannot be nil")
	}
	return &Engine{
		searcher: searcher,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "detect"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ExecuteRule runs one scheduled execution over [now-lookback, now). The
// caller supplies the deadline on ctx; hitting it mid-flight yields a
// timed_out outcome carrying whatever was already fetched.
func (e *Engine) ExecuteRule(ctx context.Context, rule *models.DetectionRule, now time.Time) *Outcome {
	out := &Outcome{RuleID: rule.ID, StartedAt: time.Now().UTC()}
	defer func() {
		out.CompletedAt = time.Now().UTC()
		e.observe(out)
	}()

	if err := e.limiter(rule.ID).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			out.Status = models.ExecutionTimedOut
			out.Err = fmt.Errorf("rule timed out waiting for rate limit: %w", ctx.Err())
		} else {
			out.Status = models.ExecutionFailed
			out.Err = fmt.Errorf("rate limiter refused execution: %w", err)
		}
		return out
	}

	limit := rule.MaxHits
	if limit <= 0 || limit > hardHitCap {
		limit = hardHitCap
	}
	q := search.Query{
		Dialect: rule.Dialect,
		Query:   rule.Query,
		From:    now.Add(-rule.Lookback()),
		To:      now,
		Limit:   limit,
	}

	res, err := e.searcher.Search(ctx, q)
	if err != nil {
		out.Status = classify(err)
		out.Err = err
		return out
	}

	out.Hits = hitsToEvents(res.Hits)
	out.EffectiveCount = res.Total
	out.Truncated = res.Truncated

	// A truncated page means res.Total may be a capped estimate; the
	// threshold needs the real number.
	if res.Truncated && rule.ThresholdCount > 0 {
		n, err := e.searcher.Count(ctx, q)
		if err != nil {
			out.Status = classify(err)
			out.Err = fmt.Errorf("hit count after truncated search: %w", err)
			if out.Status == models.ExecutionTimedOut && e.cfg.EmitOnTimeout {
				// The page itself arrived; fire on the lower bound we know.
				e.applyThreshold(rule, out)
			} else {
				out.Fired = false
				out.Hits = nil
			}
			return out
		}
		out.EffectiveCount = n
	}

	out.Status = models.ExecutionSucceeded
	e.applyThreshold(rule, out)
	return out
}

// applyThreshold sets Fired from the rule's threshold and what the execution
// managed to learn.
func (e *Engine) applyThreshold(rule *models.DetectionRule, out *Outcome) {
	if rule.ThresholdCount == 0 {
		out.Fired = len(out.Hits) > 0
		return
	}
	out.Fired = out.EffectiveCount >= int64(rule.ThresholdCount)
}

// classify maps a store error onto the execution status taxonomy.
func classify(err error) models.ExecutionStatus {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.ExecutionTimedOut
	}
	return models.ExecutionFailed
}

// limiter returns the rule's token bucket, creating it on first use.
func (e *Engine) limiter(ruleID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[ruleID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.RateLimitPerRule), e.cfg.RateLimitBurst)
		e.limiters[ruleID] = l
	}
	return l
}

// ForgetLimiter drops a deleted rule's token bucket.
func (e *Engine) ForgetLimiter(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.limiters, ruleID)
}

func (e *Engine) observe(out *Outcome) {
	e.metrics.RuleExecutions.WithLabelValues(string(out.Status)).Inc()
	e.metrics.RuleExecutionSeconds.Observe(out.CompletedAt.Sub(out.StartedAt).Seconds())

	if out.Err != nil {
		e.logger.Warn("Rule execution did not succeed",
			"rule_id", out.RuleID,
			"status", out.Status,
			"error", out.Err)
		return
	}
	e.logger.Debug("Rule executed",
		"rule_id", out.RuleID,
		"hits", len(out.Hits),
		"effective_count", out.EffectiveCount,
		"fired", out.Fired)
}

func hitsToEvents(hits []search.Hit) []models.Event {
	if len(hits) == 0 {
		return nil
	}
	events := make([]models.Event, len(hits))
	for i, h := range hits {
		events[i] = h.Event
	}
	return events
}
