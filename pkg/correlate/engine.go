// Package correlate matches windowed, per-entity event sequences against
// correlation rules and evaluates streaming rules on the live event flow.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/models"
)

// stateOpTimeout bounds each state-store round trip. Workers finish the event
// in hand during shutdown instead of aborting a half-applied update.
const stateOpTimeout = 10 * time.Second

// shardQueueDepth is the per-shard task backlog.
const shardQueueDepth = 256

// ErrPredicateEval marks a stage predicate that failed at runtime. These are
// permanent for the event and send it to the dead-letter queue.
var ErrPredicateEval = errors.New("predicate evaluation failed")

// Dead-letter reasons reported to the consumer.
const (
	ReasonEvalFailed    = "predicate_eval_failed"
	ReasonStateConflict = "state_conflict_exhausted"
)

// Disposition tells the consumer what to do with a processed entry.
type Disposition int

const (
	// DispositionOK means the event was applied (or deliberately dropped);
	// acknowledge it.
	DispositionOK Disposition = iota
	// DispositionDeadLetter means the event permanently failed for at least
	// one rule; dead-letter it, then acknowledge.
	DispositionDeadLetter
	// DispositionRetry means a transient failure; leave the entry unacked so
	// the pending-entries list redelivers it.
	DispositionRetry
)

// Result is the per-event processing verdict.
type Result struct {
	Disposition Disposition
	Reason      string
	Err         error
}

func (r Result) merge(other Result) Result {
	if other.Disposition > r.Disposition {
		return other
	}
	return r
}

// RuleSource supplies the current enabled rule snapshot.
type RuleSource interface {
	Streaming() []models.DetectionRule
	Correlation() []models.DetectionRule
}

// MatchSink receives fired matches for alert generation.
type MatchSink interface {
	IngestMatch(ctx context.Context, rule *models.DetectionRule, hits []models.Event, thresholdExceeded bool) error
}

// BundlePublisher emits completed-sequence bundles onto the correlation
// stream for downstream enrichment.
type BundlePublisher interface {
	PublishBundle(ctx context.Context, bundle models.CorrelationBundle) error
}

// Engine applies stream events to correlation windows. One dispatcher feeds
// single-threaded shard workers keyed by (rule, entity key), which preserves
// per-entity append order without a global lock.
type Engine struct {
	cfg      *config.CorrelationConfig
	stateCfg *config.StateConfig
	ringCap  int

	states  StateStore
	dedup   *Deduper
	rules   RuleSource
	sink    MatchSink
	bundles BundlePublisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time

	mu       sync.Mutex
	compiled map[string]*compiledEntry

	shards   []chan task
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

type compiledEntry struct {
	updatedAt time.Time
	rule      *compiledRule
}

type task struct {
	rule      *compiledRule
	entityKey string
	evt       models.Event
	res       chan Result
}

// NewEngine creates the correlation engine.
func NewEngine(
	cfg *config.CorrelationConfig,
	stateCfg *config.StateConfig,
	alertCfg *config.AlertConfig,
	states StateStore,
	dedup *Deduper,
	rules RuleSource,
	sink MatchSink,
	bundles BundlePublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg == nil {
		panic("correlate: config cannot be nil")
	}
	if states == nil {
		panic("correlate: state store cannot be nil")
	}
	if dedup == nil {
		panic("correlate: deduper cannot be nil")
	}
	if rules == nil {
		panic("correlate: rule source cannot be nil")
	}
	ringCap := 100
	if alertCfg != nil && alertCfg.EventRingCapacity > 0 {
		ringCap = alertCfg.EventRingCapacity
	}
	return &Engine{
		cfg:      cfg,
		stateCfg: stateCfg,
		ringCap:  ringCap,
		states:   states,
		dedup:    dedup,
		rules:    rules,
		sink:     sink,
		bundles:  bundles,
		metrics:  m,
		logger:   logger.With("component", "correlate"),
		now:      func() time.Time { return time.Now().UTC() },
		compiled: make(map[string]*compiledEntry),
	}
}

// Start launches the shard workers.
func (e *Engine) Start() error {
	if e.started {
		return fmt.Errorf("correlation engine already started")
	}
	e.started = true

	shards := e.cfg.Shards
	if shards <= 0 {
		shards = 1
	}
	e.shards = make([]chan task, shards)
	for i := range e.shards {
		ch := make(chan task, shardQueueDepth)
		e.shards[i] = ch
		e.wg.Add(1)
		go e.runShard(i, ch)
	}
	e.logger.Info("Correlation engine started", "shards", shards)
	return nil
}

// Stop drains the shard queues and waits for workers to finish. Callers must
// stop feeding ProcessBatch first.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.stopOnce.Do(func() {
		for _, ch := range e.shards {
			close(ch)
		}
		e.wg.Wait()
		e.logger.Info("Correlation engine stopped")
	})
}

func (e *Engine) runShard(shard int, ch <-chan task) {
	defer e.wg.Done()
	for t := range ch {
		t.res <- e.applyToRule(t.rule, t.entityKey, t.evt)
		e.metrics.ShardDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(ch)))
	}
}

// ProcessEvent applies one event against every enabled streaming and
// correlation rule and reports the combined disposition.
func (e *Engine) ProcessEvent(ctx context.Context, evt models.Event) Result {
	return e.ProcessBatch(ctx, []models.Event{evt})[0]
}

// ProcessBatch dispatches a batch in stream order and waits for every event
// to settle. Results align with the input slice; per-entity ordering holds
// because dispatch order matches stream order and each shard is FIFO.
func (e *Engine) ProcessBatch(ctx context.Context, events []models.Event) []Result {
	results := make([]Result, len(events))
	if !e.started {
		for i := range results {
			results[i] = Result{Disposition: DispositionRetry, Err: fmt.Errorf("correlation engine not started")}
		}
		return results
	}
	pending := make([][]chan Result, len(events))

	streaming := e.rules.Streaming()
	correlation := e.rules.Correlation()

	for i := range events {
		evt := &events[i]
		res := Result{Disposition: DispositionOK}

		for j := range streaming {
			res = res.merge(e.evalStreaming(ctx, &streaming[j], evt))
		}

		for j := range correlation {
			cr := e.compiledFor(&correlation[j])
			if cr == nil || len(cr.stages) == 0 {
				continue
			}
			key, ok := cr.entityKey(evt)
			if !ok {
				continue // event carries no key for this rule
			}
			shard := e.shardFor(cr.rule.ID, key)
			ch := make(chan Result, 1)
			select {
			case e.shards[shard] <- task{rule: cr, entityKey: key, evt: *evt, res: ch}:
				e.metrics.ShardDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(e.shards[shard])))
				pending[i] = append(pending[i], ch)
			case <-ctx.Done():
				res = res.merge(Result{Disposition: DispositionRetry, Err: ctx.Err()})
			}
		}
		results[i] = res
	}

	for i, chans := range pending {
		for _, ch := range chans {
			results[i] = results[i].merge(<-ch)
		}
	}
	return results
}

// evalStreaming runs a streaming rule's single stage statelessly.
func (e *Engine) evalStreaming(ctx context.Context, rule *models.DetectionRule, evt *models.Event) Result {
	cr := e.compiledFor(rule)
	if cr == nil || len(cr.stages) == 0 {
		return Result{Disposition: DispositionOK}
	}
	matched, err := cr.stages[0].Match(evt)
	if err != nil {
		e.metrics.PredicateFailures.Inc()
		return Result{
			Disposition: DispositionDeadLetter,
			Reason:      ReasonEvalFailed,
			Err:         fmt.Errorf("%w: rule %s: %v", ErrPredicateEval, rule.ID, err),
		}
	}
	if !matched {
		return Result{Disposition: DispositionOK}
	}
	if err := e.sink.IngestMatch(ctx, rule, []models.Event{*evt}, true); err != nil {
		return Result{Disposition: DispositionRetry, Err: fmt.Errorf("failed to ingest streaming match: %w", err)}
	}
	return Result{Disposition: DispositionOK}
}

// applyToRule processes one (rule, event) pair on its shard worker. The store
// operations run on their own timeout so shutdown never abandons a
// half-applied row.
func (e *Engine) applyToRule(r *compiledRule, entityKey string, evt models.Event) Result {
	ctx, cancel := context.WithTimeout(context.Background(), stateOpTimeout)
	defer cancel()

	fresh, err := e.dedup.Acquire(ctx, r.rule.ID, evt.ID, r.window+e.cfg.LatenessBound())
	if err != nil {
		return Result{Disposition: DispositionRetry, Err: err}
	}
	if !fresh {
		return Result{Disposition: DispositionOK} // already applied once
	}

	retries := 3
	if e.stateCfg != nil && e.stateCfg.OptimisticRetries > 0 {
		retries = e.stateCfg.OptimisticRetries
	}

	for attempt := 0; attempt < retries; attempt++ {
		err := e.applyEvent(ctx, r, entityKey, &evt)
		if err == nil {
			return Result{Disposition: DispositionOK}
		}
		if errors.Is(err, ErrStateConflict) {
			e.metrics.StateConflicts.Inc()
			continue
		}
		e.release(ctx, r.rule.ID, evt.ID)
		if errors.Is(err, ErrPredicateEval) {
			e.metrics.PredicateFailures.Inc()
			return Result{Disposition: DispositionDeadLetter, Reason: ReasonEvalFailed, Err: err}
		}
		return Result{Disposition: DispositionRetry, Err: err}
	}

	e.release(ctx, r.rule.ID, evt.ID)
	e.logger.Warn("Correlation state conflicts exhausted",
		"rule_id", r.rule.ID,
		"entity_key", entityKey,
		"event_id", evt.ID,
		"retries", retries)
	return Result{
		Disposition: DispositionDeadLetter,
		Reason:      ReasonStateConflict,
		Err:         fmt.Errorf("correlation state conflicts exhausted after %d attempts", retries),
	}
}

// applyEvent runs one attempt of the per-event state machine against the
// freshest row.
func (e *Engine) applyEvent(ctx context.Context, r *compiledRule, entityKey string, evt *models.Event) error {
	row, err := e.states.Latest(ctx, r.rule.ID, entityKey)
	if errors.Is(err, ErrStateNotFound) {
		return e.openWindow(ctx, r, entityKey, evt)
	}
	if err != nil {
		return err
	}

	if !row.Status.Open() {
		// A retained completed or expired row suppresses re-matching for this
		// entity until the sweeper garbage-collects it.
		return nil
	}

	ts := evt.Timestamp
	if !ts.Before(row.WindowEnd) {
		// The window can never complete from this event's vantage point:
		// expire it, and let the event open a fresh one when it qualifies.
		e.metrics.WindowsExpired.Inc()
		return e.replaceWindow(ctx, r, row, evt)
	}
	if ts.Before(row.WindowStart.Add(-e.cfg.LatenessBound())) {
		e.logger.Debug("Dropped excessively late event",
			"rule_id", r.rule.ID, "event_id", evt.ID, "event_ts", ts)
		return nil
	}
	if row.Status == models.CorrelationDraining {
		if !e.now().Before(row.WindowEnd.Add(e.cfg.LatenessBound())) {
			// The lateness bound passed before the sweeper got here.
			row.Status = models.CorrelationExpired
			return e.save(ctx, row)
		}
		e.metrics.LateEvents.Inc()
	}

	advanced, err := e.advance(r, row, evt)
	if err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrPredicateEval, r.rule.ID, err)
	}
	if !advanced {
		return nil
	}

	if sequenceComplete(r, row) {
		row.Status = models.CorrelationCompleted
		// Publish before saving: a save conflict replays the event and at
		// worst re-emits, which alert dedup absorbs. The reverse order could
		// complete the row and then lose the alert.
		if err := e.emit(ctx, r, row); err != nil {
			return err
		}
		e.metrics.WindowsCompleted.Inc()
	}
	return e.save(ctx, row)
}

// openWindow creates a fresh active row when the event matches an opening
// stage: stage 0 under strict order, any stage otherwise.
func (e *Engine) openWindow(ctx context.Context, r *compiledRule, entityKey string, evt *models.Event) error {
	stageIdx, ok, err := e.openingStage(r, evt)
	if err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrPredicateEval, r.rule.ID, err)
	}
	if !ok {
		return nil
	}
	st := &models.CorrelationState{
		RuleID:      r.rule.ID,
		EntityKey:   entityKey,
		Status:      models.CorrelationActive,
		State:       e.initialState(r, stageIdx, evt),
		WindowStart: evt.Timestamp,
		WindowEnd:   evt.Timestamp.Add(r.window),
	}
	if err := e.states.Insert(ctx, st); err != nil {
		return err
	}
	e.metrics.WindowsOpened.Inc()
	e.logger.Debug("Opened correlation window",
		"rule_id", r.rule.ID, "entity_key", entityKey,
		"window_start", st.WindowStart, "window_end", st.WindowEnd)
	return nil
}

// replaceWindow handles an event past the row's window end: the stale window
// dies, and when the event matches an opening stage the same row restarts as
// a fresh window (keeping the one-open-row invariant without an insert race).
func (e *Engine) replaceWindow(ctx context.Context, r *compiledRule, row *models.CorrelationState, evt *models.Event) error {
	stageIdx, ok, err := e.openingStage(r, evt)
	if err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrPredicateEval, r.rule.ID, err)
	}
	if !ok {
		row.Status = models.CorrelationExpired
		return e.save(ctx, row)
	}
	row.Status = models.CorrelationActive
	row.WindowStart = evt.Timestamp
	row.WindowEnd = evt.Timestamp.Add(r.window)
	row.State = e.initialState(r, stageIdx, evt)
	if err := e.save(ctx, row); err != nil {
		return err
	}
	e.metrics.WindowsOpened.Inc()
	return nil
}

// openingStage finds the stage a first event may open a window with.
func (e *Engine) openingStage(r *compiledRule, evt *models.Event) (int, bool, error) {
	if r.ordered {
		ok, err := r.stages[0].Match(evt)
		return 0, ok, err
	}
	for i, stage := range r.stages {
		ok, err := stage.Match(evt)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return i, true, nil
		}
	}
	return 0, false, nil
}

func (e *Engine) initialState(r *compiledRule, stageIdx int, evt *models.Event) models.SequenceState {
	st := models.SequenceState{
		StageCounts: make([]int, len(r.stages)),
		Events:      []models.Event{*evt},
	}
	st.StageCounts[stageIdx] = 1
	captureFields(r, &st, stageIdx, evt)
	st.NextStage = nextUnfilled(r, st.StageCounts)
	return st
}

// advance applies the event to the row's sequence state. It reports whether
// any stage recorded the event.
func (e *Engine) advance(r *compiledRule, row *models.CorrelationState, evt *models.Event) (bool, error) {
	st := &row.State
	if len(st.StageCounts) != len(r.stages) {
		// The rule gained or lost stages mid-window; keep what aligns.
		counts := make([]int, len(r.stages))
		copy(counts, st.StageCounts)
		st.StageCounts = counts
	}

	if r.ordered {
		idx := nextUnfilled(r, st.StageCounts)
		if idx >= len(r.stages) {
			return false, nil
		}
		ok, err := r.stages[idx].Match(evt)
		if err != nil || !ok {
			return false, err
		}
		if distinctViolated(r, st, idx, evt) {
			return false, nil
		}
		e.record(r, st, idx, evt)
		st.NextStage = nextUnfilled(r, st.StageCounts)
		return true, nil
	}

	// Any-order: the first unfilled matching stage takes the event. A match
	// on an already-filled stage is retained as excess but completes nothing.
	excess := -1
	for i, stage := range r.stages {
		ok, err := stage.Match(evt)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if st.StageCounts[i] < r.minCount {
			if distinctViolated(r, st, i, evt) {
				continue
			}
			e.record(r, st, i, evt)
			return true, nil
		}
		if excess == -1 {
			excess = i
		}
	}
	if excess >= 0 {
		e.record(r, st, excess, evt)
		return true, nil
	}
	return false, nil
}

func (e *Engine) record(r *compiledRule, st *models.SequenceState, stageIdx int, evt *models.Event) {
	st.StageCounts[stageIdx]++
	captureFields(r, st, stageIdx, evt)
	if len(st.Events) < e.ringCap {
		st.Events = append(st.Events, *evt)
	}
}

// captureFields records the stage's declared captures plus the
// require_distinct field, keyed per stage.
func captureFields(r *compiledRule, st *models.SequenceState, stageIdx int, evt *models.Event) {
	fields := r.stages[stageIdx].capture
	if r.requireDistinct != "" && !slices.Contains(fields, r.requireDistinct) {
		fields = append(slices.Clone(fields), r.requireDistinct)
	}
	for _, field := range fields {
		v, ok := evt.Field(field)
		if !ok {
			continue
		}
		if st.Captured == nil {
			st.Captured = make(map[string][]string)
		}
		key := captureKey(stageIdx, field)
		val := stringify(v)
		if !slices.Contains(st.Captured[key], val) {
			st.Captured[key] = append(st.Captured[key], val)
		}
	}
}

// distinctViolated checks the event's require_distinct value against values
// captured by other stages. Repeats within one stage stay legal, so three
// failed logons from one address can still precede a success from another.
func distinctViolated(r *compiledRule, st *models.SequenceState, stageIdx int, evt *models.Event) bool {
	if r.requireDistinct == "" {
		return false
	}
	v, ok := evt.Field(r.requireDistinct)
	if !ok {
		return false
	}
	val := stringify(v)
	for key, vals := range st.Captured {
		s, field, ok := splitCaptureKey(key)
		if !ok || field != r.requireDistinct || s == stageIdx {
			continue
		}
		if slices.Contains(vals, val) {
			return true
		}
	}
	return false
}

func nextUnfilled(r *compiledRule, counts []int) int {
	for i, c := range counts {
		if c < r.minCount {
			return i
		}
	}
	return len(counts)
}

func sequenceComplete(r *compiledRule, row *models.CorrelationState) bool {
	if len(row.State.StageCounts) < len(r.stages) {
		return false
	}
	for _, c := range row.State.StageCounts {
		if c < r.minCount {
			return false
		}
	}
	return true
}

// emit publishes the completed sequence: the bundle onto the correlation
// stream, then the match into alert generation.
func (e *Engine) emit(ctx context.Context, r *compiledRule, row *models.CorrelationState) error {
	bundle := models.CorrelationBundle{
		RuleID:      r.rule.ID,
		RuleName:    r.rule.Name,
		EntityKey:   row.EntityKey,
		WindowStart: row.WindowStart,
		WindowEnd:   row.WindowEnd,
		Events:      row.State.Events,
		CompletedAt: e.now(),
	}
	if e.bundles != nil {
		if err := e.bundles.PublishBundle(ctx, bundle); err != nil {
			return fmt.Errorf("failed to publish correlation bundle: %w", err)
		}
	}
	if err := e.sink.IngestMatch(ctx, r.rule, row.State.Events, true); err != nil {
		return fmt.Errorf("failed to hand completed sequence to alerting: %w", err)
	}
	e.logger.Info("Correlation sequence completed",
		"rule_id", r.rule.ID,
		"entity_key", row.EntityKey,
		"events", len(row.State.Events))
	return nil
}

func (e *Engine) save(ctx context.Context, row *models.CorrelationState) error {
	saved, err := e.states.Update(ctx, row)
	if err != nil {
		return err
	}
	if !saved {
		return fmt.Errorf("%w: row %d", ErrStateConflict, row.ID)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, ruleID, eventID string) {
	if err := e.dedup.Release(ctx, ruleID, eventID); err != nil {
		e.logger.Warn("Failed to release dedup claim; redelivery may be skipped",
			"rule_id", ruleID, "event_id", eventID, "error", err)
	}
}

// compiledFor returns the compiled form of a rule, recompiling when the rule
// changed. A rule that fails to compile is skipped until it is updated.
func (e *Engine) compiledFor(rule *models.DetectionRule) *compiledRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, ok := e.compiled[rule.ID]; ok && entry.updatedAt.Equal(rule.UpdatedAt) {
		return entry.rule
	}
	cr, err := compileRule(rule)
	if err != nil {
		e.logger.Warn("Skipping rule that failed to compile", "rule_id", rule.ID, "error", err)
		cr = nil
	}
	e.compiled[rule.ID] = &compiledEntry{updatedAt: rule.UpdatedAt, rule: cr}
	return cr
}

func (e *Engine) shardFor(ruleID, entityKey string) int {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	h.Write([]byte{'|'})
	h.Write([]byte(entityKey))
	return int(h.Sum32() % uint32(len(e.shards)))
}
