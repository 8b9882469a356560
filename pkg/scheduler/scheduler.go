// Package scheduler fires due rules from a single elected leader and runs
// them on a bounded execution pool.
//
// Leadership is a Postgres lease row renewed every tick; the last-run marker
// on each rule is a compare-and-set, so even overlapping leaders (crash plus
// immediate takeover) cannot double-fire a rule. A store outage pauses the
// whole schedule with exponential backoff instead of burning every rule's
// execution budget against a dead backend.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/models"
)

// maxBackoff caps the store-outage pause.
const maxBackoff = 5 * time.Minute

// Leases grants scheduler leadership. Satisfied by *LeaseStore.
type Leases interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// RuleSource supplies the enabled-rule snapshot. Satisfied by *rules.Cache.
type RuleSource interface {
	Enabled() []models.DetectionRule
}

// LastRunGate is the per-rule firing compare-and-set. Satisfied by
// *rules.Store.
type LastRunGate interface {
	UpdateLastRun(ctx context.Context, id string, observed *time.Time, next time.Time) (bool, error)
}

// Executor runs one rule execution end to end. Satisfied by *Runner.
type Executor interface {
	Execute(ctx context.Context, rule models.DetectionRule, now time.Time) ExecResult
}

// Status is the scheduler snapshot served by the ops API.
type Status struct {
	Leader      bool      `json:"leader"`
	Holder      string    `json:"holder"`
	Inflight    int       `json:"inflight"`
	PausedUntil time.Time `json:"paused_until,omitzero"`
	Pool        PoolStats `json:"pool"`
}

// Scheduler owns the tick loop.
type Scheduler struct {
	rules    RuleSource
	gate     LastRunGate
	leases   Leases
	executor Executor
	pool     *Pool
	cfg      *config.SchedulerConfig
	logger   *slog.Logger
	holder   string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.Mutex
	started     bool
	leader      bool
	inflight    map[string]struct{}
	failures    int
	pausedUntil time.Time

	now func() time.Time
}

// New creates a scheduler. holder identifies this instance in the lease row,
// typically the pod id.
func New(
	rules RuleSource,
	gate LastRunGate,
	leases Leases,
	executor Executor,
	pool *Pool,
	cfg *config.SchedulerConfig,
	holder string,
	logger *slog.Logger,
) *Scheduler {
	if rules == nil {
		panic("scheduler: rules cannot be nil")
	}
	if gate == nil {
		panic("scheduler: gate cannot be nil")
	}
	if leases == nil {
		panic("scheduler: leases cannot be nil")
	}
	if executor == nil {
		panic("scheduler: executor cannot be nil")
	}
	if pool == nil {
		panic("scheduler: pool cannot be nil")
	}
	if cfg == nil {
		panic("scheduler: config cannot be nil")
	}
	return &Scheduler{
		rules:    rules,
		gate:     gate,
		leases:   leases,
		executor: executor,
		pool:     pool,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		holder:   holder,
		stopCh:   make(chan struct{}),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Start launches the tick loop. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("Scheduler already started, ignoring duplicate Start call")
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Starting scheduler",
		"holder", s.holder,
		"tick", s.cfg.Tick(),
		"lease_ttl", s.cfg.LeaseTTL())

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the tick loop and releases the lease if held. It does not stop
// the pool; the caller drains it separately under the shutdown budget.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	wasLeader := s.leader
	s.leader = false
	s.mu.Unlock()

	if wasLeader {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leases.Release(ctx, LeaseName, s.holder); err != nil {
			s.logger.Warn("Failed to release scheduler lease", "error", err)
		}
	}
	s.logger.Info("Scheduler stopped")
}

// Status reports the current scheduling state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Leader:      s.leader,
		Holder:      s.holder,
		Inflight:    len(s.inflight),
		PausedUntil: s.pausedUntil,
		Pool:        s.pool.Stats(),
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick renews leadership and fires every due rule the compare-and-set grants.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	paused := now.Before(s.pausedUntil)
	s.mu.Unlock()
	if paused {
		s.logger.Debug("Scheduling paused for store backoff")
		return
	}

	leader, err := s.leases.Acquire(ctx, LeaseName, s.holder, s.cfg.LeaseTTL())
	if err != nil {
		s.logger.Error("Failed to acquire scheduler lease", "error", err)
		s.setLeader(false)
		return
	}
	s.setLeader(leader)
	if !leader {
		return
	}

	for _, rule := range s.rules.Enabled() {
		if !rule.Scheduled() || !rule.Due(now) {
			continue
		}
		s.fire(ctx, rule, now)
	}
}

// fire submits one rule execution if this instance isn't already running it
// and the last-run compare-and-set grants the firing to us.
func (s *Scheduler) fire(ctx context.Context, rule models.DetectionRule, now time.Time) {
	if !s.markInflight(rule.ID) {
		return
	}

	won, err := s.gate.UpdateLastRun(ctx, rule.ID, rule.LastRunAt, now)
	if err != nil {
		s.clearInflight(rule.ID)
		s.logger.Error("Failed last-run compare-and-set", "rule_id", rule.ID, "error", err)
		return
	}
	if !won {
		s.clearInflight(rule.ID)
		return
	}

	submitted := s.pool.Submit(func(taskCtx context.Context) {
		defer s.clearInflight(rule.ID)

		execCtx, cancel := context.WithTimeout(taskCtx, s.cfg.RuleTimeout())
		defer cancel()

		res := s.executor.Execute(execCtx, rule, now)
		s.recordOutcome(res)
	})
	if !submitted {
		s.clearInflight(rule.ID)
		s.logger.Warn("Execution pool saturated; rule waits for a later tick",
			"rule_id", rule.ID)
	}
}

// recordOutcome maintains the global store-outage backoff: consecutive
// transient failures lengthen the pause, the first non-transient outcome
// clears it.
func (s *Scheduler) recordOutcome(res ExecResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Transient {
		s.failures++
		pause := backoffFor(s.cfg.Tick(), s.failures)
		s.pausedUntil = s.now().Add(pause)
		s.logger.Warn("Historical store unavailable; pausing all scheduling",
			"consecutive_failures", s.failures,
			"pause", pause)
		return
	}
	if s.failures > 0 {
		s.failures = 0
		s.pausedUntil = time.Time{}
		s.logger.Info("Historical store recovered; scheduling resumed")
	}
}

func (s *Scheduler) setLeader(leader bool) {
	s.mu.Lock()
	was := s.leader
	s.leader = leader
	s.mu.Unlock()

	if leader && !was {
		s.logger.Info("Scheduler leadership acquired", "holder", s.holder)
	}
	if !leader && was {
		s.logger.Info("Scheduler leadership lost", "holder", s.holder)
	}
}

func (s *Scheduler) markInflight(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[ruleID]; ok {
		return false
	}
	s.inflight[ruleID] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, ruleID)
}

// backoffFor doubles the tick per consecutive failure, capped at maxBackoff.
func backoffFor(tick time.Duration, failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := tick
	for i := 1; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
