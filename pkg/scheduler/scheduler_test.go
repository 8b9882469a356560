package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/models"
)

type fakeLeases struct {
	mu       sync.Mutex
	leader   bool
	err      error
	acquires int
	released bool
}

func (f *fakeLeases) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.leader, f.err
}

func (f *fakeLeases) Release(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

type fakeRules struct {
	mu    sync.Mutex
	rules []models.DetectionRule
}

func (f *fakeRules) Enabled() []models.DetectionRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DetectionRule(nil), f.rules...)
}

type fakeGate struct {
	mu    sync.Mutex
	win   bool
	calls int
}

func (f *fakeGate) UpdateLastRun(context.Context, string, *time.Time, time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.win, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	results  []ExecResult
	executed []string
	block    chan struct{} // when set, executions wait here
}

func (f *fakeExecutor) Execute(_ context.Context, rule models.DetectionRule, _ time.Time) ExecResult {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, rule.ID)
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res
	}
	return ExecResult{Status: models.ExecutionSucceeded}
}

func (f *fakeExecutor) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func dueRule(id string) models.DetectionRule {
	return models.DetectionRule{
		ID:              id,
		Name:            id,
		Kind:            models.RuleKindScheduled,
		Query:           "process.name:psexec.exe",
		IntervalMinutes: 5,
		LookbackMinutes: 10,
		Status:          models.RuleStatusEnabled,
	}
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		TickSeconds:        30,
		Workers:            2,
		LeaseTTLSeconds:    15,
		RuleTimeoutSeconds: 5,
	}
}

func newTestScheduler(t *testing.T, rules *fakeRules, gate *fakeGate, leases *fakeLeases, exec *fakeExecutor) (*Scheduler, *Pool) {
	t.Helper()
	pool := NewPool(2, 8, testLogger())
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	s := New(rules, gate, leases, exec, pool, testSchedulerConfig(), "pod-test", testLogger())
	return s, pool
}

// drain waits until the scheduler has no executions in flight.
func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.inflight)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("executions still in flight")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTickFiresDueRulesWhenLeader(t *testing.T) {
	rules := &fakeRules{rules: []models.DetectionRule{dueRule("r-1"), dueRule("r-2")}}
	gate := &fakeGate{win: true}
	exec := &fakeExecutor{}
	s, _ := newTestScheduler(t, rules, gate, &fakeLeases{leader: true}, exec)

	s.tick(context.Background())
	drain(t, s)

	assert.ElementsMatch(t, []string{"r-1", "r-2"}, exec.ids())
	assert.Equal(t, 2, gate.calls)
	assert.True(t, s.Status().Leader)
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	rules := &fakeRules{rules: []models.DetectionRule{dueRule("r-1")}}
	gate := &fakeGate{win: true}
	exec := &fakeExecutor{}
	s, _ := newTestScheduler(t, rules, gate, &fakeLeases{leader: false}, exec)

	s.tick(context.Background())

	assert.Empty(t, exec.ids())
	assert.Zero(t, gate.calls, "followers never touch last-run markers")
	assert.False(t, s.Status().Leader)
}

func TestTickSkipsNotDueRules(t *testing.T) {
	recent := time.Now().UTC().Add(-time.Minute)
	rule := dueRule("r-1")
	rule.LastRunAt = &recent // interval is 5m

	rules := &fakeRules{rules: []models.DetectionRule{rule}}
	gate := &fakeGate{win: true}
	exec := &fakeExecutor{}
	s, _ := newTestScheduler(t, rules, gate, &fakeLeases{leader: true}, exec)

	s.tick(context.Background())

	assert.Empty(t, exec.ids())
	assert.Zero(t, gate.calls)
}

func TestTickSkipsUnscheduledKinds(t *testing.T) {
	streaming := models.DetectionRule{
		ID: "r-stream", Kind: models.RuleKindStreaming, Status: models.RuleStatusEnabled,
	}
	corrNoSeed := models.DetectionRule{
		ID: "r-corr", Kind: models.RuleKindCorrelation, Status: models.RuleStatusEnabled,
	}
	rules := &fakeRules{rules: []models.DetectionRule{streaming, corrNoSeed}}
	gate := &fakeGate{win: true}
	exec := &fakeExecutor{}
	s, _ := newTestScheduler(t, rules, gate, &fakeLeases{leader: true}, exec)

	s.tick(context.Background())

	assert.Empty(t, exec.ids(), "streaming rules and query-less correlation rules are stream-driven")
}

func TestLostCASDoesNotExecute(t *testing.T) {
	rules := &fakeRules{rules: []models.DetectionRule{dueRule("r-1")}}
	gate := &fakeGate{win: false}
	exec := &fakeExecutor{}
	s, _ := newTestScheduler(t, rules, gate, &fakeLeases{leader: true}, exec)

	s.tick(context.Background())
	drain(t, s)

	assert.Equal(t, 1, gate.calls)
	assert.Empty(t, exec.ids(), "a lost compare-and-set means a sibling fired the rule")
}

func TestInflightRulePreventsDoubleFire(t *testing.T) {
	rules := &fakeRules{rules: []models.DetectionRule{dueRule("r-1")}}
	gate := &fakeGate{win: true}
	exec := &fakeExecutor{block: make(chan struct{})}
	s, _ := newTestScheduler(t, rules, gate, &fakeLeases{leader: true}, exec)

	s.tick(context.Background())
	// Second tick while the first execution is still running.
	s.tick(context.Background())

	assert.Equal(t, 1, gate.calls, "an in-flight rule is not refired")

	close(exec.block)
	drain(t, s)
	assert.Equal(t, []string{"r-1"}, exec.ids())
}

func TestTransientFailurePausesScheduling(t *testing.T) {
	rules := &fakeRules{rules: []models.DetectionRule{dueRule("r-1")}}
	gate := &fakeGate{win: true}
	exec := &fakeExecutor{results: []ExecResult{
		{Status: models.ExecutionFailed, Transient: true},
	}}
	leases := &fakeLeases{leader: true}
	s, _ := newTestScheduler(t, rules, gate, leases, exec)

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.tick(context.Background())
	drain(t, s)
	require.Equal(t, []string{"r-1"}, exec.ids())

	// Paused: the next tick does not even try for the lease.
	before := leases.acquires
	s.tick(context.Background())
	assert.Equal(t, before, leases.acquires, "backoff pauses all scheduling work")

	status := s.Status()
	assert.Equal(t, base.Add(30*time.Second), status.PausedUntil)

	// Past the pause the scheduler resumes, and a healthy outcome clears the
	// failure streak.
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.tick(context.Background())
	drain(t, s)

	assert.True(t, s.Status().PausedUntil.IsZero())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	tick := 30 * time.Second
	assert.Equal(t, 30*time.Second, backoffFor(tick, 1))
	assert.Equal(t, time.Minute, backoffFor(tick, 2))
	assert.Equal(t, 4*time.Minute, backoffFor(tick, 4))
	assert.Equal(t, 5*time.Minute, backoffFor(tick, 5))
	assert.Equal(t, 5*time.Minute, backoffFor(tick, 12), "cap holds under long outages")
	assert.Zero(t, backoffFor(tick, 0))
}

func TestStopReleasesHeldLease(t *testing.T) {
	rules := &fakeRules{}
	gate := &fakeGate{}
	leases := &fakeLeases{leader: true}
	exec := &fakeExecutor{}
	s, _ := newTestScheduler(t, rules, gate, leases, exec)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Status().Leader }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.True(t, leases.released, "a clean shutdown hands leadership over immediately")
}
