package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is one unit of pool work.
type Task func(ctx context.Context)

// PoolStats is a point-in-time snapshot for the ops surface.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Processed int64 `json:"processed"`
}

// Pool runs submitted tasks on a fixed set of workers. Submission never
// blocks: a full queue refuses the task and the caller decides what a refusal
// means (for rule executions, the rule simply waits for a later tick).
type Pool struct {
	size     int
	tasks    chan Task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	active    int
	processed int64
}

// NewPool creates a pool with size workers and a queue of queueDepth pending
// tasks.
func NewPool(size, queueDepth int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = size * 2
	}
	return &Pool{
		size:   size,
		tasks:  make(chan Task, queueDepth),
		stopCh: make(chan struct{}),
		logger: logger.With("component", "scheduler"),
	}
}

// Start spawns the worker goroutines. Subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("Execution pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Starting execution pool", "workers", p.size)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, fmt.Sprintf("exec-%d", i))
	}
}

// Submit enqueues a task. It returns false when the queue is full or the pool
// is stopping.
func (p *Pool) Submit(t Task) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

// Stop refuses new work, lets in-flight tasks finish, and waits for the
// workers to exit. Queued-but-unstarted tasks are dropped; their rules fire
// again on a later tick.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Execution pool stopped")
}

// Stats reports the pool's current load.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Workers:   p.size,
		Active:    p.active,
		Queued:    len(p.tasks),
		Processed: p.processed,
	}
}

func (p *Pool) run(ctx context.Context, id string) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", id)
	log.Debug("Execution worker started")

	for {
		select {
		case <-p.stopCh:
			log.Debug("Execution worker shutting down")
			return
		case <-ctx.Done():
			log.Debug("Context cancelled, execution worker shutting down")
			return
		case t := <-p.tasks:
			p.setActive(+1)
			t(ctx)
			p.setActive(-1)
		}
	}
}

func (p *Pool) setActive(delta int) {
	p.mu.Lock()
	p.active += delta
	if delta < 0 {
		p.processed++
	}
	p.mu.Unlock()
}
