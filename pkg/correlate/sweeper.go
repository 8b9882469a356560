package correlate

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/metrics"
)

// Sweeper walks correlation windows through their time-driven transitions:
// active rows drain once the window plus grace has passed, draining rows
// expire past the lateness bound, and terminal rows are deleted after the
// dedup retention so the entity can match again.
type Sweeper struct {
	cfg     *config.CorrelationConfig
	states  StateStore
	metrics *metrics.Metrics
	logger  *slog.Logger

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the state store.
func NewSweeper(cfg *config.CorrelationConfig, states StateStore, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if cfg == nil {
		panic("correlate: config cannot be nil")
	}
	if states == nil {
		panic("correlate: state store cannot be nil")
	}
	return &Sweeper{
		cfg:     cfg,
		states:  states,
		metrics: m,
		logger:  logger.With("component", "correlation_sweeper"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start begins periodic sweeps. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.logger.Info("Starting correlation sweeper", "interval", s.cfg.SweepInterval())
	go s.run(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Correlation sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all three transitions.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	grace := s.cfg.WindowGrace()
	late := s.cfg.LatenessBound()

	drained, err := s.states.MarkDraining(ctx, now.Add(-grace))
	if err != nil {
		s.logger.Error("Failed to drain expired windows", "error", err)
	} else if drained > 0 {
		s.metrics.WindowsExpired.Add(float64(drained))
		s.logger.Info("Windows passed their end without completing", "count", drained)
	}

	expired, err := s.states.MarkExpired(ctx, now.Add(-(late + grace)))
	if err != nil {
		s.logger.Error("Failed to expire drained windows", "error", err)
	} else if expired > 0 {
		s.logger.Debug("Windows closed past the lateness bound", "count", expired)
	}

	deleted, err := s.states.DeleteTerminal(ctx, now.Add(-s.cfg.DedupRetention()))
	if err != nil {
		s.logger.Error("Failed to delete retained terminal windows", "error", err)
	} else if deleted > 0 {
		s.logger.Debug("Garbage-collected terminal windows", "count", deleted)
	}
}
