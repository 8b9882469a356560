package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/metrics"
)

// Throttler is flipped by the Monitor when consumer lag crosses the
// watermarks. *Buffer implements it.
type Throttler interface {
	SetThrottled(on bool)
	Throttled() bool
}

// LagReader reports per-group undelivered entry counts on the events stream.
type LagReader func(ctx context.Context) (map[string]int64, error)

// Monitor polls consumer lag and throttles publishers while any group is
// behind the high watermark, releasing once the worst group falls back under
// the low watermark. Under the reject_new policy it also trims the
// fully-acknowledged stream prefix so draining consumers free capacity.
type Monitor struct {
	cfg     *config.BackpressureConfig
	target  Throttler
	lags    LagReader
	trim    func(ctx context.Context) (int64, error)
	metrics *metrics.Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor wires a Monitor to its buffer. trim may be nil when the stream
// policy is drop_oldest.
func NewMonitor(cfg *config.BackpressureConfig, target Throttler, lags LagReader, trim func(ctx context.Context) (int64, error), m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if target == nil {
		panic("buffer: monitor target cannot be nil")
	}
	if lags == nil {
		panic("buffer: monitor lag reader cannot be nil")
	}
	return &Monitor{
		cfg:     cfg,
		target:  target,
		lags:    lags,
		trim:    trim,
		metrics: m,
		logger:  logger.With("component", "backpressure"),
	}
}

// NewBufferMonitor builds a Monitor over a Buffer, trimming under reject_new.
func NewBufferMonitor(cfg *config.BackpressureConfig, streamCfg *config.StreamConfig, buf *Buffer, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	var trim func(ctx context.Context) (int64, error)
	if streamCfg.Backpressure == config.BackpressureRejectNew {
		trim = func(ctx context.Context) (int64, error) {
			return buf.TrimConsumed(ctx, 1024)
		}
	}
	return NewMonitor(cfg, buf, buf.GroupLags, trim, m, logger)
}

// Start launches the background polling loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	m.logger.Info("Backpressure monitor started",
		"high_watermark", m.cfg.HighWatermark,
		"low_watermark", m.cfg.LowWatermark,
		"poll", m.cfg.Poll())
}

// Stop signals the polling loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Backpressure monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.poll(ctx)

	ticker := time.NewTicker(m.cfg.Poll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll reads group lags, applies the watermark hysteresis, and runs the trim
// pass.
func (m *Monitor) poll(ctx context.Context) {
	lags, err := m.lags(ctx)
	if err != nil {
		m.logger.Error("Lag poll failed", "error", err)
		return
	}

	var worst int64
	var worstGroup string
	for group, lag := range lags {
		m.metrics.ConsumerLag.WithLabelValues(group).Set(float64(lag))
		if lag > worst {
			worst = lag
			worstGroup = group
		}
	}

	switch {
	case worst >= m.cfg.HighWatermark && !m.target.Throttled():
		m.target.SetThrottled(true)
		m.logger.Warn("Consumer lag crossed high watermark, throttling publishers",
			"group", worstGroup,
			"lag", worst,
			"high_watermark", m.cfg.HighWatermark)
	case worst <= m.cfg.LowWatermark && m.target.Throttled():
		m.target.SetThrottled(false)
		m.logger.Info("Consumer lag fell under low watermark, throttling released",
			"lag", worst,
			"low_watermark", m.cfg.LowWatermark)
	}

	if m.trim != nil {
		if removed, err := m.trim(ctx); err != nil {
			m.logger.Error("Consumed-prefix trim failed", "error", err)
		} else if removed > 0 {
			m.logger.Debug("Trimmed consumed stream prefix", "removed", removed)
		}
	}
}

// Tick runs one poll cycle synchronously.
func (m *Monitor) Tick(ctx context.Context) {
	m.poll(ctx)
}
