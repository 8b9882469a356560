package config

import "errors"

var (
	errMustBePositive = errors.New("must be positive")
	errMustBeNonNeg   = errors.New("must not be negative")
)

// Validate checks every section for structurally invalid values. It returns
// the first problem found; startup aborts on any error.
func (c *Config) Validate() error {
	if c.Stream.Addr == "" {
		return NewValidationError("stream", "addr", errors.New("must not be empty"))
	}
	if c.Stream.Prefix == "" {
		return NewValidationError("stream", "prefix", errors.New("must not be empty"))
	}
	if c.Stream.MaxLen <= 0 {
		return NewValidationError("stream", "maxlen", errMustBePositive)
	}
	if c.Stream.Backpressure != BackpressureDropOldest && c.Stream.Backpressure != BackpressureRejectNew {
		return NewValidationError("stream", "backpressure",
			errors.New("must be drop_oldest or reject_new"))
	}

	if c.Consumer.BlockMS <= 0 {
		return NewValidationError("consumer", "block_ms", errMustBePositive)
	}
	if c.Consumer.BatchSize <= 0 {
		return NewValidationError("consumer", "batch_size", errMustBePositive)
	}
	if c.Consumer.ClaimIdleMS <= 0 {
		return NewValidationError("consumer", "claim_idle_ms", errMustBePositive)
	}
	if c.Consumer.MaxRetries <= 0 {
		return NewValidationError("consumer", "max_retries", errMustBePositive)
	}

	if c.Scheduler.TickSeconds <= 0 {
		return NewValidationError("scheduler", "tick_seconds", errMustBePositive)
	}
	if c.Scheduler.Workers <= 0 {
		return NewValidationError("scheduler", "workers", errMustBePositive)
	}
	if c.Scheduler.LeaseTTLSeconds <= 0 {
		return NewValidationError("scheduler", "lease_ttl_seconds", errMustBePositive)
	}
	if c.Scheduler.RuleTimeoutSeconds <= 0 {
		return NewValidationError("scheduler", "rule_timeout_seconds", errMustBePositive)
	}

	if c.Correlation.Shards <= 0 {
		return NewValidationError("correlation", "shards", errMustBePositive)
	}
	if c.Correlation.WindowGraceSeconds < 0 {
		return NewValidationError("correlation", "window_grace_seconds", errMustBeNonNeg)
	}
	if c.Correlation.LatenessBoundSeconds < 0 {
		return NewValidationError("correlation", "lateness_bound_seconds", errMustBeNonNeg)
	}
	if c.Correlation.SweepIntervalSeconds <= 0 {
		return NewValidationError("correlation", "sweep_interval_seconds", errMustBePositive)
	}
	if c.Correlation.DedupRetentionMinutes <= 0 {
		return NewValidationError("correlation", "dedup_retention_minutes", errMustBePositive)
	}

	if c.Alert.EventRingCapacity <= 0 {
		return NewValidationError("alert", "event_ring_capacity", errMustBePositive)
	}

	if c.Detection.RateLimitPerRule <= 0 {
		return NewValidationError("detection", "rate_limit_per_rule", errMustBePositive)
	}
	if c.Detection.RateLimitBurst <= 0 {
		return NewValidationError("detection", "rate_limit_burst", errMustBePositive)
	}

	if c.State.OptimisticRetries <= 0 {
		return NewValidationError("state", "optimistic_retries", errMustBePositive)
	}

	if len(c.Search.Addresses) == 0 {
		return NewValidationError("search", "addresses", errors.New("must not be empty"))
	}
	if c.Search.IndexPrefix == "" {
		return NewValidationError("search", "index_prefix", errors.New("must not be empty"))
	}

	if c.Backpressure.HighWatermark <= 0 {
		return NewValidationError("backpressure", "high_watermark", errMustBePositive)
	}
	if c.Backpressure.LowWatermark < 0 {
		return NewValidationError("backpressure", "low_watermark", errMustBeNonNeg)
	}
	if c.Backpressure.LowWatermark >= c.Backpressure.HighWatermark {
		return NewValidationError("backpressure", "low_watermark",
			errors.New("must be below high_watermark"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewValidationError("server", "port", errors.New("must be a valid TCP port"))
	}

	return nil
}
