// Package config loads and validates warden's YAML configuration.
package config

import (
	"fmt"
	"time"
)

// Backpressure policies for a full events stream.
const (
	// BackpressureDropOldest trims the oldest entries to admit new ones.
	BackpressureDropOldest = "drop_oldest"
	// BackpressureRejectNew refuses the publish and leaves the stream as is.
	BackpressureRejectNew = "reject_new"
)

// Config is the root warden configuration, assembled from built-in defaults
// merged with warden.yaml.
type Config struct {
	Stream       *StreamConfig       `yaml:"stream"`
	Consumer     *ConsumerConfig     `yaml:"consumer"`
	Scheduler    *SchedulerConfig    `yaml:"scheduler"`
	Correlation  *CorrelationConfig  `yaml:"correlation"`
	Alert        *AlertConfig        `yaml:"alert"`
	Detection    *DetectionConfig    `yaml:"detection"`
	State        *StateConfig        `yaml:"state"`
	Search       *SearchConfig       `yaml:"search"`
	Backpressure *BackpressureConfig `yaml:"backpressure"`
	Server       *ServerConfig       `yaml:"server"`
}

// StreamConfig configures the Redis-backed event buffer.
type StreamConfig struct {
	// Addr is the Redis host:port.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces all stream keys ("warden" → "warden:events").
	Prefix string `yaml:"prefix"`

	// MaxLen caps the events stream length.
	MaxLen int64 `yaml:"maxlen"`

	// Backpressure selects the full-stream policy: drop_oldest or reject_new.
	Backpressure string `yaml:"backpressure"`
}

// Stream key names derived from the prefix.
func (c *StreamConfig) EventsStream() string      { return c.Prefix + ":events" }
func (c *StreamConfig) AlertsStream() string      { return c.Prefix + ":alerts" }
func (c *StreamConfig) CorrelationStream() string { return c.Prefix + ":correlation" }
func (c *StreamConfig) DLQStream() string         { return c.Prefix + ":dlq" }

// DefaultStreamConfig returns the built-in stream defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		Addr:         "localhost:6379",
		Prefix:       "warden",
		MaxLen:       1_000_000,
		Backpressure: BackpressureDropOldest,
	}
}

// ConsumerConfig controls the stream consumer groups.
type ConsumerConfig struct {
	// BlockMS is how long XREADGROUP blocks waiting for entries.
	BlockMS int `yaml:"block_ms"`
	// BatchSize is the max entries fetched per read.
	BatchSize int `yaml:"batch_size"`
	// ClaimIdleMS is the pending-entry idle time before another consumer
	// may claim it (crash recovery).
	ClaimIdleMS int `yaml:"claim_idle_ms"`
	// MaxRetries is the delivery budget per entry before dead-lettering.
	MaxRetries int `yaml:"max_retries"`
	// IndexerFlushMS is the historical-store bulk flush interval.
	IndexerFlushMS int `yaml:"indexer_flush_ms"`
}

func (c *ConsumerConfig) Block() time.Duration        { return time.Duration(c.BlockMS) * time.Millisecond }
func (c *ConsumerConfig) ClaimIdle() time.Duration    { return time.Duration(c.ClaimIdleMS) * time.Millisecond }
func (c *ConsumerConfig) IndexerFlush() time.Duration { return time.Duration(c.IndexerFlushMS) * time.Millisecond }

// DefaultConsumerConfig returns the built-in consumer defaults.
func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		BlockMS:        5000,
		BatchSize:      128,
		ClaimIdleMS:    60_000,
		MaxRetries:     3,
		IndexerFlushMS: 2000,
	}
}

// SchedulerConfig controls the rule scheduler and its execution pool.
type SchedulerConfig struct {
	// TickSeconds is the scheduling cadence.
	TickSeconds int `yaml:"tick_seconds"`
	// Workers bounds concurrent rule executions per instance.
	Workers int `yaml:"workers"`
	// LeaseTTLSeconds is the leader lease duration; the leader renews at
	// half-TTL and followers take over when it lapses.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	// RuleTimeoutSeconds is the per-execution deadline.
	RuleTimeoutSeconds int `yaml:"rule_timeout_seconds"`
	// GracefulShutdownSeconds bounds the drain on shutdown.
	GracefulShutdownSeconds int `yaml:"graceful_shutdown_seconds"`
}

func (c *SchedulerConfig) Tick() time.Duration     { return time.Duration(c.TickSeconds) * time.Second }
func (c *SchedulerConfig) LeaseTTL() time.Duration { return time.Duration(c.LeaseTTLSeconds) * time.Second }
func (c *SchedulerConfig) RuleTimeout() time.Duration {
	return time.Duration(c.RuleTimeoutSeconds) * time.Second
}
func (c *SchedulerConfig) GracefulShutdown() time.Duration {
	return time.Duration(c.GracefulShutdownSeconds) * time.Second
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickSeconds:             30,
		Workers:                 8,
		LeaseTTLSeconds:         15,
		RuleTimeoutSeconds:      60,
		GracefulShutdownSeconds: 30,
	}
}

// CorrelationConfig controls the correlation engine runtime (sharding and
// window timing; per-rule sequence shape lives on the rule itself).
type CorrelationConfig struct {
	// Shards is the number of single-writer state workers. Entity keys hash
	// to a shard, serializing writes per key.
	Shards int `yaml:"shards"`
	// WindowGraceSeconds delays expiry past window end to absorb sweep and
	// clock jitter.
	WindowGraceSeconds int `yaml:"window_grace_seconds"`
	// LatenessBoundSeconds is W_late: how far after window end an in-window
	// event may still arrive and count.
	LatenessBoundSeconds int `yaml:"lateness_bound_seconds"`
	// SweepIntervalSeconds is the expiry sweeper cadence.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	// DedupRetentionMinutes is W_dedup: how long completed and expired rows
	// are kept before deletion.
	DedupRetentionMinutes int `yaml:"dedup_retention_minutes"`
}

func (c *CorrelationConfig) WindowGrace() time.Duration {
	return time.Duration(c.WindowGraceSeconds) * time.Second
}
func (c *CorrelationConfig) LatenessBound() time.Duration {
	return time.Duration(c.LatenessBoundSeconds) * time.Second
}
func (c *CorrelationConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
func (c *CorrelationConfig) DedupRetention() time.Duration {
	return time.Duration(c.DedupRetentionMinutes) * time.Minute
}

// DefaultCorrelationConfig returns the built-in correlation defaults.
func DefaultCorrelationConfig() *CorrelationConfig {
	return &CorrelationConfig{
		Shards:                8,
		WindowGraceSeconds:    30,
		LatenessBoundSeconds:  300,
		SweepIntervalSeconds:  30,
		DedupRetentionMinutes: 60,
	}
}

// AlertConfig controls alert generation.
type AlertConfig struct {
	// EventRingCapacity caps the evidence events stored per alert.
	EventRingCapacity int `yaml:"event_ring_capacity"`
}

// DefaultAlertConfig returns the built-in alert defaults.
func DefaultAlertConfig() *AlertConfig {
	return &AlertConfig{EventRingCapacity: 100}
}

// DetectionConfig controls scheduled rule execution.
type DetectionConfig struct {
	// EmitOnTimeout passes partial hits to alerting when an execution hits
	// its deadline instead of discarding them.
	EmitOnTimeout bool `yaml:"emit_on_timeout"`
	// RateLimitPerRule is the sustained historical-store query rate per rule
	// (queries per second).
	RateLimitPerRule float64 `yaml:"rate_limit_per_rule"`
	// RateLimitBurst is the per-rule burst allowance.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// DefaultDetectionConfig returns the built-in detection defaults.
func DefaultDetectionConfig() *DetectionConfig {
	return &DetectionConfig{
		RateLimitPerRule: 1,
		RateLimitBurst:   2,
	}
}

// StateConfig controls correlation state persistence.
type StateConfig struct {
	// OptimisticRetries is how many version-conflict retries a state save
	// gets before the event is dead-lettered.
	OptimisticRetries int `yaml:"optimistic_retries"`
}

// DefaultStateConfig returns the built-in state defaults.
func DefaultStateConfig() *StateConfig {
	return &StateConfig{OptimisticRetries: 3}
}

// SearchConfig configures the historical store (Elasticsearch-compatible).
type SearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	// IndexPrefix names the daily event indices: <prefix>-events-YYYY.MM.DD.
	IndexPrefix           string `yaml:"index_prefix"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

func (c *SearchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// DefaultSearchConfig returns the built-in search defaults.
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		Addresses:             []string{"http://localhost:9200"},
		IndexPrefix:           "warden",
		RequestTimeoutSeconds: 30,
	}
}

// BackpressureConfig controls the consumer-lag watermark throttle.
type BackpressureConfig struct {
	// HighWatermark is the consumer lag that activates publisher throttling.
	HighWatermark int64 `yaml:"high_watermark"`
	// LowWatermark is the lag below which throttling deactivates.
	LowWatermark int64 `yaml:"low_watermark"`
	// PollMS is the lag polling cadence.
	PollMS int `yaml:"poll_ms"`
}

func (c *BackpressureConfig) Poll() time.Duration { return time.Duration(c.PollMS) * time.Millisecond }

// DefaultBackpressureConfig returns the built-in backpressure defaults.
func DefaultBackpressureConfig() *BackpressureConfig {
	return &BackpressureConfig{
		HighWatermark: 50_000,
		LowWatermark:  10_000,
		PollMS:        1000,
	}
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Port: 8080}
}

// Default returns a Config populated with every section's defaults.
func Default() *Config {
	return &Config{
		Stream:       DefaultStreamConfig(),
		Consumer:     DefaultConsumerConfig(),
		Scheduler:    DefaultSchedulerConfig(),
		Correlation:  DefaultCorrelationConfig(),
		Alert:        DefaultAlertConfig(),
		Detection:    DefaultDetectionConfig(),
		State:        DefaultStateConfig(),
		Search:       DefaultSearchConfig(),
		Backpressure: DefaultBackpressureConfig(),
		Server:       DefaultServerConfig(),
	}
}
