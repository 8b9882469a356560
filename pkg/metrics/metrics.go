// Package metrics defines warden's Prometheus collectors. A single Metrics
// value is built at startup and handed to each component; nothing registers
// against the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline reports to.
type Metrics struct {
	// Buffer.
	EventsPublished *prometheus.CounterVec // stream
	EventsDropped   *prometheus.CounterVec // reason: stream_full | backpressure
	EventsConsumed  *prometheus.CounterVec // group
	DeadLetters     *prometheus.CounterVec // source stream
	ConsumerLag     *prometheus.GaugeVec   // group
	ThrottleActive  prometheus.Gauge

	// Consumer outcome dispatch.
	ConsumerOutcomes *prometheus.CounterVec // group, outcome: ok | drop | retry | dead_letter

	// Detection.
	RuleExecutions       *prometheus.CounterVec // status
	RuleExecutionSeconds prometheus.Histogram
	RulesDegraded        prometheus.Gauge

	// Correlation.
	WindowsOpened     prometheus.Counter
	WindowsCompleted  prometheus.Counter
	WindowsExpired    prometheus.Counter
	StateConflicts    prometheus.Counter
	PredicateFailures prometheus.Counter
	LateEvents        prometheus.Counter
	ShardDepth        *prometheus.GaugeVec // shard

	// Alerting.
	Alerts *prometheus.CounterVec // kind: created | updated | status_changed

	// Indexing.
	EventsIndexed prometheus.Counter
}

// New builds and registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_published_total",
			Help: "Events accepted onto a stream.",
		}, []string{"stream"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_dropped_total",
			Help: "Publishes refused, by reason.",
		}, []string{"reason"}),
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_consumed_total",
			Help: "Entries delivered to a consumer group.",
		}, []string{"group"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dead_letters_total",
			Help: "Entries moved to the dead letter stream.",
		}, []string{"source"}),
		ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_consumer_lag",
			Help: "Undelivered entries per consumer group.",
		}, []string{"group"}),
		ThrottleActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_backpressure_active",
			Help: "1 while consumer lag throttling is active.",
		}),
		ConsumerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_consumer_outcomes_total",
			Help: "Per-entry processing outcomes.",
		}, []string{"group", "outcome"}),
		RuleExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_rule_executions_total",
			Help: "Scheduled rule executions by terminal status.",
		}, []string{"status"}),
		RuleExecutionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_rule_execution_seconds",
			Help:    "Scheduled rule execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RulesDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_rules_degraded",
			Help: "Rules currently flagged degraded.",
		}),
		WindowsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_correlation_windows_opened_total",
			Help: "Correlation windows opened.",
		}),
		WindowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_correlation_windows_completed_total",
			Help: "Correlation windows completed with a full sequence match.",
		}),
		WindowsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_correlation_windows_expired_total",
			Help: "Correlation windows expired without completing.",
		}),
		StateConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_correlation_state_conflicts_total",
			Help: "Optimistic concurrency conflicts on state saves.",
		}),
		PredicateFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_predicate_failures_total",
			Help: "Stage predicate evaluation errors (events dead-lettered).",
		}),
		LateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_correlation_late_events_total",
			Help: "In-window events that arrived after their window closed.",
		}),
		ShardDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_correlation_shard_depth",
			Help: "Queued tasks per correlation shard.",
		}, []string{"shard"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_total",
			Help: "Alert mutations by kind.",
		}, []string{"kind"}),
		EventsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_events_indexed_total",
			Help: "Events bulk-written to the historical store.",
		}),
	}
}

// NewForTest builds Metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
