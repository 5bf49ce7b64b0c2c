// Package telemetry registers the prometheus metrics shared by the DQE, SRI
// and HRQ subsystems. Each subsystem owns its metric *instances* (so tests
// can construct independent registries); this package only defines the
// shapes and a constructor that wires them into a given prometheus.Registerer.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// DQEMetrics tracks task-graph construction and shard-proposal outcomes.
type DQEMetrics struct {
	TasksPerRequest   prometheus.Histogram
	AffectedShards    prometheus.Histogram
	ShardTransitions  *prometheus.CounterVec // labels: from, to
	ResultBytes       prometheus.Histogram
	ReattachAttempts  prometheus.Counter
	Failures          *prometheus.CounterVec // label: code
}

// NewDQEMetrics creates and registers DQE metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid collisions with other subsystems.
func NewDQEMetrics(reg prometheus.Registerer) *DQEMetrics {
	m := &DQEMetrics{
		TasksPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridge_dqe_tasks_per_request",
			Help:    "Number of tasks created per ExecutionRequest.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		AffectedShards: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridge_dqe_affected_shards",
			Help:    "Number of shards affected per ExecutionRequest.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		ShardTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridge_dqe_shard_state_transitions_total",
			Help: "Count of ShardState transitions by from/to state.",
		}, []string{"from", "to"}),
		ResultBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ridge_dqe_result_bytes",
			Help:    "Serialized response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		ReattachAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_dqe_reattach_attempts_total",
			Help: "Count of reattach attempts across all shards.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridge_dqe_failures_total",
			Help: "Count of ExecutionRequest failures by status code.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksPerRequest, m.AffectedShards, m.ShardTransitions, m.ResultBytes, m.ReattachAttempts, m.Failures)
	}
	return m
}

// SRIMetrics tracks per-shard read-iterator throughput and back-pressure.
type SRIMetrics struct {
	RowsServed        prometheus.Counter
	BytesServed       prometheus.Counter
	QuotaExhausted    prometheus.Counter
	ActiveIterators   prometheus.Gauge
	LockBreaks        prometheus.Counter
}

func NewSRIMetrics(reg prometheus.Registerer) *SRIMetrics {
	m := &SRIMetrics{
		RowsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_sri_rows_served_total",
			Help: "Total rows served across all read iterators.",
		}),
		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_sri_bytes_served_total",
			Help: "Total result bytes served across all read iterators.",
		}),
		QuotaExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_sri_quota_exhausted_total",
			Help: "Count of transitions into the Exhausted state.",
		}),
		ActiveIterators: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ridge_sri_active_iterators",
			Help: "Number of currently open read iterators.",
		}),
		LockBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_sri_lock_breaks_total",
			Help: "Count of optimistic locks observed broken.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RowsServed, m.BytesServed, m.QuotaExhausted, m.ActiveIterators, m.LockBreaks)
	}
	return m
}

// HRQMetrics tracks token issuance and billing activity.
type HRQMetrics struct {
	TokensIssued  *prometheus.CounterVec // label: resource_path
	BillingEvents prometheus.Counter
	ActiveSessions prometheus.Gauge
}

func NewHRQMetrics(reg prometheus.Registerer) *HRQMetrics {
	m := &HRQMetrics{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridge_hrq_tokens_issued_total",
			Help: "Tokens issued per resource path.",
		}, []string{"resource_path"}),
		BillingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridge_hrq_billing_events_total",
			Help: "Count of billing reports sent to the billing sink.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ridge_hrq_active_sessions",
			Help: "Number of currently active sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TokensIssued, m.BillingEvents, m.ActiveSessions)
	}
	return m
}
