// Package metrics defines the Prometheus collectors of the decision pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stateflow"

// Metrics groups every collector the pipeline records into.
type Metrics struct {
	BufferEnqueued prometheus.Counter
	BufferFlushes  *prometheus.CounterVec // outcome: completed, failed
	BatchSize      prometheus.Histogram
	Decisions      *prometheus.CounterVec // verdict, route
	Validations    *prometheus.CounterVec // approved, retryable
	Rejections     *prometheus.CounterVec // check
	SkippedStates  prometheus.Counter
	ToolRuns       *prometheus.CounterVec // tool, success
	ToolDuration   *prometheus.HistogramVec
	CycleDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg when reg is non-nil.
// Unregistered collectors are still safe to use, which keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BufferEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_enqueued_total",
			Help:      "Total number of inbound messages accepted by the buffer",
		}),
		BufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Total number of batches handed to the batch handler",
		}, []string{"outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffer_batch_size",
			Help:      "Number of messages aggregated per flush",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions produced by the state decision engine",
		}, []string{"verdict", "route"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validation results produced by the decision validator",
		}, []string{"approved", "retryable"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Validator check failures by check name",
		}, []string{"check"}),
		SkippedStates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_states_total",
			Help:      "States skipped because their data was already collected",
		}),
		ToolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and outcome",
		}, []string{"tool", "success"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of tool executions",
		}, []string{"tool"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full decision cycle",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BufferEnqueued, m.BufferFlushes, m.BatchSize,
			m.Decisions, m.Validations, m.Rejections,
			m.SkippedStates, m.ToolRuns, m.ToolDuration, m.CycleDuration,
		)
	}
	return m
}

// OrNew returns m, or a fresh unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
