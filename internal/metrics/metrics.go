// Package metrics exposes the Prometheus instrumentation shared by the
// orchestrator, worker, and reaper binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts executions reaching a terminal status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "executions_total",
			Help:      "Total number of executions by final status",
		},
		[]string{"status"}, // COMPLETED, FAILED
	)

	// ExecutionsActive tracks currently running executions.
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dagflow",
			Name:      "executions_active",
			Help:      "Number of executions currently in RUNNING status",
		},
	)

	// NodesDispatchedTotal counts task messages published by the orchestrator.
	NodesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "nodes_dispatched_total",
			Help:      "Total number of task messages published",
		},
		[]string{"handler"},
	)

	// EvaluationDuration tracks the orchestrator evaluation transaction's
	// latency, per step outcome.
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dagflow",
			Subsystem: "orchestrator",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one completion-evaluation transaction",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"}, // dispatched, no_op, skipped, duplicate, failed
	)

	// NodesCompletedTotal counts node completions by final node status.
	NodesCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "nodes_completed_total",
			Help:      "Total number of node completions by status",
		},
		[]string{"handler", "status"}, // COMPLETED, FAILED
	)

	// HandlerDuration tracks handler execution latency.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	// RetriesTotal counts retry republications by error category.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Total number of task retries by error category",
		},
		[]string{"handler", "category"},
	)

	// DeadLetterTotal counts entries written to the dead-letter store.
	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "dead_letter_total",
			Help:      "Total number of dead-letter entries created",
		},
		[]string{"handler", "category"},
	)

	// CircuitBreakerState reports each handler's breaker state as a gauge:
	// 0=CLOSED, 1=HALF_OPEN, 2=OPEN.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per handler (0=closed,1=half_open,2=open)",
		},
		[]string{"handler"},
	)

	// ReaperReclaimedTotal counts messages the reaper took ownership of.
	ReaperReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "reaper",
			Name:      "reclaimed_total",
			Help:      "Total number of messages reclaimed from stalled consumers",
		},
		[]string{"stream"},
	)

	// ReaperPoisonedTotal counts messages the reaper routed to dead-letter
	// instead of reclaiming, because their retry count already exceeded cap.
	ReaperPoisonedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "reaper",
			Name:      "poisoned_total",
			Help:      "Total number of reclaimed messages routed to dead-letter",
		},
		[]string{"stream"},
	)

	// StateStoreOperations counts façade operations by result.
	StateStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "statestore_operations_total",
			Help:      "Total number of state store façade operations",
		},
		[]string{"operation", "result"},
	)
)

// CircuitStateValue converts a breaker state name to the numeric gauge value
// CircuitBreakerState expects.
func CircuitStateValue(state string) float64 {
	switch state {
	case "CLOSED":
		return 0
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return -1
	}
}
