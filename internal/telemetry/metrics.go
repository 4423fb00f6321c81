package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/anvilhq/anvil/internal/httpserver"
)

var AssignmentsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "assignment",
		Name:      "dispatched_total",
		Help:      "Total number of assignments dispatched, by queue.",
	},
	[]string{"queue_id"},
)

var AssignmentDispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "anvil",
		Subsystem: "assignment",
		Name:      "dispatch_duration_seconds",
		Help:      "dispatch_next call latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"queue_id"},
)

var LabelsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "label",
		Name:      "submitted_total",
		Help:      "Total number of labels submitted, by queue.",
	},
	[]string{"queue_id"},
)

var AssignmentsExpiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "assignment",
		Name:      "expired_total",
		Help:      "Total number of assignments expired by the timeout reclaimer.",
	},
	[]string{"queue_id"},
)

var AssignmentsRequeuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "assignment",
		Name:      "requeued_total",
		Help:      "Total number of expired assignments requeued.",
	},
	[]string{"queue_id"},
)

var AssignmentsEscalatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "assignment",
		Name:      "escalated_total",
		Help:      "Total number of assignments escalated (archived past max requeue attempts).",
	},
	[]string{"queue_id"},
)

var AgreementLowScoreTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "agreement",
		Name:      "low_score_total",
		Help:      "Total number of agreement computations that fell below the configured threshold.",
	},
	[]string{"queue_id", "dimension"},
)

var ExportRowsWrittenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "export",
		Name:      "rows_written_total",
		Help:      "Total number of rows written across exports, by format.",
	},
	[]string{"format"},
)

var SampleProviderBreakerOpenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "anvil",
		Subsystem: "sample_provider",
		Name:      "breaker_open_total",
		Help:      "Total number of times the remote sample provider's circuit breaker opened.",
	},
)

// All returns all Anvil-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		AssignmentsDispatchedTotal,
		AssignmentDispatchDuration,
		LabelsSubmittedTotal,
		AssignmentsExpiredTotal,
		AssignmentsRequeuedTotal,
		AssignmentsEscalatedTotal,
		AgreementLowScoreTotal,
		ExportRowsWrittenTotal,
		SampleProviderBreakerOpenTotal,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors, the
// ambient HTTP request-duration histogram, and the Anvil domain metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(httpserver.RequestDuration)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
