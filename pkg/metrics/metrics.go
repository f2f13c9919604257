package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overnode_nodes_total",
			Help: "Total number of registered nodes by membership state",
		},
		[]string{"state"},
	)

	MembershipVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "overnode_membership_version",
			Help: "Current version of the membership table",
		},
	)

	JoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overnode_joins_total",
			Help: "Join attempts handled by the registry by result",
		},
		[]string{"result"},
	)

	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overnode_runs_total",
			Help: "Total number of rollout runs by final state",
		},
		[]string{"state"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overnode_run_duration_seconds",
			Help:    "Duration of rollout runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	WavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overnode_waves_total",
			Help: "Total number of executed waves by result",
		},
		[]string{"result"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overnode_operations_total",
			Help: "Total number of container operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	PlannedOperations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overnode_planned_operations",
			Help: "Operations produced by the last plan by kind",
		},
		[]string{"kind"},
	)

	HealthPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overnode_health_polls_total",
			Help: "Health polls issued during wave verification by reported state",
		},
		[]string{"state"},
	)

	ObserveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overnode_observe_duration_seconds",
			Help:    "Time taken to observe all nodes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UnreachableDuringObserve = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "overnode_observe_unreachable_total",
			Help: "Nodes that did not answer an observe pass",
		},
	)

	// Lease metrics
	LeaseConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "overnode_lease_conflicts_total",
			Help: "Run leases rejected because another run holds the project",
		},
	)

	// Agent API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overnode_agent_requests_total",
			Help: "Total number of agent API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overnode_agent_request_duration_seconds",
			Help:    "Agent API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(MembershipVersion)
	prometheus.MustRegister(JoinsTotal)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(WavesTotal)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(PlannedOperations)
	prometheus.MustRegister(HealthPollsTotal)
	prometheus.MustRegister(ObserveDuration)
	prometheus.MustRegister(UnreachableDuringObserve)
	prometheus.MustRegister(LeaseConflictsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vector
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
