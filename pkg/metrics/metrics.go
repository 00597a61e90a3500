package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent lifecycle metrics
	AgentUnreachableScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_agent_unreachable_scheduled_total",
			Help: "Number of agents scheduled to be marked unreachable",
		},
	)

	AgentUnreachableCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_agent_unreachable_completed_total",
			Help: "Number of agents whose unreachable transition durably completed",
		},
	)

	AgentRemovals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_agent_removals_total",
			Help: "Total number of agent removals",
		},
	)

	AgentRemovalsByReason = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_agent_removals_by_reason_total",
			Help: "Agent removals broken down by reason",
		},
		[]string{"reason"},
	)

	// Task metrics
	TasksLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_tasks_lost_total",
			Help: "Number of tasks marked lost",
		},
	)

	TasksUnreachable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_tasks_unreachable_total",
			Help: "Number of tasks marked unreachable",
		},
	)

	// Cluster gauges
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "castellan_agents_total",
			Help: "Total number of agents by admission state",
		},
		[]string{"state"},
	)

	FrameworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "castellan_frameworks_total",
			Help: "Total number of frameworks by connection state",
		},
		[]string{"state"},
	)

	// Registry metrics
	RegistryWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_registry_write_failures_total",
			Help: "Number of failed durable registry writes",
		},
	)

	RegistryWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castellan_registry_write_duration_seconds",
			Help:    "Durable registry write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(AgentUnreachableScheduled)
	prometheus.MustRegister(AgentUnreachableCompleted)
	prometheus.MustRegister(AgentRemovals)
	prometheus.MustRegister(AgentRemovalsByReason)
	prometheus.MustRegister(TasksLost)
	prometheus.MustRegister(TasksUnreachable)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(FrameworksTotal)
	prometheus.MustRegister(RegistryWriteFailures)
	prometheus.MustRegister(RegistryWriteDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
