// Package metrics provides Prometheus instrumentation for detflow components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for detflow components.
type Registry struct {
	// Scheduler Metrics
	Ticks           *prometheus.CounterVec
	TickDuration    *prometheus.HistogramVec
	Violations      *prometheus.CounterVec
	TasksAdded      *prometheus.CounterVec
	TasksCompleted  *prometheus.CounterVec
	TasksFailed     *prometheus.CounterVec
	WaitersResolved *prometheus.CounterVec
	TasksTracked    *prometheus.GaugeVec
	WaitersPending  *prometheus.GaugeVec

	// Bridge Metrics
	BridgedCalls    *prometheus.CounterVec
	BridgedFailures *prometheus.CounterVec
	BridgedDuration *prometheus.HistogramVec

	// Worker Pool Metrics
	WorkerPoolSize   *prometheus.GaugeVec
	WorkerPoolActive *prometheus.GaugeVec
	WorkerPoolQueued *prometheus.GaugeVec
	PoolTasksRun     *prometheus.CounterVec

	// Driver Metrics
	DriverResumes *prometheus.CounterVec
}

// DefaultRegistry is the default metrics registry used by detflow components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithNamespace(reg, "detflow")
}

// NewRegistryWithNamespace is NewRegistry with a custom metric namespace.
func NewRegistryWithNamespace(reg prometheus.Registerer, namespace string) *Registry {
	if namespace == "" {
		namespace = "detflow"
	}
	factory := promauto.With(reg)

	return &Registry{
		// Scheduler Metrics
		Ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Total number of scheduler ticks",
			},
			[]string{"scheduler_name"},
		),

		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Time spent driving tasks within one tick",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheduler_name"},
		),

		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "violations_total",
				Help:      "Total number of ticks that ended with a runnable task",
			},
			[]string{"scheduler_name"},
		),

		TasksAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks_added_total",
				Help:      "Total number of tasks added to schedulers",
			},
			[]string{"scheduler_name", "kind"},
		),

		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks that finished successfully",
			},
			[]string{"scheduler_name"},
		),

		TasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that finished with an error",
			},
			[]string{"scheduler_name"},
		),

		WaitersResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "waiters_resolved_total",
				Help:      "Total number of waiters woken at the start of a tick",
			},
			[]string{"scheduler_name"},
		),

		TasksTracked: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks_tracked",
				Help:      "Number of tasks tracked by the scheduler",
			},
			[]string{"scheduler_name"},
		),

		WaitersPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "waiters_pending",
				Help:      "Number of waiters pending resolution by the next tick",
			},
			[]string{"scheduler_name"},
		),

		// Bridge Metrics
		BridgedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "calls_total",
				Help:      "Total number of blocking calls bridged to a worker pool",
			},
			[]string{"bridge_name"},
		),

		BridgedFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "failures_total",
				Help:      "Total number of bridged calls that resolved with an error",
			},
			[]string{"bridge_name"},
		),

		BridgedDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "call_duration_seconds",
				Help:      "Time from submission until a bridged call resolved",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"bridge_name"},
		),

		// Worker Pool Metrics
		WorkerPoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "size",
				Help:      "Current worker pool size",
			},
			[]string{"pool_name"},
		),

		WorkerPoolActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "active_workers",
				Help:      "Number of active workers",
			},
			[]string{"pool_name"},
		),

		WorkerPoolQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "queued_tasks",
				Help:      "Number of queued tasks",
			},
			[]string{"pool_name"},
		),

		PoolTasksRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "tasks_run_total",
				Help:      "Total number of tasks run by workers, by outcome",
			},
			[]string{"pool_name", "outcome"},
		),

		// Driver Metrics
		DriverResumes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "resumes_total",
				Help:      "Total number of resumes issued by cron-paced drivers",
			},
			[]string{"driver_name"},
		),
	}
}
