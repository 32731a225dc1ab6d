// Package metrics provides Prometheus instrumentation for detflow components.
//
// Components record into a Registry: a bundle of labelled vectors created
// through promauto against a caller-supplied prometheus.Registerer. Each
// component instance is distinguished by a name label (scheduler_name,
// bridge_name, pool_name, driver_name).
//
// # Quick Start
//
// Enable metrics through a component's Config:
//
//	reg := prometheus.NewRegistry()
//	s := scheduler.NewWithConfig(scheduler.Config{
//		Name:    "orders",
//		Metrics: metrics.Config{Enabled: true, Registry: reg},
//	})
//
// Then expose them via HTTP:
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Scheduler Metrics
//
//   - detflow_scheduler_ticks_total
//   - detflow_scheduler_tick_duration_seconds
//   - detflow_scheduler_violations_total
//   - detflow_scheduler_tasks_added_total{kind="cooperative|bridged"}
//   - detflow_scheduler_tasks_completed_total / tasks_failed_total
//   - detflow_scheduler_waiters_resolved_total, waiters_pending, tasks_tracked
//
// # Bridge and Worker Pool Metrics
//
//   - detflow_bridge_calls_total, failures_total, call_duration_seconds
//   - detflow_workerpool_size, active_workers, queued_tasks
//   - detflow_workerpool_tasks_run_total{outcome="ok|error|panic"}
//
// Registering two Registries against the same Registerer panics with a
// duplicate registration error; use one Registry per Registerer, or the
// shared DefaultRegistry.
package metrics
