/*
Package metrics defines the Prometheus metrics of the Overnode engine and the
agent's HTTP status surface.

All collectors are package-level variables registered with the default
registry in init, so any package can record into them without wiring:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RunDuration)
	metrics.OperationsTotal.WithLabelValues("create", "applied").Inc()

# Metric families

	overnode_nodes_total{state}                 registered nodes per membership state
	overnode_membership_version                 version of the membership table
	overnode_joins_total{result}                join attempts seen by the registry
	overnode_runs_total{state}                  runs by final state
	overnode_run_duration_seconds               run duration
	overnode_waves_total{result}                executed waves
	overnode_operations_total{kind,result}      container operations
	overnode_planned_operations{kind}           size of the last plan
	overnode_health_polls_total{state}          verification polls
	overnode_observe_duration_seconds           observe pass duration
	overnode_observe_unreachable_total          nodes missing from observe passes
	overnode_lease_conflicts_total              rejected run leases
	overnode_agent_requests_total{method,status}
	overnode_agent_request_duration_seconds{method}

# Status endpoints

StatusBoard tracks named agent components (state store, runtime, heartbeat)
and serves /health, /ready and /metrics. Readiness only considers the
components passed to NewStatusBoard as critical.
*/
package metrics
