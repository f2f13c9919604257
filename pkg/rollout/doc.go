/*
Package rollout applies a plan to the cluster in verified waves.

BuildWaves groups the plan's changes by layer, then into batches of nodes.
The Orchestrator drives one run through the state machine

	planning -> wave-executing -> wave-verifying -> ... -> completed
	                                              \-> aborted
	planning -> conflict-rejected | failed

holding the project's run lease from the convergence coordinator for the
whole run and renewing it before every wave. A wave is verified by polling
the health of every container it created, recreated or started. The first
wave with a failed or unhealthy operation aborts the run; later waves are
reported as not attempted and nothing is committed.

Errors never escape Run. The returned RunReport states the outcome
(nothing, partially or fully applied), the wave the run stopped at, and
the status of every (node, service) pair the plan touched.
*/
package rollout
