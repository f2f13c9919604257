/*
Package health probes service containers and tracks their health.

A service's health check (http or tcp) becomes a Checker through NewChecker.
The runtime driver runs one probe per HealthOf call and feeds the result to a
Tracker, which turns the run of results into a health state:

	unknown    no probe has passed yet and retries are not exhausted
	healthy    the last probe passed, or failures since are below Retries
	unhealthy  Retries consecutive probes failed

The rollout orchestrator polls HealthOf with backoff, so the probe cadence is
set by the poller rather than by a background loop here.
*/
package health
