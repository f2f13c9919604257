/*
Package events provides an in-memory event broker for rollout and membership
notifications.

The rollout orchestrator publishes run, wave and operation events as a run
progresses; each event carries the project, run id, version and, where it
applies, the wave and the operation. The node registry publishes membership
changes carrying the node id. A subscriber may ask for a subset of event
types. Delivery is buffered per subscriber and a full subscriber misses
events rather than blocking the broker; Dropped counts what was missed.

Follow is the usual consumer. It logs each event with its fields, at warn
level for aborted or rejected runs, failed operations and unreachable nodes:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	stop := events.Follow(broker, log.WithComponent("registry"), events.MembershipEvents...)
	defer stop()

Events are not persisted. The convergence record in the state store is the
durable source of truth for what was applied.
*/
package events
