/*
Package agent runs the per-node overnode process.

Every node serves its container runtime over the agent API so the engine
can observe and apply operations remotely. One node, the registry host,
also serves the membership table and the per-project run leases from its
bolt store, optionally replicated to voter nodes through raft.

On start the registry host admits itself; every other node presents the
cluster token to its seeds in order through JoinCluster. Afterwards each
node heartbeats on a fixed interval and the registry host sweeps nodes
that stop heartbeating to unreachable. Nodes are never forgotten
automatically.

	cfg, _ := config.Load("")
	a, err := agent.New(cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
*/
package agent
