/*
Package client is the engine's side of the agent API.

A Client talks to one agent and implements the interfaces the engine
consumes: runtime.Driver for the node's containers, convergence.Coordinator
for the run lease, and rollout.NodeLister for the membership when the agent
hosts the registry. A Pool keeps one client per agent address and serves as
the observer's and executor's Dialer:

	host, err := client.New(registryAddr, token)
	pool := client.NewPool(token)
	defer pool.Close()

	o := rollout.New(rollout.Config{
		Coordinator: host,
		Nodes:       host,
		Dialer:      pool,
	})
	report := o.Run(ctx, desired)

Calls without a deadline get DefaultTimeout. Errors come back as the
errdefs types the agent returned; an agent that cannot be reached yields a
NetworkError.
*/
package client
