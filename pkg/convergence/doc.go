// Package convergence guards rollouts with a per-project run lease and
// records the last version each project converged to.
//
// A run acquires the lease for version N with BeginRun, renews it before each
// wave, and either commits it (CommitRun, which stores the record and the
// desired state and releases the lease in one step) or aborts it. Versions
// strictly increase per project. A lease that outlives its TTL without
// renewal is taken over by the next BeginRun.
package convergence
