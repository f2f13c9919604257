/*
Package planner computes the operations that move a project's containers
from an observation to its desired state.

For every service and every live node its placement selects:

	no container                       -> create
	fingerprint differs                -> recreate
	fingerprint equal, not running     -> start
	fingerprint equal, running         -> no-op

Managed containers that no longer match any desired instance are stopped
and removed in a trailing cleanup layer unless they carry the retain label.

Nodes that are registered but did not answer the observe pass get no
operations at all; their desired instances are reported as blocked. A
fingerprint covers the normalized image, environment, volumes, networks,
network mode and command, so equivalent specs never cause churn.
*/
package planner
