/*
Package runtime is the container runtime capability the engine drives on each
node.

Driver exposes Create, Start, Stop, Remove, Inspect and HealthOf. Two
implementations exist:

  - ContainerdDriver talks to containerd in the "overnode" namespace. Each
    service has at most one container per node, named <project>_<service>.
  - MemoryDriver keeps containers in process. It backs the agent's memory
    runtime and the package tests of the engine.

Managed containers carry labels that make the observed state self-describing:

	org.overnode.project      project id
	org.overnode.service      service name
	org.overnode.fingerprint  configuration fingerprint the container was created from
	org.overnode.retain       "true" keeps the container when the service is removed
	org.overnode.healthcheck  JSON health check definition
	org.overnode.networks     JSON list of network attachments

Inspect reads these labels back, so planning never depends on local memory of
what was created. Named volumes are host directories under the volumes
directory, one per <project>_<volume>.
*/
package runtime
