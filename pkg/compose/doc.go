/*
Package compose turns a project directory into a desired state.

A project is described by overnode.yml:

	id: shop
	version: "3.7"
	nodes: [1, 2, 3]
	env_file: .env
	stacks:
	  - path: stacks/db
	    placement: [1]
	  - git: https://github.com/acme/stacks.git
	    ref: v1.2.0
	    path: monitoring
	    placement: all
	overrides:
	  - overnode.override.yml
	services:
	  proxy:
	    image: traefik:2.10

Every referenced compose file becomes a Fragment. Stack files may include
further files through a top-level `x-overnode: {include: [...]}` block and
services carry engine settings under `x-overnode` (layer, placement,
retain, healthcheck).

Merge combines fragments deterministically: the base first, included
stacks depth first, overrides last. The result is validated as a whole and
stamped with the sha256 digest of its canonical JSON encoding.
*/
package compose
