/*
Package log provides structured logging for the Overnode engine using zerolog.

A single global Logger is configured once by Init, usually from the CLI after
the engine configuration is loaded. Components derive child loggers that carry
their context so every line can be filtered later:

	logger := log.WithComponent("rollout")
	logger.Info().Int("wave", 2).Msg("wave verified")

	runLog := log.WithRunID("shop", runID)
	runLog.Warn().Str("service", "web").Msg("health check pending")

Console output is the default for interactive use; JSON output is meant for
agents running under a supervisor that ships logs elsewhere.

# Levels

	debug  per-operation and per-poll detail
	info   run, wave and membership transitions
	warn   degraded placement, unreachable nodes, retries
	error  aborted runs and failed operations

ParseLevel accepts the names above case-insensitively and falls back to info.
*/
package log
