/*
Package log provides structured logging for the dedup scheduler using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level for production debugging.

# Usage

Initializing the logger:

	import "github.com/cuemby/dedupd/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Int("container_id", 42).Msg("spawned sandbox")

	workerLog := log.WithComponent("worker").
		With().Int("machine_id", 3).Logger()
	workerLog.Warn().Msg("idle watcher purging sandbox")

Context helpers:

	machLog := log.WithMachineID(log.WithComponent("memxfer"), 3)
	machLog.Info().Msg("machine joined")

	sLog := log.WithContainerID(workerLog, 42)
	sLog.Error().Err(err).Msg("spawn rpc failed")

	reqLog := log.WithTraceID(schedLog, traceID)
	reqLog.Debug().Msg("cold spawn failed, backing off")

# Integration points

  - pkg/controller: logs scheduling decisions and decision-policy outcomes
  - pkg/worker: logs state-machine transitions and checkpoint/restore sequencing
  - pkg/memxfer: logs region registration, broadcast acks, backpressure

pkg/rpc and pkg/api do not log; eviction in pkg/controller is counted
but not logged.

# Conventions

Use Info for state transitions and scheduling decisions, Debug for
per-tick polling detail, Warn for retried failures, Error for failures
that change a sandbox's resting state (purge, blacklist). Never log page
contents or patch-file bytes.
*/
package log
