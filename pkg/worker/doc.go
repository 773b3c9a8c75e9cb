/*
Package worker implements the per-machine sandbox daemon.

A worker owns a local map of sandboxes and ticks it every 50ms, checking
each sandbox's idle time or time-in-state against its application's
keep_alive/exec_time parameters, and asking the controller's GetDecision
RPC what to do with anything that's gone idle. It also answers the
controller's Spawn/Restart/Restore/Purge/Terminate RPCs directly, for the
request-triggered side of the same state machine.

# State machine

Sandboxes move between Running, Warm, Base, Dedup, Dummy and Purge. Dummy
is the ephemeral "a decision is in flight" state: nothing outside the
worker goroutine that owns a transition may observe a sandbox resting
there for long. Base is sticky (rarely reconsidered, 6x the normal idle
threshold); Dedup pages have been patched against a remote base and need
their memory pulled back before the sandbox can run again.

# Checkpoint/restore exclusion

Checkpoint and restore both go through a single named-pipe helper process
(pkg/worker/pipe.go), with one mutex held across both pipes, so at most one
checkpoint or restore is ever in flight per worker. A sandbox purged while
a restore helper is parked has that helper's pid killed before the runtime
force-removes it.

# Dedup pipeline

becomeBase and becomeDedup (pkg/worker/dedup.go) compute page fingerprints
with pkg/fingerprint, resolve matches through the controller's registry
RPCs, pull matched pages with pkg/memxfer, and encode/decode deltas with
pkg/delta. The patch file is a flat stream of per-page records in page-id
order: either a PAGE_SIZE verbatim copy or a raw delta, with no length
prefix in the file; each delta's length is kept in the sandbox's in-memory
page map.
*/
package worker
