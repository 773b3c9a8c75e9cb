package worker

import "errors"

// ErrHelperFailure is returned when the checkpoint/restore helper process
// reports anything other than "ok" on its ack pipe.
var ErrHelperFailure = errors.New("worker: helper reported failure")

// ErrUnknownSandbox is returned by the RPC handlers when SandboxID does not
// name a sandbox this worker currently tracks.
var ErrUnknownSandbox = errors.New("worker: unknown sandbox")
