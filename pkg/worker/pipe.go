package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// PipeHelper drives the checkpoint/restore helper process through two named
// pipes: one for checkpoint/dump requests, one for restore requests. A
// single exclusion mutex spans both pipes, held for the duration of exactly
// one request/response round trip, guaranteeing at most one checkpoint/
// restore helper invocation per worker at a time — the helper behind both
// FIFOs is one process and cannot service a dump and a restore together.
//
// A request is the line "cont<id>\n" written to the request pipe; the
// response is one line read back from a companion ack pipe at the same
// path plus ".ack", either "ok", "ok <pid>", or "ok <clonedPid> <rootPid>"
// (restore reports the pair of helper pids CRIU forked while resuming in
// restore-paused mode, for later kill-on-purge) or "err <reason>".
type PipeHelper struct {
	dumpPipe    string
	restorePipe string

	// helperMu serializes every write to either pipe: the helper process
	// behind both FIFOs is the same single process, so a checkpoint and a
	// restore must never be in flight together regardless of which named
	// pipe each uses.
	helperMu sync.Mutex
}

// NewPipeHelper wires a helper against the two well-known FIFO paths.
func NewPipeHelper(dumpPipe, restorePipe string) *PipeHelper {
	return &PipeHelper{dumpPipe: dumpPipe, restorePipe: restorePipe}
}

// Dump signals the helper to checkpoint sandboxID to disk, blocking until
// the helper acknowledges completion.
func (h *PipeHelper) Dump(ctx context.Context, sandboxID int) error {
	h.helperMu.Lock()
	defer h.helperMu.Unlock()
	_, err := roundTrip(ctx, h.dumpPipe, sandboxID)
	return err
}

// Restore signals the helper to resume sandboxID from its dump/patch files
// in "restore-paused" mode, returning the pair of helper pids CRIU forked
// for the restore — a cloned process and the root task it execs into — so
// the worker can kill both if the sandbox is purged before it ever resumes.
// Either pid is 0 if the helper's ack didn't report it.
func (h *PipeHelper) Restore(ctx context.Context, sandboxID int) (clonedPID, rootPID int, err error) {
	h.helperMu.Lock()
	defer h.helperMu.Unlock()
	pids, err := roundTrip(ctx, h.restorePipe, sandboxID)
	if err != nil {
		return 0, 0, err
	}
	if len(pids) > 0 {
		clonedPID = pids[0]
	}
	if len(pids) > 1 {
		rootPID = pids[1]
	}
	return clonedPID, rootPID, nil
}

func roundTrip(ctx context.Context, pipePath string, sandboxID int) ([]int, error) {
	req, err := os.OpenFile(pipePath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("worker: open request pipe %s: %w", pipePath, err)
	}
	_, werr := fmt.Fprintf(req, "cont%d\n", sandboxID)
	req.Close()
	if werr != nil {
		return nil, fmt.Errorf("worker: write request pipe %s: %w", pipePath, werr)
	}

	ack, err := os.Open(pipePath + ".ack")
	if err != nil {
		return nil, fmt.Errorf("worker: open ack pipe %s.ack: %w", pipePath, err)
	}
	defer ack.Close()

	line, err := bufio.NewReader(ack).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("worker: read ack from %s.ack: %w", pipePath, err)
	}
	line = strings.TrimSpace(line)

	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "ok" {
		return nil, fmt.Errorf("%w: helper reported %q", ErrHelperFailure, line)
	}
	pids := make([]int, 0, len(fields)-1)
	for _, f := range fields[1:] {
		pid, _ := strconv.Atoi(f)
		pids = append(pids, pid)
	}
	return pids, nil
}
