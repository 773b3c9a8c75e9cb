package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHelper emulates the external checkpoint/restore helper process: it
// reads "cont<id>" requests off either named pipe, serially (a real helper
// is a single process that can only do one thing at a time), and answers
// on the matching ack pipe. It records an enter/exit marker pair for every
// request it serves, the same way scenario S7 observes exclusion via
// logged acquire/release markers.
type fakeHelper struct {
	mu      sync.Mutex
	markers []string

	// ack is the line written back on every request, e.g. "ok" or
	// "ok 111 222" to emulate a restore reporting its pid pair. Empty
	// defaults to "ok".
	ack string
}

func (h *fakeHelper) serve(pipePath, tag string) {
	req, err := os.OpenFile(pipePath, os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer req.Close()
	ack, err := os.OpenFile(pipePath+".ack", os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer ack.Close()

	reply := h.ack
	if reply == "" {
		reply = "ok"
	}

	scanner := bufio.NewScanner(req)
	for scanner.Scan() {
		h.mu.Lock()
		h.markers = append(h.markers, tag+":enter")
		h.mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		h.mu.Lock()
		h.markers = append(h.markers, tag+":exit")
		h.mu.Unlock()

		fmt.Fprintf(ack, "%s\n", reply)
	}
}

func mkfifoPair(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, syscall.Mkfifo(path, 0600))
	require.NoError(t, syscall.Mkfifo(path+".ack", 0600))
}

// TestPipeHelperSerializesDumpAndRestore reproduces scenario S7: concurrent
// BASE (dump) and DEDUP (restore) decisions on different sandboxes on the
// same worker must result in exactly-serialized helper invocations, never
// overlapping.
func TestPipeHelperSerializesDumpAndRestore(t *testing.T) {
	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "dump")
	restorePath := filepath.Join(dir, "restore")
	mkfifoPair(t, dumpPath)
	mkfifoPair(t, restorePath)

	helper := &fakeHelper{}
	go helper.serve(dumpPath, "dump")
	go helper.serve(restorePath, "restore")

	h := NewPipeHelper(dumpPath, restorePath)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, h.Dump(context.Background(), 1))
	}()
	go func() {
		defer wg.Done()
		_, _, err := h.Restore(context.Background(), 2)
		require.NoError(t, err)
	}()
	wg.Wait()

	helper.mu.Lock()
	defer helper.mu.Unlock()
	require.Len(t, helper.markers, 4)
	// Exclusion means every "enter" is immediately followed by its own
	// "exit" before the other invocation's "enter" appears.
	for i := 0; i < len(helper.markers); i += 2 {
		enter := helper.markers[i]
		exit := helper.markers[i+1]
		tag := enter[:len(enter)-len("enter")]
		require.Equal(t, tag+"exit", exit, "helper invocations overlapped: %v", helper.markers)
	}
}

// TestPipeHelperRestoreReturnsBothPIDs covers the CRIU restore-paused ack
// carrying a cloned-helper pid and a root-task pid, both of which the
// worker must remember so a purge mid-restore can kill either one.
func TestPipeHelperRestoreReturnsBothPIDs(t *testing.T) {
	dir := t.TempDir()
	restorePath := filepath.Join(dir, "restore")
	mkfifoPair(t, restorePath)

	helper := &fakeHelper{ack: "ok 111 222"}
	go helper.serve(restorePath, "restore")

	h := NewPipeHelper(filepath.Join(dir, "dump"), restorePath)
	clonedPID, rootPID, err := h.Restore(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 111, clonedPID)
	require.Equal(t, 222, rootPID)
}
