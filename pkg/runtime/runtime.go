// Package runtime is the worker's client for the local sandbox runtime
// daemon: checkpoint, pause/unpause/stop/start and destroy operations over
// HTTP-over-unix-socket, replacing the teacher's direct containerd client
// (see the design notes for why: the sandbox lifecycle operations this
// domain needs — checkpoint-to-disk, resume-from-checkpoint, force-remove
// — are exposed by the local daemon's HTTP surface, not by containerd's
// client API directly).
package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	connectTimeout = 1 * time.Second
)

// Runtime is a client for one worker's local sandbox-runtime daemon,
// reached over a unix domain socket.
type Runtime struct {
	http       *http.Client
	socketPath string
}

// New returns a client for the sandbox runtime daemon listening on
// socketPath. It does not connect; each request dials the socket.
func New(socketPath string) *Runtime {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Runtime{
		http:       &http.Client{Transport: transport, Timeout: requestTimeout},
		socketPath: socketPath,
	}
}

// Close releases the runtime's idle connections.
func (r *Runtime) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

func (r *Runtime) do(ctx context.Context, method, path string, wantStatus int) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
	if err != nil {
		return fmt.Errorf("runtime: build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("runtime: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("runtime: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return nil
}

// Checkpoint dumps name's memory/state to disk. It returns only an error; a
// later Start call names the checkpoint to resume from.
func (r *Runtime) Checkpoint(ctx context.Context, name string) error {
	return r.do(ctx, http.MethodPost, "/containers/"+name+"/checkpoints", http.StatusCreated)
}

// Pause freezes name's process group without destroying its checkpoint.
func (r *Runtime) Pause(ctx context.Context, name string) error {
	return r.do(ctx, http.MethodPost, "/containers/"+name+"/pause", http.StatusNoContent)
}

// Unpause resumes a paused sandbox in place.
func (r *Runtime) Unpause(ctx context.Context, name string) error {
	return r.do(ctx, http.MethodPost, "/containers/"+name+"/unpause", http.StatusNoContent)
}

// Stop halts name's process group entirely (not merely paused).
func (r *Runtime) Stop(ctx context.Context, name string) error {
	return r.do(ctx, http.MethodPost, "/containers/"+name+"/stop", http.StatusNoContent)
}

// Start resumes name from scratch, or from checkpointID if non-empty.
func (r *Runtime) Start(ctx context.Context, name, checkpointID string) error {
	path := "/containers/" + name + "/start"
	if checkpointID != "" {
		path += "?checkpoint=" + checkpointID
	}
	return r.do(ctx, http.MethodPost, path, http.StatusNoContent)
}

// Remove force-deletes name and all of its on-disk dump/checkpoint state.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	return r.do(ctx, http.MethodDelete, "/containers/"+name+"?force=true", http.StatusNoContent)
}
