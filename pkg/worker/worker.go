// Package worker implements the per-machine sandbox daemon: it owns the
// local residency state machine (Running/Warm/Base/Dedup/Dummy/Purge),
// drives the sandbox runtime over pkg/runtime, exchanges page hashes and
// remote reads with peers over pkg/memxfer, and answers the controller's
// Spawn/Restart/Restore/Purge/Terminate RPCs.
//
// The daemon loop follows the same dispatcher-plus-ticker shape the
// teacher codebase uses for its own background loops (a single goroutine
// ticking at a fixed cycle, handing per-sandbox work to a bounded pool so a
// slow checkpoint never stalls the tick), generalized here to the dedup
// residency state machine instead of container-executor bookkeeping.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/dedupd/pkg/config"
	"github.com/cuemby/dedupd/pkg/log"
	"github.com/cuemby/dedupd/pkg/memxfer"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/runtime"
	"github.com/cuemby/dedupd/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// tickInterval is the daemon loop's cycle time.
const tickInterval = 50 * time.Millisecond

// defaultPoolSize bounds the worker pool draining per-sandbox tick work,
// mirroring the teacher's fixed-size executor pool.
const defaultPoolSize = 16

// sandboxState is one locally tracked sandbox. All field access goes
// through the embedded mutex.
type sandboxState struct {
	mu sync.Mutex

	ID          int
	Application string
	Environment string

	Status           types.State
	PrevStableStatus types.State // last of Warm/Base/Dedup, used to resume after Running
	EnteredState     time.Time   // when Status was last set

	Checkpointed bool
	IsBase       bool
	IsDedup      bool
	Blacklisted  bool

	RestoreHelperPIDs []int
	DumpFiles         []string
	PatchFile         string
	RegionID          memxfer.RegionID
	DedupPages        []dedupPageRef

	NumFailed int
}

// dedupPageRef records, for one page of a dedup sandbox's patch file,
// whether it was stored as a delta against a matched remote base (and
// where that base lives) or verbatim.
type dedupPageRef struct {
	Matched   bool
	MachineID int
	RegionID  memxfer.RegionID
	Addr      uint64 // base's page id within its region
	PatchLen  uint32
}

func (s *sandboxState) snapshot() sandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s
}

func (s *sandboxState) setStatus(st types.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = st
	s.EnteredState = time.Now()
	if st == types.Warm || st == types.Base || st == types.Dedup {
		s.PrevStableStatus = st
	}
}

// Worker is one machine's sandbox daemon.
type Worker struct {
	machineID int
	dataDir   string

	cluster  *config.ClusterConfig
	agentCfg *config.AgentConfig
	poolSize int

	rt    *runtime.Runtime
	mem   *memxfer.Layer
	pipes *PipeHelper

	ctrlConn *grpc.ClientConn
	ctrl     *rpc.ControllerClient

	mu        sync.Mutex
	sandboxes map[int]*sandboxState

	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// Config bundles the dependencies New needs to wire a Worker.
type Config struct {
	MachineID int
	DataDir   string
	Cluster   *config.ClusterConfig
	Agent     *config.AgentConfig
	Runtime   *runtime.Runtime
	Mem       *memxfer.Layer
	Pipes     *PipeHelper
	CtrlConn  *grpc.ClientConn
	PoolSize  int
}

// New constructs a Worker ready to Start.
func New(cfg Config) *Worker {
	return &Worker{
		machineID: cfg.MachineID,
		dataDir:   cfg.DataDir,
		cluster:   cfg.Cluster,
		agentCfg:  cfg.Agent,
		rt:        cfg.Runtime,
		mem:       cfg.Mem,
		pipes:     cfg.Pipes,
		ctrlConn:  cfg.CtrlConn,
		ctrl:      rpc.NewControllerClient(cfg.CtrlConn),
		poolSize:  cfg.PoolSize,
		sandboxes: make(map[int]*sandboxState),
		tasks:     make(chan func(), 256),
		stopCh:    make(chan struct{}),
		logger:    log.WithMachineID(log.WithComponent("worker"), cfg.MachineID),
	}
}

var _ rpc.WorkerServer = (*Worker)(nil)

// Start launches the worker pool and the daemon tick loop.
func (w *Worker) Start(ctx context.Context) {
	poolSize := w.poolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	for i := 0; i < poolSize; i++ {
		w.wg.Add(1)
		go w.poolLoop()
	}
	w.wg.Add(1)
	go w.daemonLoop(ctx)
}

// Stop drains the worker pool and daemon loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) poolLoop() {
	defer w.wg.Done()
	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-w.stopCh:
			return
		}
	}
}

// submit hands fn to the bounded pool, dropping it (with a log line) if the
// pool's backlog is saturated rather than blocking the ticking daemon loop.
func (w *Worker) submit(fn func()) {
	select {
	case w.tasks <- fn:
	default:
		w.logger.Warn().Msg("worker pool saturated, dropping tick task")
	}
}

func (w *Worker) daemonLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick snapshots the current sandbox set and dispatches each sandbox's
// per-state check to the worker pool, so one slow checkpoint never delays
// the other sandboxes' next tick.
func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	states := make([]*sandboxState, 0, len(w.sandboxes))
	for _, s := range w.sandboxes {
		states = append(states, s)
	}
	w.mu.Unlock()

	for _, s := range states {
		s := s
		w.submit(func() { w.tickOne(ctx, s) })
	}
}

func (w *Worker) applicationConfig(name string) config.AgentApplication {
	if w.agentCfg == nil {
		return config.AgentApplication{}
	}
	return w.agentCfg.Configuration.Applications[name]
}

func (w *Worker) sandboxName(id int) string {
	return fmt.Sprintf("sandbox-%d", id)
}

func (w *Worker) sandboxDir(id int) string {
	return filepath.Join(w.dataDir, w.sandboxName(id))
}

func (w *Worker) dumpFilePath(id int) string {
	return filepath.Join(w.sandboxDir(id), "dump.img")
}

func (w *Worker) patchFilePath(id int) string {
	return filepath.Join(w.sandboxDir(id), "patch.img")
}

func (w *Worker) ensureSandboxDir(id int) error {
	return os.MkdirAll(w.sandboxDir(id), 0o755)
}

// --- rpc.WorkerServer ---

// Spawn creates and starts a brand-new sandbox, cold.
func (w *Worker) Spawn(ctx context.Context, req *rpc.SpawnRequest) (*rpc.MemoryResponse, error) {
	if err := w.ensureSandboxDir(req.SandboxID); err != nil {
		return nil, fmt.Errorf("worker: spawn: %w", err)
	}
	name := w.sandboxName(req.SandboxID)
	if err := w.rt.Start(ctx, name, ""); err != nil {
		return nil, fmt.Errorf("worker: spawn start: %w", err)
	}

	s := &sandboxState{
		ID:           req.SandboxID,
		Application:  req.Application,
		Environment:  req.Environment,
		Status:       types.Running,
		EnteredState: time.Now(),
	}
	w.mu.Lock()
	w.sandboxes[req.SandboxID] = s
	w.mu.Unlock()

	w.logger.Info().Int("sandbox_id", req.SandboxID).Str("application", req.Application).Msg("spawned cold sandbox")
	return &rpc.MemoryResponse{UsedMemoryMB: w.applicationConfig(req.Application).Memory}, nil
}

// Restart resumes a warm or base sandbox in place (unpause), without
// touching any checkpoint file.
func (w *Worker) Restart(ctx context.Context, req *rpc.SandboxRequest) (*rpc.MemoryResponse, error) {
	s, ok := w.lookup(req.SandboxID)
	if !ok {
		return nil, ErrUnknownSandbox
	}
	name := w.sandboxName(req.SandboxID)
	if err := w.rt.Unpause(ctx, name); err != nil {
		return nil, fmt.Errorf("worker: restart unpause: %w", err)
	}
	s.setStatus(types.Running)
	return &rpc.MemoryResponse{UsedMemoryMB: w.applicationConfig(s.snapshot().Application).Memory}, nil
}

// Restore reverses a dedup sandbox back to Running: reconstruct its page
// images from the patch file and matched remote bases, then resume.
func (w *Worker) Restore(ctx context.Context, req *rpc.SandboxRequest) (*rpc.MemoryResponse, error) {
	s, ok := w.lookup(req.SandboxID)
	if !ok {
		return nil, ErrUnknownSandbox
	}
	if err := w.restoreDedupPages(ctx, s); err != nil {
		return nil, fmt.Errorf("worker: restore pages: %w", err)
	}

	name := w.sandboxName(req.SandboxID)
	snap := s.snapshot()
	var err error
	if len(snap.RestoreHelperPIDs) > 0 {
		_, _, err = w.pipes.Restore(ctx, req.SandboxID)
	} else {
		err = w.rt.Start(ctx, name, "")
	}
	if err != nil {
		return nil, fmt.Errorf("worker: restore resume: %w", err)
	}

	s.mu.Lock()
	s.RestoreHelperPIDs = nil
	s.IsDedup = false
	s.mu.Unlock()
	s.setStatus(types.Running)
	return &rpc.MemoryResponse{UsedMemoryMB: w.applicationConfig(snap.Application).Memory}, nil
}

// Purge tears a sandbox down completely: kill any parked restore helper,
// force-remove via the runtime, and forget local state.
func (w *Worker) Purge(ctx context.Context, req *rpc.SandboxRequest) (*rpc.MemoryResponse, error) {
	s, ok := w.lookup(req.SandboxID)
	if !ok {
		return nil, ErrUnknownSandbox
	}
	return &rpc.MemoryResponse{}, w.purgeSandbox(ctx, s)
}

func (w *Worker) purgeSandbox(ctx context.Context, s *sandboxState) error {
	snap := s.snapshot()
	for _, pid := range snap.RestoreHelperPIDs {
		killProcess(pid)
	}
	name := w.sandboxName(snap.ID)
	if err := w.rt.Remove(ctx, name); err != nil {
		s.setStatus(types.Purge)
		return fmt.Errorf("worker: purge remove (will retry): %w", err)
	}
	os.RemoveAll(w.sandboxDir(snap.ID))
	w.mu.Lock()
	delete(w.sandboxes, snap.ID)
	w.mu.Unlock()
	return nil
}

// Terminate acknowledges immediately and exits the process after a 2s
// grace period, giving in-flight RPCs a chance to complete.
func (w *Worker) Terminate(ctx context.Context, req *rpc.Ack) (*rpc.Ack, error) {
	go func() {
		time.Sleep(2 * time.Second)
		w.Stop()
		os.Exit(0)
	}()
	return &rpc.Ack{OK: true}, nil
}

func (w *Worker) lookup(id int) (*sandboxState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sandboxes[id]
	return s, ok
}
