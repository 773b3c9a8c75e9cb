package controller

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/dedupd/pkg/config"
	"github.com/cuemby/dedupd/pkg/log"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	coldSpawnDeadline  = 3500 * time.Millisecond
	dedupRestoreDeadline = 5000 * time.Millisecond
	warmRestartDeadline  = 2000 * time.Millisecond

	maxTries     = 1000
	maxEvictions = 10

	pollSleep      = 50 * time.Millisecond
	coldBackoff    = 100 * time.Millisecond
	numFailedLimit = 5
)

// Scheduler drives the request trace against the controller's sandbox
// table, placing each arrival on a reused or freshly spawned sandbox and
// dispatching the corresponding worker RPC.
type Scheduler struct {
	ctrl      *Controller
	cluster   *config.ClusterConfig
	agentCfg  *config.AgentConfig
	threads   chan struct{}

	connMu  sync.Mutex
	conns   map[int]*grpc.ClientConn
	clients map[int]*rpc.WorkerClient

	rrMu  sync.Mutex
	rrIdx int

	claimMu sync.Mutex

	logger zerolog.Logger
}

// NewScheduler builds a scheduler bounded to `threads` concurrent
// in-flight requests, matching the teacher's bounded-worker-pool shape.
func NewScheduler(ctrl *Controller, cluster *config.ClusterConfig, agentCfg *config.AgentConfig, threads int) *Scheduler {
	if threads <= 0 {
		threads = 1
	}
	return &Scheduler{
		ctrl:     ctrl,
		cluster:  cluster,
		agentCfg: agentCfg,
		threads:  make(chan struct{}, threads),
		conns:    make(map[int]*grpc.ClientConn),
		clients:  make(map[int]*rpc.WorkerClient),
		logger:   log.WithComponent("scheduler"),
	}
}

func (s *Scheduler) workerClient(machineID int) (*rpc.WorkerClient, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if c, ok := s.clients[machineID]; ok {
		return c, nil
	}
	var addr string
	for _, n := range s.cluster.GRPCNodes {
		if n.MachineID == machineID {
			addr = n.Addr + ":" + n.Port
			break
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("scheduler: no grpc endpoint configured for machine %d", machineID)
	}
	opts := append(rpc.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: dial machine %d: %w", machineID, err)
	}
	client := rpc.NewWorkerClient(conn)
	s.conns[machineID] = conn
	s.clients[machineID] = client
	return client, nil
}

// Close tears down every worker connection.
func (s *Scheduler) Close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

// TraceRecord is one line of the input trace.
type TraceRecord struct {
	TimestampMs int64
	Application string
	Environment string
}

// ReadTrace parses the whitespace-separated trace file format, stopping at
// (and including) the terminator record whose timestamp is -1.
func ReadTrace(path string) ([]TraceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	defer f.Close()

	var records []TraceRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		records = append(records, TraceRecord{TimestampMs: ts, Application: fields[1], Environment: fields[2]})
		if ts == -1 {
			break
		}
	}
	return records, sc.Err()
}

// RunTrace replays records against real wall-clock deltas from the first
// record, dispatching each arrival through the bounded worker pool, then
// waits for in-flight requests to drain before terminating every worker.
func (s *Scheduler) RunTrace(ctx context.Context, records []TraceRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	base := records[0].TimestampMs

	var wg sync.WaitGroup
	for _, rec := range records {
		if rec.TimestampMs == -1 {
			break
		}
		target := start.Add(time.Duration(rec.TimestampMs-base) * time.Millisecond)
		if d := time.Until(target); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
		}

		rec := rec
		traceID := uuid.NewString()
		select {
		case s.threads <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		s.ctrl.IncrIssued()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.threads }()
			if _, err := s.Schedule(ctx, traceID, rec.Application, rec.Environment); err != nil {
				s.logger.Warn().Err(err).Str("trace_id", traceID).Str("application", rec.Application).Msg("request dropped")
				s.ctrl.IncrDropped()
			}
			s.ctrl.IncrCompleted()
		}()
	}

	for {
		if s.ctrl.Issued()-s.ctrl.Completed() <= 20 {
			break
		}
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
	}
	wg.Wait()

	s.terminateAll(ctx)
	return nil
}

func (s *Scheduler) terminateAll(ctx context.Context) {
	for _, m := range s.ctrl.Machines() {
		client, err := s.workerClient(m.ID)
		if err != nil {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _ = client.Terminate(tctx, &rpc.Ack{OK: true})
		cancel()
	}
}

// Schedule places one arrival: reuse an eligible sandbox if one exists,
// otherwise spawn cold on a machine with capacity, evicting if the cluster
// is full. Returns the measured scheduling latency in milliseconds.
func (s *Scheduler) Schedule(ctx context.Context, traceID, application, environment string) (float64, error) {
	reqLogger := log.WithTraceID(s.logger, traceID)
	stats := s.ctrl.EnvStats(environment)
	stats.UpdateArrivalRates(time.Now())

	reuseStart := time.Now()

	if cont, ok := s.claimReusable(environment); ok {
		return s.dispatchReuse(ctx, reqLogger, cont, application, reuseStart)
	}

	evictionAttempts := 0
	for attempt := 0; attempt < maxTries; attempt++ {
		machine, ok := s.pickMachine()
		if !ok {
			if evictionAttempts >= maxEvictions {
				return 0, fmt.Errorf("scheduler: %w: cluster full after %d evictions", errDropped, evictionAttempts)
			}
			evictionAttempts++
			s.evictOne(ctx, environment)
			continue
		}

		id := s.ctrl.NewSandboxID()
		cont := s.ctrl.AddContainer(id, machine.ID, application, environment)

		client, err := s.workerClient(machine.ID)
		if err != nil {
			s.ctrl.removeContainer(id)
			return 0, err
		}

		cctx, cancel := context.WithTimeout(ctx, coldSpawnDeadline)
		resp, err := client.Spawn(cctx, &rpc.SpawnRequest{SandboxID: id, Application: application, Environment: environment})
		cancel()
		if err != nil {
			reqLogger.Debug().Err(err).Int("sandbox_id", id).Msg("cold spawn failed, backing off")
			s.ctrl.removeContainer(id)
			time.Sleep(coldBackoff)
			continue
		}

		machine.SetUsedMemory(resp.UsedMemoryMB)
		cont.UpdateStatus(types.Running)
		stats.ApplyTransition(types.Dummy, types.Running, false, false)
		latency := time.Since(reuseStart).Seconds() * 1000
		stats.UpdateStartupTimes(latency, false)
		return latency, nil
	}

	return 0, fmt.Errorf("scheduler: %w after %d attempts", errDropped, maxTries)
}

var errDropped = fmt.Errorf("request dropped")

// claimReusable scans the environment's sandboxes for the first eligible
// warm/base (preferred), dedup, or running candidate, exclusively claiming
// whichever it picks.
func (s *Scheduler) claimReusable(environment string) (*types.Container, bool) {
	idle := time.Duration(s.agentCfg.Parameters.IdleTimeSec) * time.Second
	reusePeriod := time.Duration(s.ctrl.ReusePeriodMs()) * time.Millisecond

	var warmCandidate, dedupCandidate, runningCandidate *types.Container

	for _, cont := range s.ctrl.Containers(environment) {
		snap := cont.Snapshot()
		if snap.NextAssigned {
			continue
		}
		sinceMod := time.Since(snap.LastModified)
		inDecisionWindow := sinceMod >= idle-2*time.Second && sinceMod <= idle+5*time.Second

		switch snap.Status {
		case types.Warm, types.Base:
			if warmCandidate == nil && sinceMod >= reusePeriod && !inDecisionWindow {
				warmCandidate = cont
			}
		case types.Dedup:
			if dedupCandidate == nil && sinceMod >= reusePeriod && !inDecisionWindow {
				dedupCandidate = cont
			}
		case types.Running:
			if runningCandidate == nil {
				runningCandidate = cont
			}
		}
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	if warmCandidate != nil {
		warmCandidate.UpdateStatus(types.Dummy)
		return warmCandidate, true
	}
	if dedupCandidate != nil {
		dedupCandidate.UpdateStatus(types.Dummy)
		return dedupCandidate, true
	}
	if runningCandidate != nil {
		runningCandidate.SetNextAssigned(true)
		return runningCandidate, true
	}
	return nil, false
}

// dispatchReuse issues the RPC matching a claimed sandbox's prior state
// (restart for warm/base, restore for dedup, no RPC for a piggy-backed
// running sandbox) and handles RPC failure accounting.
func (s *Scheduler) dispatchReuse(ctx context.Context, reqLogger zerolog.Logger, cont *types.Container, application string, start time.Time) (float64, error) {
	snap := cont.Snapshot()
	stats := s.ctrl.EnvStats(snap.Environment)

	if snap.NextAssigned {
		// Piggy-backing onto an already-Running sandbox: no RPC is issued,
		// but the scheduler still waits out reuse_period so the in-flight
		// execution has quiesced before the request is considered served,
		// and that wait is not charged to the reported latency.
		reusePeriod := time.Duration(s.ctrl.ReusePeriodMs()) * time.Millisecond
		select {
		case <-time.After(reusePeriod):
		case <-ctx.Done():
		}
		latency := time.Since(start).Seconds()*1000 - reusePeriod.Seconds()*1000
		if latency < 0 {
			latency = 0
		}
		return latency, nil
	}

	client, err := s.workerClient(snap.MachineID)
	if err != nil {
		return 0, err
	}

	wasDedup := snap.Status == types.Dedup
	deadline := warmRestartDeadline
	if wasDedup {
		deadline = dedupRestoreDeadline
		machine, _ := s.ctrl.Machine(snap.MachineID)
		if machine != nil {
			s.gateDedupStart(ctx, machine)
			defer machine.IncrDedupStarts(-1)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, deadline)
	var resp *rpc.MemoryResponse
	if wasDedup {
		resp, err = client.Restore(cctx, &rpc.SandboxRequest{SandboxID: snap.ID})
	} else {
		resp, err = client.Restart(cctx, &rpc.SandboxRequest{SandboxID: snap.ID})
	}
	cancel()

	if err != nil {
		failures := cont.IncrementNumFailed()
		reqLogger.Warn().Err(err).Int("sandbox_id", snap.ID).Int("num_failed", failures).Msg("reuse rpc failed")
		if failures >= numFailedLimit {
			s.purge(ctx, cont)
		}
		return 0, fmt.Errorf("scheduler: reuse rpc failed: %w", err)
	}

	if machine, ok := s.ctrl.Machine(snap.MachineID); ok {
		machine.SetUsedMemory(resp.UsedMemoryMB)
	}

	cont.UpdateStatus(types.Running)
	stats.ApplyTransition(types.Dummy, types.Running, snap.IsBase, false)

	latency := time.Since(start).Seconds() * 1000
	stats.UpdateStartupTimes(latency, wasDedup)
	return latency, nil
}

// gateDedupStart spins until the machine's in-flight dedup-restore count is
// below the fixed cap maxConcurrentDedupStarts (not read from configuration),
// then reserves a slot.
func (s *Scheduler) gateDedupStart(ctx context.Context, machine *types.Machine) {
	const maxConcurrentDedupStarts = 10
	for {
		if machine.IncrDedupStarts(0) < maxConcurrentDedupStarts {
			machine.IncrDedupStarts(1)
			return
		}
		select {
		case <-time.After(pollSleep):
		case <-ctx.Done():
			return
		}
	}
}

// pickMachine advances the round-robin index past machines lacking
// capacity, returning the first one with enough memory, or false once a
// full cycle finds none.
func (s *Scheduler) pickMachine() (*types.Machine, bool) {
	machines := s.ctrl.Machines()
	if len(machines) == 0 {
		return nil, false
	}
	// Machines() comes from map iteration; a stable order keeps rrIdx
	// meaningful from one call to the next.
	sort.Slice(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
	s.rrMu.Lock()
	defer s.rrMu.Unlock()
	for i := 0; i < len(machines); i++ {
		idx := (s.rrIdx + i) % len(machines)
		m := machines[idx]
		if m.HasEnoughMemory() {
			s.rrIdx = (idx + 1) % len(machines)
			return m, true
		}
	}
	return nil, false
}

func (s *Scheduler) purge(ctx context.Context, cont *types.Container) {
	snap := cont.Snapshot()
	client, err := s.workerClient(snap.MachineID)
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, warmRestartDeadline)
	defer cancel()
	_, _ = client.Purge(pctx, &rpc.SandboxRequest{SandboxID: snap.ID})
	stats := s.ctrl.EnvStats(snap.Environment)
	stats.ApplyTransition(snap.Status, snap.Status, snap.IsBase, true)
	s.ctrl.removeContainer(snap.ID)
}
