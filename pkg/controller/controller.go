// Package controller implements the cluster controller's data model and
// RPC surface: the sandbox/machine/environment tables, the chunk-hash
// registry, and the handlers backing pkg/rpc's ControllerServer interface.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dedupd/pkg/config"
	"github.com/cuemby/dedupd/pkg/fingerprint"
	"github.com/cuemby/dedupd/pkg/log"
	"github.com/cuemby/dedupd/pkg/policy"
	"github.com/cuemby/dedupd/pkg/registry"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/types"
	"github.com/rs/zerolog"
)

// Controller owns every piece of cluster-wide shared state: the sandbox
// table, the machine table, per-environment statistics, and the chunk-hash
// registry. All exported methods are safe for concurrent use.
type Controller struct {
	mu         sync.RWMutex
	containers map[int]*types.Container
	machines   map[int]*types.Machine

	appsMu sync.RWMutex
	apps   map[string]types.Application
	envs   map[string]*types.Environment

	statsMu  sync.RWMutex
	envStats map[string]*types.EnvironmentStats

	baseMu    sync.Mutex
	baseReady map[string]bool

	registry *registry.Registry
	cfg      config.ControllerConfig
	weights  registry.Weights

	nextContainerID int64
	dropped         int64
	issued          int64
	completed       int64
	evictions       int64

	decisionMu     sync.Mutex
	decisionCounts map[string]map[string]int64 // decision -> environment -> count

	logger zerolog.Logger
}

// New builds a controller from its configuration and per-application/
// environment tables (themselves derived from the agent config file, since
// the original source shares that file between controller and workers).
func New(cfg config.ControllerConfig, apps map[string]types.Application, envs map[string]*types.Environment) *Controller {
	c := &Controller{
		containers:     make(map[int]*types.Container),
		machines:       make(map[int]*types.Machine),
		apps:           apps,
		envs:           envs,
		envStats:       make(map[string]*types.EnvironmentStats),
		baseReady:      make(map[string]bool),
		decisionCounts: make(map[string]map[string]int64),
		registry:       registry.New(),
		cfg:            cfg,
		weights:        weightsFromConfig(cfg),
		logger:         log.WithComponent("controller"),
	}
	for name := range envs {
		c.envStats[name] = types.NewEnvironmentStats(cfg.Params.WindowMinutes)
	}
	return c
}

func weightsFromConfig(cfg config.ControllerConfig) registry.Weights {
	if len(cfg.Heuristics.BaseChoiceWeights) >= 2 {
		return registry.Weights{cfg.Heuristics.BaseChoiceWeights[0], cfg.Heuristics.BaseChoiceWeights[1]}
	}
	return registry.DefaultWeights
}

// RegisterMachine adds a worker machine to the cluster topology.
func (c *Controller) RegisterMachine(id int, addr string, totalMemoryMB float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machines[id] = &types.Machine{ID: id, Addr: addr, TotalMemory: totalMemoryMB}
}

// NewSandboxID allocates the next dense controller-assigned sandbox id.
func (c *Controller) NewSandboxID() int {
	return int(atomic.AddInt64(&c.nextContainerID, 1) - 1)
}

// AddContainer inserts a freshly scheduled sandbox into the controller's
// map, in Dummy state pending the worker's spawn/restart/restore ack.
func (c *Controller) AddContainer(id, machineID int, application, environment string) *types.Container {
	cont := types.NewContainer(id, machineID, application, environment)
	c.mu.Lock()
	c.containers[id] = cont
	c.mu.Unlock()
	return cont
}

func (c *Controller) container(id int) (*types.Container, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cont, ok := c.containers[id]
	return cont, ok
}

func (c *Controller) removeContainer(id int) {
	c.mu.Lock()
	delete(c.containers, id)
	c.mu.Unlock()
	c.registry.Unregister(id)
}

// Machine returns the machine table entry for id, if any.
func (c *Controller) Machine(id int) (*types.Machine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.machines[id]
	return m, ok
}

// Machines returns a snapshot slice of every registered machine, used by
// the scheduler's round-robin placement.
func (c *Controller) Machines() []*types.Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Machine, 0, len(c.machines))
	for _, m := range c.machines {
		out = append(out, m)
	}
	return out
}

// Containers returns a snapshot of every sandbox in environment env,
// used by the scheduler's reuse scan and the eviction search.
func (c *Controller) Containers(env string) []*types.Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Container, 0)
	for _, cont := range c.containers {
		if cont.Snapshot().Environment == env {
			out = append(out, cont)
		}
	}
	return out
}

// AllContainers returns a snapshot of every sandbox in the cluster.
func (c *Controller) AllContainers() []*types.Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Container, 0, len(c.containers))
	for _, cont := range c.containers {
		out = append(out, cont)
	}
	return out
}

func (c *Controller) applicationFor(name string) types.Application {
	c.appsMu.RLock()
	defer c.appsMu.RUnlock()
	return c.apps[name]
}

func (c *Controller) environmentFor(name string) *types.Environment {
	c.appsMu.RLock()
	defer c.appsMu.RUnlock()
	return c.envs[name]
}

// EnvironmentNames returns every environment the controller currently
// tracks statistics for, used by the eviction search's argmax scan.
func (c *Controller) EnvironmentNames() []string {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	out := make([]string, 0, len(c.envStats))
	for name := range c.envStats {
		out = append(out, name)
	}
	return out
}

// EnvStats returns (creating if necessary) the live statistics for an
// environment.
func (c *Controller) EnvStats(env string) *types.EnvironmentStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s, ok := c.envStats[env]
	if !ok {
		s = types.NewEnvironmentStats(c.cfg.Params.WindowMinutes)
		c.envStats[env] = s
	}
	return s
}

func (c *Controller) baseReadyFor(env string) bool {
	c.baseMu.Lock()
	defer c.baseMu.Unlock()
	return c.baseReady[env]
}

func (c *Controller) setBaseReady(env string) {
	c.baseMu.Lock()
	defer c.baseMu.Unlock()
	c.baseReady[env] = true
}

// refcountFunc adapts the controller's container table to
// registry.RefcountFunc.
func (c *Controller) refcountFunc() registry.RefcountFunc {
	return func(containerID int) int {
		cont, ok := c.container(containerID)
		if !ok {
			return 0
		}
		return cont.Snapshot().Refcount
	}
}

// Registry exposes the controller's chunk-hash registry. Eviction and purge
// unregister a removed base's pages through removeContainer, not through
// this accessor.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// ReusePeriodMs returns the configured post-execution quiescence period, in
// milliseconds, that the scheduler waits out after reusing a Running
// sandbox.
func (c *Controller) ReusePeriodMs() int {
	return c.cfg.Params.ReusePeriodMs
}

// Dropped/Issued/Completed report the scheduler's running counters, used by
// the trace driver's final summary line.
func (c *Controller) Dropped() int64   { return atomic.LoadInt64(&c.dropped) }
func (c *Controller) Issued() int64    { return atomic.LoadInt64(&c.issued) }
func (c *Controller) Completed() int64 { return atomic.LoadInt64(&c.completed) }

func (c *Controller) IncrIssued()    { atomic.AddInt64(&c.issued, 1) }
func (c *Controller) IncrCompleted() { atomic.AddInt64(&c.completed, 1) }
func (c *Controller) IncrDropped()   { atomic.AddInt64(&c.dropped, 1) }

// Evictions reports the total number of sandboxes evicted to free memory.
func (c *Controller) Evictions() int64 { return atomic.LoadInt64(&c.evictions) }

func (c *Controller) recordEviction() { atomic.AddInt64(&c.evictions, 1) }

func (c *Controller) recordDecision(decision, environment string) {
	c.decisionMu.Lock()
	defer c.decisionMu.Unlock()
	byEnv := c.decisionCounts[decision]
	if byEnv == nil {
		byEnv = make(map[string]int64)
		c.decisionCounts[decision] = byEnv
	}
	byEnv[environment]++
}

// DecisionCounts returns a snapshot of decisions made so far, keyed by
// decision then environment, for the metrics collector to poll.
func (c *Controller) DecisionCounts() map[string]map[string]int64 {
	c.decisionMu.Lock()
	defer c.decisionMu.Unlock()
	out := make(map[string]map[string]int64, len(c.decisionCounts))
	for decision, byEnv := range c.decisionCounts {
		cp := make(map[string]int64, len(byEnv))
		for env, n := range byEnv {
			cp[env] = n
		}
		out[decision] = cp
	}
	return out
}

// --- rpc.ControllerServer ---

var _ rpc.ControllerServer = (*Controller)(nil)

// GetDecision evaluates the configured decision policy for a sandbox and
// applies the policy's side effects: PURGE removes it from the controller's
// map, everything else parks it in Dummy pending the worker's ack.
func (c *Controller) GetDecision(ctx context.Context, req *rpc.GetDecisionRequest) (*rpc.GetDecisionResponse, error) {
	cont, ok := c.container(req.SandboxID)
	if !ok {
		return nil, rpc.ToStatus(rpc.ErrNotFound)
	}
	snap := cont.Snapshot()
	if snap.Status == types.Dummy {
		return nil, rpc.ToStatus(rpc.ErrCancelled)
	}

	app := c.applicationFor(snap.Application)
	env := c.environmentFor(snap.Environment)
	stats := c.EnvStats(snap.Environment)
	machine, _ := c.Machine(snap.MachineID)

	warmEMA, dedupEMA := stats.EMAs()
	warm, dedup, base := stats.Counts()

	idleSeconds := time.Since(snap.LastModified).Seconds()
	in := policy.Inputs{
		Policy:           app.Policy,
		IdleSeconds:      idleSeconds,
		ExecTimeMs:       float64(app.ExecTime),
		IsDedup:          snap.IsDedup,
		IsBase:           snap.IsBase,
		Blacklisted:      snap.Blacklisted,
		NumWarm:          warm,
		NumDedup:         dedup,
		NumBase:          base,
		WarmStartEMA:     warmEMA,
		DedupStartEMA:    dedupEMA,
		MaxArrivalRate:   stats.MaxArrivalRate(),
		MovingWindowRate: stats.MovingWindowArrivalRate(),
		ReusePeriodMs:    float64(c.cfg.Params.ReusePeriodMs),
		DedupPerBase:     c.cfg.Policy.DedupPerBase,
		BaseReady:        c.baseReadyFor(snap.Environment),
		Gamma:            c.cfg.Policy.Gamma,
		Alpha:            c.cfg.Policy.Alpha,
		Beta:             c.cfg.Policy.Beta,
		LatencyThreshold: c.cfg.Policy.Threshold,
	}
	if env != nil {
		in.DedupBenefit = env.DedupBenefit
		in.PerSandboxMemMB = env.Memory
	}
	if machine != nil {
		in.MemoryFraction = machine.UsedMemoryMB()
	}
	if c.cfg.Policy.Constraint == 1 {
		in.Constraint = policy.ConstraintLatency
	}

	decision := policy.Decide(in)
	c.recordDecision(decision.String(), snap.Environment)
	if decision == types.DecisionBase && !snap.IsBase {
		// Base-quota promotion of a sandbox that is not yet a base.
		stats.IncrNumBase()
	}

	c.logger.Info().
		Int("sandbox_id", snap.ID).
		Str("environment", snap.Environment).
		Str("decision", decision.String()).
		Msg("decision policy evaluated")

	if decision == types.DecisionPurge {
		stats.ApplyTransition(snap.Status, snap.Status, snap.IsBase, true)
		c.removeContainer(snap.ID)
	} else {
		stats.ApplyTransition(snap.Status, types.Dummy, snap.IsBase, false)
		cont.UpdateStatus(types.Dummy)
	}

	return &rpc.GetDecisionResponse{Decision: decision.String()}, nil
}

// RegisterPages records a sandbox's page fingerprints in the chunk-hash
// registry. The first base registration for an environment flips
// base_ready, unblocking the Heuristic variants' dedup branch.
func (c *Controller) RegisterPages(ctx context.Context, req *rpc.RegisterPagesRequest) (*rpc.Ack, error) {
	cont, ok := c.container(req.SandboxID)
	if !ok {
		return nil, rpc.ToStatus(rpc.ErrNotFound)
	}
	snap := cont.Snapshot()

	for _, p := range req.Payload {
		for _, h := range p.Hashes {
			d, ok := fingerprint.FromBytes(h)
			if !ok {
				continue
			}
			c.registry.Register(d, req.SandboxID, req.MachineID, p.RegionID, p.Addr)
		}
	}
	c.setBaseReady(snap.Environment)
	return &rpc.Ack{OK: true}, nil
}

// GetBaseContainers matches each page fingerprint in req against the
// registry and returns, for every page with a match, the chosen base's
// location. Each distinct chosen base's refcount is incremented once, not
// once per matched page.
func (c *Controller) GetBaseContainers(ctx context.Context, req *rpc.RegisterPagesRequest) (*rpc.GetBaseContainersResponse, error) {
	pageDigests := make([][]fingerprint.Digest, len(req.Payload))
	for i, p := range req.Payload {
		digests := make([]fingerprint.Digest, 0, len(p.Hashes))
		for _, h := range p.Hashes {
			if d, ok := fingerprint.FromBytes(h); ok {
				digests = append(digests, d)
			}
		}
		pageDigests[i] = digests
	}

	plan := registry.PlanPages(c.registry, pageDigests, c.refcountFunc(), req.MachineID, c.weights)

	resp := &rpc.GetBaseContainersResponse{}
	chosen := make(map[int]bool)
	for i, p := range req.Payload {
		entry, ok := plan[i]
		if !ok {
			continue
		}
		resp.BasePages = append(resp.BasePages, rpc.BasePage{
			Addr:      p.Addr,
			MachineID: entry.MachineID,
			RegionID:  entry.RegionID,
			BaseAddr:  entry.Addr,
		})
		chosen[entry.ContainerID] = true
	}
	for containerID := range chosen {
		if cont, ok := c.container(containerID); ok {
			cont.IncrementRefcount()
		}
	}
	return resp, nil
}

// UpdateStatus applies the worker's confirmed post-transition state,
// folding it into the environment's live counters.
func (c *Controller) UpdateStatus(ctx context.Context, req *rpc.UpdateStatusRequest) (*rpc.Ack, error) {
	cont, ok := c.container(req.SandboxID)
	if !ok {
		return nil, rpc.ToStatus(rpc.ErrCancelled)
	}
	newState, err := stateFromString(req.Status)
	if err != nil {
		return nil, rpc.ToStatus(fmt.Errorf("%w: %s", rpc.ErrCancelled, err))
	}

	snap := cont.Snapshot()
	cont.UpdateStatus(newState)
	stats := c.EnvStats(snap.Environment)
	stats.ApplyTransition(types.Dummy, newState, snap.IsBase, false)

	return &rpc.Ack{OK: true}, nil
}

// UpdateAvailableMemory records a worker's latest reported memory usage.
func (c *Controller) UpdateAvailableMemory(ctx context.Context, req *rpc.UpdateAvailableMemoryRequest) (*rpc.Ack, error) {
	m, ok := c.Machine(req.MachineID)
	if !ok {
		return nil, rpc.ToStatus(rpc.ErrNotFound)
	}
	m.SetUsedMemory(req.UsedMemoryMB)
	return &rpc.Ack{OK: true}, nil
}

// Blacklist marks a sandbox ineligible for BASE/DEDUP promotion, sticky for
// the sandbox's lifetime.
func (c *Controller) Blacklist(ctx context.Context, req *rpc.BlacklistRequest) (*rpc.Ack, error) {
	cont, ok := c.container(req.SandboxID)
	if !ok {
		return nil, rpc.ToStatus(rpc.ErrNotFound)
	}
	cont.SetBlacklisted()
	return &rpc.Ack{OK: true}, nil
}

func stateFromString(s string) (types.State, error) {
	switch s {
	case "base":
		return types.Base, nil
	case "dedup":
		return types.Dedup, nil
	case "warm":
		return types.Warm, nil
	default:
		return types.Warm, fmt.Errorf("unknown status %q", s)
	}
}
