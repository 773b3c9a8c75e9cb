// Package types defines the shared data model for sandboxes, machines,
// applications and environments used across the controller and worker.
package types

import (
	"sync"
	"time"
)

// PageSize is the fixed page granularity used throughout the fingerprinting,
// dedup planning and patch-file logic.
const PageSize = 4096

// MemoryRegionIDRemoteMask marks a region id as remote-facing (registered for
// others to read). Local counters allocate ids densely below the mask.
//
// The source this was ported from checked this mask against a max-value
// constant with ambiguous operator precedence; this port parenthesizes
// explicitly to remove the ambiguity.
const MemoryRegionIDRemoteMask = uint32(1) << 28

// MemoryRegionIDMaxValue is the highest region id a worker may allocate
// locally before it must be treated as colliding with the remote-facing bit.
const MemoryRegionIDMaxValue = (uint32(1) << 28) - 1

// State is a sandbox's residency state.
type State int

const (
	Running State = iota
	Warm
	Dedup
	Base
	Dummy
	Purge
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Warm:
		return "warm"
	case Dedup:
		return "dedup"
	case Base:
		return "base"
	case Dummy:
		return "dummy"
	case Purge:
		return "purge"
	default:
		return "unknown"
	}
}

// Policy selects which decision-policy variant governs an application.
type Policy int

const (
	PolicyDefault Policy = iota
	PolicyOpenwhisk
	PolicyHeuristicOpenwhisk
	PolicyNone
	PolicyHeuristic
	PolicyBoundary
)

// Decision is the outcome of the decision policy for an idle or newly
// requested sandbox.
type Decision int

const (
	DecisionBase Decision = iota
	DecisionDedup
	DecisionWarm
	DecisionPurge
)

func (d Decision) String() string {
	switch d {
	case DecisionBase:
		return "base"
	case DecisionDedup:
		return "dedup"
	case DecisionWarm:
		return "warm"
	case DecisionPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// Container is a sandbox tracked by the controller. Every field access goes
// through the container's mutex except where noted; the controller's own
// container map guards insertion/removal of Container values themselves.
type Container struct {
	mu sync.Mutex

	ID          int
	MachineID   int
	Application string
	Environment string

	Status     State
	PrevStatus State // last of Warm/Base/Dedup; PrevStatus is never Dummy/Running/Purge

	IsBase       bool
	IsDedup      bool
	Blacklisted  bool
	NextAssigned bool
	FirstSpawned bool

	Refcount   int
	NumFailed  int
	LastModified time.Time
	IdleState    time.Time
}

// NewContainer constructs a container in its ephemeral Dummy state, as the
// controller always does on behalf of a scheduling attempt.
func NewContainer(id, machineID int, appl, env string) *Container {
	now := time.Now()
	return &Container{
		ID:           id,
		MachineID:    machineID,
		Application:  appl,
		Environment:  env,
		Status:       Dummy,
		LastModified: now,
		IdleState:    now,
	}
}

// UpdateStatus moves the container to status. A move into Warm, Base or Dedup
// records both LastModified and IdleState; a move into Running records
// LastModified only; a move into Dummy or Purge records neither. This keeps
// quiescence timers measuring time-in-a-true-state, per invariant (iii).
//
// The source this was ported from declared this with a return value that was
// never produced on any path; this port corrects that to no return value.
func (c *Container) UpdateStatus(status State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.Status
	c.Status = status

	switch status {
	case Warm, Base, Dedup:
		c.PrevStatus = status
		c.IsBase = c.IsBase || status == Base
		c.IsDedup = c.IsDedup || status == Dedup
		c.LastModified = time.Now()
		c.IdleState = time.Now()
	case Running:
		c.LastModified = time.Now()
	}

	if status == Dummy {
		// Dummy is ephemeral and must never be observed as a resting state by
		// anything outside the worker goroutine that owns the transition.
		_ = prev
	}
}

// SetBlacklisted marks the container blacklisted. Sticky: never cleared.
func (c *Container) SetBlacklisted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Blacklisted = true
}

// IncrementRefcount bumps the number of dedup sandboxes pointing at this
// container as a base.
func (c *Container) IncrementRefcount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Refcount++
}

// Snapshot returns a value copy of the container's fields for read-only use
// (logging, metrics, decision policy inputs) without holding the lock.
type Snapshot struct {
	ID           int
	MachineID    int
	Application  string
	Environment  string
	Status       State
	PrevStatus   State
	IsBase       bool
	IsDedup      bool
	Blacklisted  bool
	NextAssigned bool
	FirstSpawned bool
	Refcount     int
	NumFailed    int
	LastModified time.Time
	IdleState    time.Time
}

func (c *Container) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:           c.ID,
		MachineID:    c.MachineID,
		Application:  c.Application,
		Environment:  c.Environment,
		Status:       c.Status,
		PrevStatus:   c.PrevStatus,
		IsBase:       c.IsBase,
		IsDedup:      c.IsDedup,
		Blacklisted:  c.Blacklisted,
		NextAssigned: c.NextAssigned,
		FirstSpawned: c.FirstSpawned,
		Refcount:     c.Refcount,
		NumFailed:    c.NumFailed,
		LastModified: c.LastModified,
		IdleState:    c.IdleState,
	}
}

// SetNextAssigned claims or releases the container for an in-flight request.
func (c *Container) SetNextAssigned(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NextAssigned = v
}

// IncrementNumFailed bumps the RPC failure counter and returns the new value.
func (c *Container) IncrementNumFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NumFailed++
	return c.NumFailed
}

// Machine is a dense-id worker endpoint tracked by the controller.
type Machine struct {
	mu sync.Mutex

	ID           int
	Addr         string
	TotalMemory  float64 // MB
	UsedMemory   float64 // MB
	DedupStarts  int     // current in-flight dedup-restore count
}

// HasEnoughMemory reports whether used memory is below 95% of total.
func (m *Machine) HasEnoughMemory() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalMemory <= 0 {
		return false
	}
	return m.UsedMemory < 0.95*m.TotalMemory
}

func (m *Machine) SetUsedMemory(mb float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UsedMemory = mb
}

func (m *Machine) UsedMemoryMB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.UsedMemory
}

// IncrDedupStarts adjusts the in-flight dedup-restore counter by delta and
// returns the new value.
func (m *Machine) IncrDedupStarts(delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DedupStarts += delta
	return m.DedupStarts
}

// Application holds per-application scheduling parameters.
type Application struct {
	Name       string
	KeepAlive  int // seconds
	ExecTime   int // ms
	Policy     Policy
}

// Environment holds per-environment sizing parameters, independent of the
// live EnvironmentStats counters.
type Environment struct {
	Name          string
	Memory        float64 // MB, per-sandbox
	DedupBenefit  float64
}

// EnvironmentStats tracks the live per-environment counters the decision
// policy and scheduler read on every invocation. All access is through the
// exported methods, which hold the stats' own mutex.
type EnvironmentStats struct {
	mu sync.Mutex

	NumWarm  int
	NumDedup int
	NumBase  int

	WarmStartEMA  float64
	DedupStartEMA float64

	window       int // minutes
	rates        []rateMinute
	currentCount int
}

type rateMinute struct {
	minute int64
	count  int
}

// NewEnvironmentStats creates stats with the given arrival-rate window, in
// minutes.
func NewEnvironmentStats(windowMinutes int) *EnvironmentStats {
	return &EnvironmentStats{window: windowMinutes}
}

const emaAlpha = 0.1

// UpdateStartupTimes applies the α=0.1 exponential moving average update to
// either the warm or dedup start-time EMA.
func (s *EnvironmentStats) UpdateStartupTimes(latencyMs float64, dedup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedup {
		s.DedupStartEMA = emaAlpha*latencyMs + (1-emaAlpha)*s.DedupStartEMA
		return
	}
	s.WarmStartEMA = emaAlpha*latencyMs + (1-emaAlpha)*s.WarmStartEMA
}

// UpdateArrivalRates records one arrival at time t, rolling the per-minute
// ring forward if a minute boundary has been crossed.
func (s *EnvironmentStats) UpdateArrivalRates(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	minute := t.Unix() / 60

	if len(s.rates) == 0 {
		s.rates = append(s.rates, rateMinute{minute: minute, count: 0})
	}
	last := &s.rates[len(s.rates)-1]
	if minute != last.minute {
		s.rates = append(s.rates, rateMinute{minute: minute, count: 0})
		if len(s.rates) > s.window {
			s.rates = s.rates[len(s.rates)-s.window:]
		}
		last = &s.rates[len(s.rates)-1]
	}
	last.count++
}

// MaxArrivalRate returns the maximum per-minute count over the window,
// expressed as a per-second rate.
func (s *EnvironmentStats) MaxArrivalRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, r := range s.rates {
		if r.count > max {
			max = r.count
		}
	}
	return float64(max) / 60.0
}

// MovingWindowArrivalRate returns the sum of counts over the window divided
// by the elapsed time spanned by the window, in arrivals/second.
func (s *EnvironmentStats) MovingWindowArrivalRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rates) == 0 {
		return 0
	}
	sum := 0
	for _, r := range s.rates {
		sum += r.count
	}
	elapsedMinutes := s.rates[len(s.rates)-1].minute - s.rates[0].minute + 1
	if elapsedMinutes <= 0 {
		elapsedMinutes = 1
	}
	return float64(sum) / (float64(elapsedMinutes) * 60.0)
}

// Counts returns the current num_warm/num_dedup/num_base triple.
func (s *EnvironmentStats) Counts() (warm, dedup, base int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NumWarm, s.NumDedup, s.NumBase
}

// EMAs returns the current warm/dedup start-time EMAs, in ms.
func (s *EnvironmentStats) EMAs() (warm, dedup float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WarmStartEMA, s.DedupStartEMA
}

// IncrNumBase increments the base count and returns the new value. Called by
// the controller when the decision policy's base-quota rule promotes a
// sandbox that is not yet a base.
func (s *EnvironmentStats) IncrNumBase() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NumBase++
	return s.NumBase
}

// ApplyTransition updates num_warm/num_dedup/num_base bookkeeping for a
// container moving from prev to next. purge additionally removes the
// container from every count it contributed to (num_base only ever
// decrements via purge, never via a Warm/Dedup transition, per invariant
// (iv)).
func (s *EnvironmentStats) ApplyTransition(prev, next State, wasBase, purge bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if purge {
		switch prev {
		case Running, Warm, Base:
			s.NumWarm--
		case Dedup:
			s.NumDedup--
		}
		if wasBase {
			s.NumBase--
		}
		return
	}

	switch prev {
	case Running, Warm, Base:
		s.NumWarm--
	case Dedup:
		s.NumDedup--
	}

	switch next {
	case Running, Warm, Base:
		s.NumWarm++
	case Dedup:
		s.NumDedup++
	}
}
