package controller

import (
	"context"
	"time"

	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/types"
)

// evictionMaxTries bounds EvictContainer's own candidate search within one
// eviction attempt, distinct from the scheduler's overall maxTries.
const evictionMaxTries = 20

// evictOne runs one full eviction attempt: pick the environment with the
// worst warm-sandboxes-per-arrival-rate ratio, then purge its oldest
// eligible warm/dedup sandbox. Returns true if a sandbox was evicted.
func (s *Scheduler) evictOne(ctx context.Context, _ string) bool {
	env, ok := s.chooseEvictionEnv()
	if !ok {
		return false
	}

	idle := time.Duration(s.agentCfg.Parameters.IdleTimeSec) * time.Second

	for try := 0; try < evictionMaxTries; try++ {
		cont, ok := s.findEvictionCandidate(env, idle)
		if !ok {
			return false
		}

		s.claimMu.Lock()
		snap := cont.Snapshot()
		if snap.NextAssigned {
			s.claimMu.Unlock()
			continue
		}
		cont.UpdateStatus(types.Dummy)
		s.claimMu.Unlock()

		client, err := s.workerClient(snap.MachineID)
		if err != nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, warmRestartDeadline)
		_, err = client.Purge(pctx, &rpc.SandboxRequest{SandboxID: snap.ID})
		cancel()
		if err != nil {
			continue
		}

		stats := s.ctrl.EnvStats(env)
		stats.ApplyTransition(snap.Status, snap.Status, snap.IsBase, true)
		s.ctrl.removeContainer(snap.ID)
		s.ctrl.recordEviction()
		return true
	}
	return false
}

// chooseEvictionEnv returns the environment maximizing
// num_warm(e)/moving_window_rate(e), the environment with the most
// warm-residency relative to how often it is actually used.
func (s *Scheduler) chooseEvictionEnv() (string, bool) {
	best := ""
	bestScore := -1.0
	found := false
	for _, env := range s.ctrl.EnvironmentNames() {
		stats := s.ctrl.EnvStats(env)
		warm, _, _ := stats.Counts()
		rate := stats.MovingWindowArrivalRate()
		if rate <= 0 {
			rate = 0.001
		}
		score := float64(warm) / rate
		if score > bestScore {
			bestScore, best, found = score, env, true
		}
	}
	return best, found
}

// findEvictionCandidate picks the non-next-assigned warm/dedup sandbox in
// env with the greatest time-since-last-mod, excluding the decision window
// (idle-2s, idle+2s) and anything modified within the last 2s (the
// just-entered-state guard).
func (s *Scheduler) findEvictionCandidate(env string, idle time.Duration) (*types.Container, bool) {
	const newStateGuard = 2 * time.Second

	var best *types.Container
	var bestAge time.Duration

	for _, cont := range s.ctrl.Containers(env) {
		snap := cont.Snapshot()
		if snap.NextAssigned {
			continue
		}
		if snap.Status != types.Warm && snap.Status != types.Dedup {
			continue
		}
		age := time.Since(snap.LastModified)
		if age < newStateGuard {
			continue
		}
		if age >= idle-2*time.Second && age <= idle+2*time.Second {
			continue
		}
		if best == nil || age > bestAge {
			best, bestAge = cont, age
		}
	}
	return best, best != nil
}
